// Package features detects oriented corner keypoints and binary
// descriptors on document images.
package features

import (
	"sort"

	"cardalign/internal/imgproc"
	"cardalign/pkg/geometry"

	"gocv.io/x/gocv"
)

// DescriptorSize is the length in bytes of one binary descriptor.
const DescriptorSize = 32

// Keypoint is one detected local feature.
type Keypoint struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Size     float64 `json:"size"`
	Angle    float64 `json:"angle"`
	Response float64 `json:"response"`
	Octave   int     `json:"octave"`
}

// Point returns the sub-pixel position of the keypoint.
func (k Keypoint) Point() geometry.Point2D {
	return geometry.Point2D{X: k.X, Y: k.Y}
}

// Set is an ordered sequence of keypoints paired 1:1 with fixed-length
// binary descriptors, sorted by descending response strength. Immutable
// once produced.
type Set struct {
	Keypoints   []Keypoint
	Descriptors [][]byte
}

// Len returns the number of features in the set.
func (s Set) Len() int { return len(s.Keypoints) }

// Options configures the detector. Lowering EdgeMargin and
// ResponseThreshold and raising PyramidDepth increases yield on
// documents with fine print near the border, at a per-call latency cost
// roughly linear in MaxFeatures.
type Options struct {
	MaxFeatures       int                    `json:"max_features"`       // cap on retained keypoints
	ScaleStep         float64                `json:"scale_step"`         // pyramid scale factor between levels
	PyramidDepth      int                    `json:"pyramid_depth"`      // number of pyramid levels
	EdgeMargin        int                    `json:"edge_margin"`        // border exclusion in pixels
	ResponseThreshold int                    `json:"response_threshold"` // FAST corner response threshold
	PatchSize         int                    `json:"patch_size"`         // descriptor sampling patch
	Enhance           imgproc.EnhanceOptions `json:"enhance"`
}

// DefaultOptions returns the detector defaults for card photos.
func DefaultOptions() Options {
	return Options{
		MaxFeatures:       5000,
		ScaleStep:         1.2,
		PyramidDepth:      12,
		EdgeMargin:        15,
		ResponseThreshold: 10,
		PatchSize:         31,
		Enhance:           imgproc.DefaultEnhanceOptions(),
	}
}

// Extractor detects keypoints and computes descriptors. It is not safe
// for concurrent use; create one per goroutine.
type Extractor struct {
	opts Options
	orb  gocv.ORB
}

// NewExtractor creates an extractor with the given options.
func NewExtractor(opts Options) *Extractor {
	orb := gocv.NewORBWithParams(
		opts.MaxFeatures,
		float32(opts.ScaleStep),
		opts.PyramidDepth,
		opts.EdgeMargin,
		0, // firstLevel
		2, // WTA_K: two-point brightness comparisons
		gocv.ORBScoreTypeHarris,
		opts.PatchSize,
		opts.ResponseThreshold,
	)
	return &Extractor{opts: opts, orb: orb}
}

// Close releases detector resources.
func (e *Extractor) Close() error {
	return e.orb.Close()
}

// Extract detects features on the image. The image is reduced to
// enhanced luminance first (equalize, denoise, sharpen, in that order).
// The result holds at most MaxFeatures keypoints, strongest first. An
// image with no detectable corners yields an empty set, not an error;
// callers must handle zero-length sets.
func (e *Extractor) Extract(img gocv.Mat) Set {
	gray := imgproc.ToGray(img)
	defer gray.Close()

	enhanced := imgproc.Enhance(gray, e.opts.Enhance)
	defer enhanced.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	kps, desc := e.orb.DetectAndCompute(enhanced, mask)
	defer desc.Close()

	if len(kps) == 0 || desc.Empty() {
		return Set{}
	}

	raw := desc.ToBytes()
	n := desc.Rows()
	stride := desc.Cols()
	set := Set{
		Keypoints:   make([]Keypoint, 0, n),
		Descriptors: make([][]byte, 0, n),
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return kps[order[a]].Response > kps[order[b]].Response
	})
	if len(order) > e.opts.MaxFeatures {
		order = order[:e.opts.MaxFeatures]
	}

	for _, idx := range order {
		kp := kps[idx]
		set.Keypoints = append(set.Keypoints, Keypoint{
			X:        kp.X,
			Y:        kp.Y,
			Size:     kp.Size,
			Angle:    kp.Angle,
			Response: kp.Response,
			Octave:   kp.Octave,
		})
		d := make([]byte, stride)
		copy(d, raw[idx*stride:(idx+1)*stride])
		set.Descriptors = append(set.Descriptors, d)
	}
	return set
}
