// Package imgproc provides the pixel-level operations shared by the
// alignment engine: luminance conversion, contrast enhancement, size
// normalization and perspective warping.
package imgproc

import (
	"image"

	"cardalign/pkg/geometry"

	"gocv.io/x/gocv"
)

// EnhanceOptions controls the pre-extraction enhancement chain.
type EnhanceOptions struct {
	CLAHEClipLimit    float64 `json:"clahe_clip_limit"`   // adaptive equalization clip limit
	CLAHETileGrid     int     `json:"clahe_tile_grid"`    // tile grid size (NxN); smaller tiles favor local detail
	BilateralDiameter int     `json:"bilateral_diameter"` // pixel neighborhood diameter for the edge-preserving denoise
	BilateralSigma    float64 `json:"bilateral_sigma"`    // sigma for both color and space
}

// DefaultEnhanceOptions returns the enhancement defaults tuned for
// document photos with fine print.
func DefaultEnhanceOptions() EnhanceOptions {
	return EnhanceOptions{
		CLAHEClipLimit:    3.0,
		CLAHETileGrid:     4,
		BilateralDiameter: 5,
		BilateralSigma:    50,
	}
}

// ToGray converts an image to single-channel luminance. Grayscale input
// is cloned unchanged.
func ToGray(src gocv.Mat) gocv.Mat {
	if src.Channels() == 1 {
		return src.Clone()
	}
	gray := gocv.NewMat()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	return gray
}

// Enhance runs the fixed enhancement chain on a grayscale image:
// adaptive local-contrast equalization, then edge-preserving noise
// reduction, then a sharpening convolution. Equalization must come
// first so local contrast gains are not washed out by the smoothing.
func Enhance(gray gocv.Mat, opts EnhanceOptions) gocv.Mat {
	clahe := gocv.NewCLAHEWithParams(opts.CLAHEClipLimit,
		image.Point{X: opts.CLAHETileGrid, Y: opts.CLAHETileGrid})
	defer clahe.Close()

	equalized := gocv.NewMat()
	clahe.Apply(gray, &equalized)
	defer equalized.Close()

	denoised := gocv.NewMat()
	gocv.BilateralFilter(equalized, &denoised, opts.BilateralDiameter,
		opts.BilateralSigma, opts.BilateralSigma)
	defer denoised.Close()

	kernel := sharpenKernel()
	defer kernel.Close()

	sharpened := gocv.NewMat()
	gocv.Filter2D(denoised, &sharpened, -1, kernel,
		image.Point{X: -1, Y: -1}, 0, gocv.BorderDefault)
	return sharpened
}

func sharpenKernel() gocv.Mat {
	k := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
	vals := [3][3]float32{
		{0, -1, 0},
		{-1, 5, -1},
		{0, -1, 0},
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			k.SetFloatAt(r, c, vals[r][c])
		}
	}
	return k
}

// NormalizeSize resizes the image so its longest side equals targetDim,
// preserving aspect ratio. Returns the resized image and the applied
// scale factor. Images already at targetDim are cloned with scale 1.
func NormalizeSize(src gocv.Mat, targetDim int) (gocv.Mat, float64) {
	size := geometry.Size{Width: src.Cols(), Height: src.Rows()}
	maxDim := size.MaxDim()
	if maxDim == targetDim || maxDim == 0 {
		return src.Clone(), 1.0
	}
	scale := float64(targetDim) / float64(maxDim)
	w := int(float64(size.Width) * scale)
	h := int(float64(size.Height) * scale)
	dst := gocv.NewMat()
	gocv.Resize(src, &dst, image.Point{X: w, Y: h}, 0, 0, gocv.InterpolationLinear)
	return dst, scale
}

// ToMat converts a homography to the 3x3 CV64F matrix gocv expects.
// The caller owns the returned Mat.
func ToMat(h geometry.Homography) gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.SetDoubleAt(r, c, h.M[r][c])
		}
	}
	return m
}

// WarpPerspective warps src through the homography into a width x height
// destination frame.
func WarpPerspective(src gocv.Mat, h geometry.Homography, width, height int) gocv.Mat {
	m := ToMat(h)
	defer m.Close()

	dst := gocv.NewMat()
	gocv.WarpPerspective(src, &dst, m, image.Point{X: width, Y: height})
	return dst
}

// CropBlackPadding trims the black border a perspective warp leaves
// around the content. It thresholds near-black pixels, takes the
// bounding box of the largest bright contour plus a small margin, and
// returns that region. The full image is cloned when no content area is
// found.
func CropBlackPadding(src gocv.Mat) gocv.Mat {
	gray := ToGray(src)
	defer gray.Close()

	thresh := gocv.NewMat()
	gocv.Threshold(gray, &thresh, 10, 255, gocv.ThresholdBinary)
	defer thresh.Close()

	contours := gocv.FindContours(thresh, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	if contours.Size() == 0 {
		return src.Clone()
	}

	bestIdx := 0
	bestArea := 0.0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area > bestArea {
			bestArea = area
			bestIdx = i
		}
	}

	const margin = 2
	rect := gocv.BoundingRect(contours.At(bestIdx))
	x := max(0, rect.Min.X-margin)
	y := max(0, rect.Min.Y-margin)
	x2 := min(src.Cols(), rect.Max.X+margin)
	y2 := min(src.Rows(), rect.Max.Y+margin)
	if x2 <= x || y2 <= y {
		return src.Clone()
	}

	region := src.Region(image.Rect(x, y, x2, y2))
	defer region.Close()
	return region.Clone()
}
