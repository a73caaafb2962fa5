// Package alignment orchestrates the per-request flow: template lookup,
// feature extraction, correspondence matching, robust homography
// estimation, warping and the accept/reject quality decision.
package alignment

import (
	"errors"
	"fmt"
	"log/slog"

	"cardalign/internal/config"
	"cardalign/internal/features"
	"cardalign/internal/homography"
	"cardalign/internal/imgproc"
	"cardalign/internal/matching"
	"cardalign/internal/quality"
	"cardalign/internal/template"
	"cardalign/pkg/geometry"

	"gocv.io/x/gocv"
)

// Fallback reasons for returning the original capture. Quality-gate
// reasons come from the scorer and carry the failing comparisons.
const (
	ReasonNoTemplate   = "no template"
	ReasonNoFeatures   = "no features in input"
	ReasonNoMatches    = "insufficient matches"
	ReasonNoHomography = "homography estimation failed"
)

// ErrBadInput marks undecodable or empty input images. Unlike every
// insufficient-signal condition it is a real error: no alignment attempt
// is meaningful, so it is raised to the caller instead of falling back.
var ErrBadInput = errors.New("undecodable input image")

// TemplateSource resolves document type labels to templates.
type TemplateSource interface {
	Get(label string) (*template.Template, error)
}

// Extractor detects features on one image. Extractors are per-request;
// the pipeline closes them when the request ends.
type Extractor interface {
	Extract(img gocv.Mat) features.Set
	Close() error
}

// Matcher produces filtered correspondences between two feature sets.
type Matcher interface {
	Match(query, train features.Set) []matching.Correspondence
}

// Estimator fits the best projective transform to correspondences.
type Estimator interface {
	Estimate(src, dst []geometry.Point2D) (*homography.Attempt, []homography.Attempt)
}

// Pipeline is the stateless per-request aligner. Safe for concurrent
// use: the only shared mutable state is the template store's own cache.
type Pipeline struct {
	templates    TemplateSource
	newExtractor func() Extractor
	matcher      Matcher
	estimator    Estimator
	scorer       *quality.Scorer
	opts         config.Pipeline
	log          *slog.Logger
}

// New builds a pipeline from a template store and the full config.
func New(store TemplateSource, cfg config.Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		templates: store,
		newExtractor: func() Extractor {
			return features.NewExtractor(cfg.Detector)
		},
		matcher:   matching.NewMatcher(cfg.Matcher),
		estimator: homography.NewEstimator(cfg.Ransac.Cascade, cfg.Ransac.Seed),
		scorer:    quality.NewScorer(cfg.Quality),
		opts:      cfg.Pipeline,
		log:       log,
	}
}

// AttemptDiag summarizes one RANSAC configuration's outcome.
type AttemptDiag struct {
	Threshold float64 `json:"threshold"`
	Inliers   int     `json:"inliers"`
	Converged bool    `json:"converged"`
}

// Diagnostics is the per-request trace exposed to the calling layer.
// The template is the "base" image and the capture the "target".
type Diagnostics struct {
	FeaturesBase   int           `json:"features_base"`
	FeaturesTarget int           `json:"features_target"`
	GoodMatches    int           `json:"good_matches"`
	Inliers        int           `json:"inliers"`
	BlurScore      float64       `json:"blur_score"`
	Brightness     float64       `json:"brightness"`
	Contrast       float64       `json:"contrast"`
	QualityScore   int           `json:"quality_score"`
	Decision       string        `json:"decision"`
	Reason         string        `json:"reason,omitempty"`
	Attempts       []AttemptDiag `json:"ransac_attempts,omitempty"`
}

// Result is the final output of one request. Image is never empty: it
// is either the warped, template-aligned capture or a copy of the
// original. The caller owns it and must Close it.
type Result struct {
	Image       gocv.Mat
	Metrics     quality.Metrics
	Diagnostics Diagnostics
}

// Aligned reports whether the aligned image was chosen over the
// original capture.
func (r Result) Aligned() bool { return r.Metrics.Accepted() }

// AlignBytes decodes an encoded image and aligns it. Undecodable bytes
// fail fast with ErrBadInput.
func (p *Pipeline) AlignBytes(data []byte, label string) (Result, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil || img.Empty() {
		return Result{}, fmt.Errorf("%w: decode failed", ErrBadInput)
	}
	defer img.Close()
	return p.Align(img, label)
}

// Align runs one request against the template selected by label. All
// insufficient-signal conditions (no template, no features, no matches,
// no transform, failed quality gate) resolve to the original image with
// a reason, never an error.
func (p *Pipeline) Align(img gocv.Mat, label string) (Result, error) {
	if img.Empty() {
		return Result{}, fmt.Errorf("%w: empty image", ErrBadInput)
	}

	diag := Diagnostics{Decision: quality.DecisionOriginal}

	tpl, err := p.templates.Get(label)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			return p.fallback(img, label, ReasonNoTemplate, diag), nil
		}
		return Result{}, fmt.Errorf("template lookup for %q: %w", label, err)
	}
	diag.FeaturesBase = tpl.Features.Len()

	extractor := p.newExtractor()
	defer extractor.Close()

	inputNorm, inputScale := imgproc.NormalizeSize(img, p.opts.TargetDimension)
	defer inputNorm.Close()

	inputFeatures := extractor.Extract(inputNorm)
	diag.FeaturesTarget = inputFeatures.Len()
	if inputFeatures.Len() == 0 || tpl.Features.Len() == 0 {
		return p.fallback(img, label, ReasonNoFeatures, diag), nil
	}

	correspondences := p.matcher.Match(inputFeatures, tpl.Features)
	diag.GoodMatches = len(correspondences)
	if len(correspondences) == 0 {
		return p.fallback(img, label, ReasonNoMatches, diag), nil
	}

	src := make([]geometry.Point2D, len(correspondences))
	dst := make([]geometry.Point2D, len(correspondences))
	for i, c := range correspondences {
		src[i] = inputFeatures.Keypoints[c.Query].Point()
		dst[i] = tpl.Features.Keypoints[c.Train].Point()
	}

	best, attempts := p.estimator.Estimate(src, dst)
	for _, a := range attempts {
		diag.Attempts = append(diag.Attempts, AttemptDiag{
			Threshold: a.Config.Threshold,
			Inliers:   a.InlierCount(),
			Converged: a.H != nil,
		})
	}
	if best == nil {
		return p.fallback(img, label, ReasonNoHomography, diag), nil
	}
	diag.Inliers = best.InlierCount()

	// The fit maps normalized input onto normalized template
	// coordinates; conjugate with the two scale factors so the warp
	// takes the full-resolution capture into the full-resolution
	// template frame.
	full := geometry.ScaleHomography(1/tpl.Scale, 1/tpl.Scale).
		Compose(best.H.Compose(geometry.ScaleHomography(inputScale, inputScale)))

	warped := imgproc.WarpPerspective(img, full, tpl.Image.Cols(), tpl.Image.Rows())
	if p.opts.CropPadding {
		cropped := imgproc.CropBlackPadding(warped)
		warped.Close()
		warped = cropped
	}

	metrics := p.scorer.Score(len(correspondences), best.InlierCount(), warped)
	diag.BlurScore = metrics.BlurScore
	diag.Brightness = metrics.Brightness
	diag.Contrast = metrics.Contrast
	diag.QualityScore = metrics.Score
	diag.Decision = metrics.Decision
	diag.Reason = metrics.Reason

	if !metrics.Accepted() {
		warped.Close()
		p.logFallback(label, metrics.Reason, diag)
		return Result{Image: img.Clone(), Metrics: metrics, Diagnostics: diag}, nil
	}

	p.log.Info("alignment accepted",
		"label", label,
		"good_matches", diag.GoodMatches,
		"inliers", diag.Inliers,
		"blur_score", diag.BlurScore,
		"quality_score", diag.QualityScore)
	return Result{Image: warped, Metrics: metrics, Diagnostics: diag}, nil
}

// fallback builds the use-original result for conditions reached before
// the quality gate. Counts collected so far stay in the diagnostics.
func (p *Pipeline) fallback(img gocv.Mat, label, reason string, diag Diagnostics) Result {
	diag.Decision = quality.DecisionOriginal
	diag.Reason = reason
	p.logFallback(label, reason, diag)

	metrics := quality.Metrics{
		GoodMatches: diag.GoodMatches,
		Inliers:     diag.Inliers,
		Decision:    quality.DecisionOriginal,
		Reason:      reason,
	}
	return Result{Image: img.Clone(), Metrics: metrics, Diagnostics: diag}
}

func (p *Pipeline) logFallback(label, reason string, diag Diagnostics) {
	p.log.Warn("alignment fell back to original",
		"label", label,
		"reason", reason,
		"features_base", diag.FeaturesBase,
		"features_target", diag.FeaturesTarget,
		"good_matches", diag.GoodMatches,
		"inliers", diag.Inliers)
}
