// Package quality renders the accept/reject decision for an alignment
// from match statistics and image sharpness.
package quality

import (
	"fmt"
	"strings"

	"cardalign/internal/imgproc"

	"gocv.io/x/gocv"
)

// Decision values for an alignment outcome.
const (
	DecisionAligned  = "aligned"
	DecisionOriginal = "original"
)

// Tier is one row of a scoring table: values at or above Threshold earn
// Points (the first matching row wins, so tables are ordered by
// descending threshold, usually ending in a 0-threshold default row).
type Tier struct {
	Threshold float64 `json:"threshold"`
	Points    int     `json:"points"`
}

// Table is an ordered scoring table. The tier boundaries and weights are
// policy, not structure; deployments retune them without code changes.
type Table []Tier

// Points returns the points awarded for a value.
func (t Table) Points(v float64) int {
	for _, tier := range t {
		if v >= tier.Threshold {
			return tier.Points
		}
	}
	return 0
}

// Options configures the quality gate.
type Options struct {
	// Absolute floors: below any of these the result is rejected
	// unconditionally, whatever the composite score says. Very low raw
	// counts are an unreliable basis for any transform even when RANSAC
	// nominally converges.
	MinInliers int     `json:"min_inliers"`
	MinMatches int     `json:"min_matches"`
	MinBlur    float64 `json:"min_blur"`

	// AcceptScore is the composite score needed to accept the aligned
	// image once the floors pass.
	AcceptScore int `json:"accept_score"`

	InlierTiers Table `json:"inlier_tiers"`
	MatchTiers  Table `json:"match_tiers"`
	BlurTiers   Table `json:"blur_tiers"`
}

// DefaultOptions returns the empirically tuned scoring policy.
func DefaultOptions() Options {
	return Options{
		MinInliers:  25,
		MinMatches:  50,
		MinBlur:     50,
		AcceptScore: 50,
		InlierTiers: Table{
			{Threshold: 100, Points: 40},
			{Threshold: 60, Points: 35},
			{Threshold: 40, Points: 25},
			{Threshold: 25, Points: 15},
			{Threshold: 0, Points: 5},
		},
		MatchTiers: Table{
			{Threshold: 300, Points: 30},
			{Threshold: 150, Points: 25},
			{Threshold: 80, Points: 20},
			{Threshold: 50, Points: 12},
			{Threshold: 0, Points: 5},
		},
		BlurTiers: Table{
			{Threshold: 300, Points: 30},
			{Threshold: 200, Points: 25},
			{Threshold: 100, Points: 15},
			{Threshold: 0, Points: 10},
		},
	}
}

// Metrics is the quality record for one alignment.
type Metrics struct {
	GoodMatches int     `json:"good_matches"`
	Inliers     int     `json:"inliers"`
	BlurScore   float64 `json:"blur_score"`
	Brightness  float64 `json:"brightness"`
	Contrast    float64 `json:"contrast"`
	Score       int     `json:"quality_score"`
	Decision    string  `json:"decision"`
	Reason      string  `json:"reason,omitempty"`
}

// Accepted reports whether the aligned image was chosen.
func (m Metrics) Accepted() bool { return m.Decision == DecisionAligned }

// Scorer computes composite quality scores and decisions.
type Scorer struct {
	opts Options
}

// NewScorer creates a scorer with the given policy.
func NewScorer(opts Options) *Scorer {
	return &Scorer{opts: opts}
}

// Score measures the warped image and evaluates the quality gate.
func (s *Scorer) Score(goodMatches, inliers int, warped gocv.Mat) Metrics {
	blur := imgproc.BlurScore(warped)
	brightness, contrast := imgproc.Luminance(warped)
	return s.Evaluate(goodMatches, inliers, blur, brightness, contrast)
}

// Evaluate renders the decision from already-measured values. Floors are
// checked first; only then is the composite 0-100 score accumulated from
// the tier tables and compared against the acceptance threshold.
func (s *Scorer) Evaluate(goodMatches, inliers int, blur, brightness, contrast float64) Metrics {
	m := Metrics{
		GoodMatches: goodMatches,
		Inliers:     inliers,
		BlurScore:   blur,
		Brightness:  brightness,
		Contrast:    contrast,
		Decision:    DecisionOriginal,
	}

	var failed []string
	if inliers < s.opts.MinInliers {
		failed = append(failed, fmt.Sprintf("inliers %d < %d", inliers, s.opts.MinInliers))
	}
	if goodMatches < s.opts.MinMatches {
		failed = append(failed, fmt.Sprintf("matches %d < %d", goodMatches, s.opts.MinMatches))
	}
	if blur < s.opts.MinBlur {
		failed = append(failed, fmt.Sprintf("blur %.2f < %.2f", blur, s.opts.MinBlur))
	}
	if len(failed) > 0 {
		m.Reason = "below absolute minimums: " + strings.Join(failed, ", ")
		return m
	}

	m.Score = s.opts.InlierTiers.Points(float64(inliers)) +
		s.opts.MatchTiers.Points(float64(goodMatches)) +
		s.opts.BlurTiers.Points(blur)

	if m.Score < s.opts.AcceptScore {
		m.Reason = fmt.Sprintf("quality score %d below acceptance threshold %d",
			m.Score, s.opts.AcceptScore)
		return m
	}

	m.Decision = DecisionAligned
	return m
}
