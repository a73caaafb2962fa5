// Package matching finds descriptor correspondences between an input
// image and a template, filtered for distinctiveness and statistical
// outliers.
package matching

import (
	"cardalign/internal/features"

	"gonum.org/v1/gonum/stat"
)

// Correspondence pairs a query (input) keypoint index with a train
// (template) keypoint index and their descriptor distance.
type Correspondence struct {
	Query    int
	Train    int
	Distance float64
}

// Options configures the matcher.
type Options struct {
	// RatioThreshold is the Lowe distinctiveness ratio: a pair survives
	// only if bestDist < RatioThreshold * secondBestDist. Lower values
	// trade quantity for confidence.
	RatioThreshold float64 `json:"ratio_threshold"`
	// StdDevFactor k drops ratio-test survivors with distance above
	// mean + k*stddev of the surviving distances.
	StdDevFactor float64 `json:"stddev_factor"`
	// LSH index shape.
	Tables     int `json:"tables"`
	KeyBits    int `json:"key_bits"`
	ProbeLevel int `json:"probe_level"`
	// Seed fixes the index's bit sampling for reproducible matching.
	Seed int64 `json:"seed"`
}

// DefaultOptions returns the tuned matcher defaults.
func DefaultOptions() Options {
	return Options{
		RatioThreshold: 0.70,
		StdDevFactor:   2.0,
		Tables:         6,
		KeyBits:        12,
		ProbeLevel:     1,
		Seed:           1,
	}
}

// Matcher matches binary descriptor sets. Safe for concurrent use; each
// Match call builds its own index state.
type Matcher struct {
	opts Options
}

// NewMatcher creates a matcher with the given options.
func NewMatcher(opts Options) *Matcher {
	return &Matcher{opts: opts}
}

// Match returns the filtered correspondences from query to train. For
// each query descriptor the two best approximate neighbors are
// retrieved; the pair is kept when it passes the ratio test, and the
// surviving set is then pruned of its statistical distance outliers. An
// empty result is valid and means "insufficient matches", not an error.
func (m *Matcher) Match(query, train features.Set) []Correspondence {
	if query.Len() == 0 || train.Len() == 0 {
		return nil
	}

	idx := newLSHIndex(train.Descriptors, m.opts.Tables, m.opts.KeyBits,
		m.opts.ProbeLevel, m.opts.Seed)

	kept := make([]Correspondence, 0, query.Len())
	for qi, qd := range query.Descriptors {
		best, _, bestDist, secondDist, found := idx.knn2(qd)
		if found < 2 {
			// Ambiguity is undecidable with a single neighbor; drop.
			continue
		}
		if float64(bestDist) < m.opts.RatioThreshold*float64(secondDist) {
			kept = append(kept, Correspondence{
				Query:    qi,
				Train:    best,
				Distance: float64(bestDist),
			})
		}
	}

	return m.filterOutliers(dedupeTrain(kept))
}

// dedupeTrain keeps only the closest pair per train keypoint, so the
// output never exceeds either feature set's size.
func dedupeTrain(in []Correspondence) []Correspondence {
	best := make(map[int]int, len(in)) // train index -> position in out
	out := in[:0]
	for _, c := range in {
		if pos, ok := best[c.Train]; ok {
			if c.Distance < out[pos].Distance {
				out[pos] = c
			}
			continue
		}
		best[c.Train] = len(out)
		out = append(out, c)
	}
	return out
}

// filterOutliers removes the long tail of low-confidence matches the
// ratio test alone does not catch: pairs whose distance exceeds
// mean + k*stddev of the surviving distances.
func (m *Matcher) filterOutliers(in []Correspondence) []Correspondence {
	if len(in) < 2 {
		return in
	}

	dists := make([]float64, len(in))
	for i, c := range in {
		dists[i] = c.Distance
	}
	mean, stddev := stat.MeanStdDev(dists, nil)
	cutoff := mean + m.opts.StdDevFactor*stddev

	out := in[:0]
	for _, c := range in {
		if c.Distance <= cutoff {
			out = append(out, c)
		}
	}
	return out
}
