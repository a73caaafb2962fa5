package homography

import (
	"math"
	"math/rand"

	"cardalign/pkg/geometry"
)

// Estimator runs the RANSAC cascade over point correspondences.
type Estimator struct {
	cascade []Config
	seed    int64
}

// NewEstimator creates an estimator. The cascade is evaluated in order
// on every call; seed makes sampling reproducible across runs.
func NewEstimator(cascade []Config, seed int64) *Estimator {
	if len(cascade) == 0 {
		cascade = DefaultCascade()
	}
	return &Estimator{cascade: cascade, seed: seed}
}

// Estimate fits a projective transform mapping src points onto dst
// points. Every cascade configuration is attempted (never short-circuited
// on success) and the attempt with the most inliers wins; ties resolve
// to the earliest, stricter configuration. Returns nil when fewer than
// 4 correspondences are given or no configuration produced a transform.
// The second return always reports one attempt per configuration for
// diagnostics.
func (e *Estimator) Estimate(src, dst []geometry.Point2D) (*Attempt, []Attempt) {
	if len(src) != len(dst) || len(src) < MinCorrespondences {
		return nil, nil
	}

	rng := rand.New(rand.NewSource(e.seed))

	attempts := make([]Attempt, len(e.cascade))
	bestIdx := -1
	for i, cfg := range e.cascade {
		attempts[i] = e.runConfig(src, dst, cfg, rng)
		if attempts[i].H == nil {
			continue
		}
		if bestIdx < 0 || attempts[i].InlierCount() > attempts[bestIdx].InlierCount() {
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return nil, attempts
	}
	return &attempts[bestIdx], attempts
}

// runConfig performs one RANSAC attempt: sample minimal sets, fit,
// score by inlier count within the threshold, then refit over the best
// inlier set. Singular or degenerate samples count as failed iterations
// and never abort the attempt.
func (e *Estimator) runConfig(src, dst []geometry.Point2D, cfg Config, rng *rand.Rand) Attempt {
	n := len(src)
	attempt := Attempt{Config: cfg}

	var bestH geometry.Homography
	var bestInliers []int

	sample := make([]geometry.Point2D, MinCorrespondences)
	target := make([]geometry.Point2D, MinCorrespondences)

	maxIter := cfg.MaxIterations
	for iter := 0; iter < maxIter; iter++ {
		indices := rng.Perm(n)[:MinCorrespondences]
		for i, idx := range indices {
			sample[i] = src[idx]
			target[i] = dst[idx]
		}
		if sampleDegenerate(sample) || sampleDegenerate(target) {
			continue
		}

		h, err := homographyFromPoints(sample, target)
		if err != nil {
			continue
		}

		var inliers []int
		for i := range src {
			if h.ReprojectionError(src[i], dst[i]) < cfg.Threshold {
				inliers = append(inliers, i)
			}
		}

		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			bestH = h

			// Shrink the remaining iterations once the inlier ratio
			// supports the configured confidence.
			if bound := iterationBound(cfg.Confidence, float64(len(inliers))/float64(n)); bound < maxIter {
				maxIter = bound
			}
		}
	}

	if len(bestInliers) < MinCorrespondences {
		return attempt
	}

	inlierSrc := make([]geometry.Point2D, len(bestInliers))
	inlierDst := make([]geometry.Point2D, len(bestInliers))
	for i, idx := range bestInliers {
		inlierSrc[i] = src[idx]
		inlierDst[i] = dst[idx]
	}

	final, err := homographyLeastSquares(inlierSrc, inlierDst)
	if err != nil {
		final = bestH
	}

	attempt.H = &final
	attempt.Inliers = bestInliers
	return attempt
}

// iterationBound returns the RANSAC iteration count needed to sample at
// least one all-inlier minimal set with probability confidence, given
// the observed inlier ratio.
func iterationBound(confidence, inlierRatio float64) int {
	if inlierRatio >= 1 {
		return 1
	}
	if inlierRatio <= 0 {
		return math.MaxInt32
	}
	pGood := math.Pow(inlierRatio, float64(MinCorrespondences))
	if pGood <= 0 {
		return math.MaxInt32
	}
	denom := math.Log(1 - pGood)
	if denom >= 0 {
		return math.MaxInt32
	}
	bound := math.Log(1-confidence) / denom
	if bound > float64(math.MaxInt32) {
		return math.MaxInt32
	}
	return int(math.Ceil(bound))
}
