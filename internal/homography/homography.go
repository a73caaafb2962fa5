// Package homography fits projective transforms to point
// correspondences using a cascade of robust-regression configurations.
package homography

import (
	"math"

	"cardalign/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// MinCorrespondences is the minimal sample size for a projective fit.
const MinCorrespondences = 4

// Config is one RANSAC configuration of the cascade.
type Config struct {
	Threshold     float64 `json:"threshold"`      // reprojection error in pixels
	MaxIterations int     `json:"max_iterations"` // sampling cap
	Confidence    float64 `json:"confidence"`     // target inlier confidence
}

// DefaultCascade returns the ordered configuration list, stricter
// higher-threshold entries first. Every entry is always evaluated; the
// ordering only decides ties.
func DefaultCascade() []Config {
	return []Config{
		{Threshold: 5.0, MaxIterations: 5000, Confidence: 0.995},
		{Threshold: 3.0, MaxIterations: 4000, Confidence: 0.99},
		{Threshold: 7.0, MaxIterations: 3000, Confidence: 0.98},
		{Threshold: 2.0, MaxIterations: 6000, Confidence: 0.985},
	}
}

// Attempt is the outcome of one cascade configuration: the fitted
// transform (nil when the configuration failed) and its inlier subset.
type Attempt struct {
	Config  Config
	H       *geometry.Homography
	Inliers []int
}

// InlierCount returns the number of inliers, 0 for failed attempts.
func (a Attempt) InlierCount() int { return len(a.Inliers) }

// homographyFromPoints computes a projective transform from exactly 4
// point pairs by solving the 8x8 DLT system with h22 fixed to 1.
func homographyFromPoints(src, dst []geometry.Point2D) (geometry.Homography, error) {
	A := mat.NewDense(8, 8, nil)
	B := mat.NewVecDense(8, nil)

	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		xp, yp := dst[i].X, dst[i].Y

		// x' = (h00*x + h01*y + h02) / (h20*x + h21*y + 1)
		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		A.Set(i*2, 6, -x*xp)
		A.Set(i*2, 7, -y*xp)
		B.SetVec(i*2, xp)

		// y' = (h10*x + h11*y + h12) / (h20*x + h21*y + 1)
		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		A.Set(i*2+1, 6, -x*yp)
		A.Set(i*2+1, 7, -y*yp)
		B.SetVec(i*2+1, yp)
	}

	var params mat.VecDense
	if err := params.SolveVec(A, B); err != nil {
		return geometry.Homography{}, err
	}
	return fromParams(&params), nil
}

// homographyLeastSquares refits a projective transform over all point
// pairs by QR on the overdetermined 2n x 8 system.
func homographyLeastSquares(src, dst []geometry.Point2D) (geometry.Homography, error) {
	n := len(src)
	A := mat.NewDense(n*2, 8, nil)
	B := mat.NewVecDense(n*2, nil)

	for i := 0; i < n; i++ {
		x, y := src[i].X, src[i].Y
		xp, yp := dst[i].X, dst[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		A.Set(i*2, 6, -x*xp)
		A.Set(i*2, 7, -y*xp)
		B.SetVec(i*2, xp)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		A.Set(i*2+1, 6, -x*yp)
		A.Set(i*2+1, 7, -y*yp)
		B.SetVec(i*2+1, yp)
	}

	var qr mat.QR
	qr.Factorize(A)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, B); err != nil {
		return geometry.Homography{}, err
	}
	return fromParams(&params), nil
}

func fromParams(p *mat.VecDense) geometry.Homography {
	return geometry.Homography{M: [3][3]float64{
		{p.AtVec(0), p.AtVec(1), p.AtVec(2)},
		{p.AtVec(3), p.AtVec(4), p.AtVec(5)},
		{p.AtVec(6), p.AtVec(7), 1},
	}}
}

// sampleDegenerate reports whether any three of the four points are
// near-collinear, which makes the DLT system numerically useless even
// when it technically solves.
func sampleDegenerate(pts []geometry.Point2D) bool {
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			for k := j + 1; k < 4; k++ {
				a, b, c := pts[i], pts[j], pts[k]
				area := math.Abs((b.X-a.X)*(c.Y-a.Y) - (c.X-a.X)*(b.Y-a.Y))
				if area < 1e-6 {
					return true
				}
			}
		}
	}
	return false
}
