package geometry

import (
	"math"
)

// Homography represents a 3x3 projective transformation matrix.
// [h00 h01 h02]
// [h10 h11 h12]
// [h20 h21 h22]
type Homography struct {
	M [3][3]float64
}

// IdentityHomography returns the identity transform.
func IdentityHomography() Homography {
	return Homography{M: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

// ScaleHomography returns a uniform scaling transform.
func ScaleHomography(sx, sy float64) Homography {
	return Homography{M: [3][3]float64{{sx, 0, 0}, {0, sy, 0}, {0, 0, 1}}}
}

// Apply maps a point through the transform, including the projective
// division. The second return is false when the point maps to infinity
// (denominator numerically zero).
func (h Homography) Apply(p Point2D) (Point2D, bool) {
	w := h.M[2][0]*p.X + h.M[2][1]*p.Y + h.M[2][2]
	if math.Abs(w) < 1e-12 {
		return Point2D{}, false
	}
	x := (h.M[0][0]*p.X + h.M[0][1]*p.Y + h.M[0][2]) / w
	y := (h.M[1][0]*p.X + h.M[1][1]*p.Y + h.M[1][2]) / w
	return Point2D{X: x, Y: y}, true
}

// Compose returns this transform composed with another (this * other),
// i.e. other is applied first.
func (h Homography) Compose(other Homography) Homography {
	var out Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += h.M[i][k] * other.M[k][j]
			}
			out.M[i][j] = sum
		}
	}
	return out
}

// Normalize scales the matrix so the bottom-right element is 1. Returns
// false when that element is numerically zero.
func (h Homography) Normalize() (Homography, bool) {
	w := h.M[2][2]
	if math.Abs(w) < 1e-12 {
		return Homography{}, false
	}
	var out Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.M[i][j] = h.M[i][j] / w
		}
	}
	return out, true
}

// ReprojectionError returns the distance between dst and src mapped
// through the transform. Points that map to infinity report +Inf.
func (h Homography) ReprojectionError(src, dst Point2D) float64 {
	mapped, ok := h.Apply(src)
	if !ok {
		return math.Inf(1)
	}
	return mapped.Distance(dst)
}
