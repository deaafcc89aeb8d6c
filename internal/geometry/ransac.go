package geometry

import (
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Correspondence pairs the image coordinates of one feature in two views.
type Correspondence struct {
	P1, P2 r2.Point
}

// PointCorrespondence pairs a 3D point with its image observation.
type PointCorrespondence struct {
	X r3.Vector
	P r2.Point
}

// RANSACOptions configures the robust estimators.
type RANSACOptions struct {
	Rounds     int
	Threshold  float64 // pixels
	MinInliers int
	Rand       *rand.Rand
}

func (o RANSACOptions) rng() *rand.Rand {
	if o.Rand != nil {
		return o.Rand
	}
	return rand.New(rand.NewSource(1))
}

// sample draws k distinct indices from [0, n).
func sample(rng *rand.Rand, n, k int) []int {
	if k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	picked := make(map[int]struct{}, k)
	out := make([]int, 0, k)
	for len(out) < k {
		i := rng.Intn(n)
		if _, dup := picked[i]; dup {
			continue
		}
		picked[i] = struct{}{}
		out = append(out, i)
	}
	return out
}

// normalization returns the similarity that moves pts to their centroid and
// scales the mean distance to sqrt(2).
func normalization(pts []r2.Point) Mat3 {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n
	d := 0.0
	for _, p := range pts {
		d += r2.Point{X: p.X - cx, Y: p.Y - cy}.Norm()
	}
	d /= n
	s := 1.0
	if d > 1e-12 {
		s = 1.4142135623730951 / d
	}
	return Mat3{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}
}

func applyH(H Mat3, p r2.Point) (r2.Point, bool) {
	v := H.MulVec(r3.Vector{X: p.X, Y: p.Y, Z: 1})
	if v.Z == 0 {
		return r2.Point{}, false
	}
	return r2.Point{X: v.X / v.Z, Y: v.Y / v.Z}, true
}
