package geometry

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Similarity maps x to S·R·x + T.
type Similarity struct {
	R Mat3
	T r3.Vector
	S float64
}

// Apply transforms a point.
func (s Similarity) Apply(x r3.Vector) r3.Vector {
	return s.R.MulVec(x).Mul(s.S).Add(s.T)
}

// ApplyCamera moves a camera with the scene so its projections are
// unchanged.
func (s Similarity) ApplyCamera(c Camera) Camera {
	out := c
	out.R = c.R.Mul(s.R.T())
	out.C = s.Apply(c.C)
	return out
}

// AlignPoints returns the similarity that best maps src onto dst in the
// least-squares sense (closed-form absolute orientation). Scale is fixed at
// one unless withScale is set.
func AlignPoints(src, dst []r3.Vector, withScale bool) (Similarity, error) {
	if len(src) != len(dst) {
		return Similarity{}, errors.Errorf("align: %d source points, %d targets", len(src), len(dst))
	}
	if len(src) < 3 {
		return Similarity{}, errors.Wrapf(ErrTooFewPoints, "align with %d points", len(src))
	}
	n := float64(len(src))
	var ms, md r3.Vector
	for i := range src {
		ms = ms.Add(src[i])
		md = md.Add(dst[i])
	}
	ms, md = ms.Mul(1/n), md.Mul(1/n)

	var cov Mat3
	varSrc := 0.0
	for i := range src {
		a := src[i].Sub(ms)
		b := dst[i].Sub(md)
		varSrc += a.Norm2()
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				cov[3*r+c] += bv[r] * av[c]
			}
		}
	}
	cov = cov.Scale(1 / n)
	varSrc /= n
	if varSrc < 1e-18 {
		return Similarity{}, ErrDegenerate
	}

	var svd mat.SVD
	if !svd.Factorize(cov.Dense(), mat.SVDFull) {
		return Similarity{}, errors.Wrap(ErrDegenerate, "align svd failed")
	}
	var ud, vd mat.Dense
	svd.UTo(&ud)
	svd.VTo(&vd)
	U, V := Mat3FromDense(&ud), Mat3FromDense(&vd)
	d := svd.Values(nil)
	S := Identity()
	if U.Mul(V.T()).Det() < 0 {
		S[8] = -1
	}
	R := U.Mul(S).Mul(V.T())
	scale := 1.0
	if withScale {
		scale = (d[0] + d[1] + S[8]*d[2]) / varSrc
	}
	T := md.Sub(R.MulVec(ms).Mul(scale))
	return Similarity{R: R, T: T, S: scale}, nil
}
