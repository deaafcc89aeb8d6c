package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// EstimateFundamental finds F with x2ᵀ·F·x1 = 0 using the normalised
// eight-point algorithm inside RANSAC. It returns F refitted on all inliers
// and the inlier indices.
func EstimateFundamental(corrs []Correspondence, opts RANSACOptions) (Mat3, []int, error) {
	if len(corrs) < 8 {
		return Mat3{}, nil, errors.Wrapf(ErrTooFewPoints, "fundamental matrix needs 8, have %d", len(corrs))
	}
	rng := opts.rng()
	rounds := opts.Rounds
	if rounds <= 0 {
		rounds = 2048
	}

	var best []int
	subset := make([]Correspondence, 8)
	for round := 0; round < rounds; round++ {
		for k, idx := range sample(rng, len(corrs), 8) {
			subset[k] = corrs[idx]
		}
		F, err := eightPoint(subset)
		if err != nil {
			continue
		}
		inliers := fundamentalInliers(F, corrs, opts.Threshold)
		if len(inliers) > len(best) {
			best = inliers
		}
	}
	minInliers := opts.MinInliers
	if minInliers < 8 {
		minInliers = 8
	}
	if len(best) < minInliers {
		return Mat3{}, nil, errors.Wrapf(ErrRANSACFailed, "fundamental matrix: %d inliers", len(best))
	}

	refit := make([]Correspondence, len(best))
	for k, idx := range best {
		refit[k] = corrs[idx]
	}
	F, err := eightPoint(refit)
	if err != nil {
		return Mat3{}, nil, err
	}
	inliers := fundamentalInliers(F, corrs, opts.Threshold)
	if len(inliers) < minInliers {
		return Mat3{}, nil, errors.Wrapf(ErrRANSACFailed, "fundamental matrix refit: %d inliers", len(inliers))
	}
	return F, inliers, nil
}

func fundamentalInliers(F Mat3, corrs []Correspondence, threshold float64) []int {
	var inliers []int
	for i, c := range corrs {
		if EpipolarDistance(F, c) < threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// EpipolarDistance returns the larger of the two point-to-epipolar-line
// distances for c under F.
func EpipolarDistance(F Mat3, c Correspondence) float64 {
	x1 := r3.Vector{X: c.P1.X, Y: c.P1.Y, Z: 1}
	x2 := r3.Vector{X: c.P2.X, Y: c.P2.Y, Z: 1}
	l2 := F.MulVec(x1)
	l1 := F.T().MulVec(x2)
	num := math.Abs(x2.Dot(l2))
	d2 := num / math.Hypot(l2.X, l2.Y)
	d1 := num / math.Hypot(l1.X, l1.Y)
	return math.Max(d1, d2)
}

// eightPoint fits F to at least eight correspondences and enforces rank two.
func eightPoint(corrs []Correspondence) (Mat3, error) {
	p1 := make([]r2.Point, len(corrs))
	p2 := make([]r2.Point, len(corrs))
	for i, c := range corrs {
		p1[i], p2[i] = c.P1, c.P2
	}
	T1, T2 := normalization(p1), normalization(p2)

	A := mat.NewDense(len(corrs), 9, nil)
	for i := range corrs {
		a, _ := applyH(T1, p1[i])
		b, _ := applyH(T2, p2[i])
		A.SetRow(i, []float64{
			b.X * a.X, b.X * a.Y, b.X,
			b.Y * a.X, b.Y * a.Y, b.Y,
			a.X, a.Y, 1,
		})
	}
	f, err := nullVector(A, 9)
	if err != nil {
		return Mat3{}, err
	}
	var F Mat3
	copy(F[:], f)
	F, err = enforceRank2(F, false)
	if err != nil {
		return Mat3{}, err
	}
	F = T2.T().Mul(F).Mul(T1)
	if n := frobenius(F); n > 0 {
		F = F.Scale(1 / n)
	}
	return F, nil
}

// nullVector returns the right singular vector of A with the smallest
// singular value.
func nullVector(A *mat.Dense, cols int) ([]float64, error) {
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFull) {
		return nil, errors.Wrap(ErrDegenerate, "svd failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	out := make([]float64, cols)
	for i := 0; i < cols; i++ {
		out[i] = v.At(i, cols-1)
	}
	return out, nil
}

// enforceRank2 zeroes the smallest singular value. When essential is set the
// two remaining singular values are also made equal.
func enforceRank2(M Mat3, essential bool) (Mat3, error) {
	var svd mat.SVD
	if !svd.Factorize(M.Dense(), mat.SVDFull) {
		return Mat3{}, errors.Wrap(ErrDegenerate, "svd failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)
	d := mat.NewDiagDense(3, []float64{s[0], s[1], 0})
	if essential {
		m := (s[0] + s[1]) / 2
		d = mat.NewDiagDense(3, []float64{m, m, 0})
	}
	var tmp, out mat.Dense
	tmp.Mul(&u, d)
	out.Mul(&tmp, v.T())
	return Mat3FromDense(&out), nil
}

func frobenius(m Mat3) float64 {
	s := 0.0
	for _, v := range m {
		s += v * v
	}
	return math.Sqrt(s)
}

// flipZ converts between homogeneous pixel rays (z = 1) and camera rays
// looking down −z.
var flipZ = Mat3{1, 0, 0, 0, 1, 0, 0, 0, -1}

// EssentialFromFundamental returns E for rays (x/f, y/f, −1) given the
// focal lengths of both views.
func EssentialFromFundamental(F Mat3, f1, f2 float64) (Mat3, error) {
	K1 := Mat3{f1, 0, 0, 0, f1, 0, 0, 0, 1}
	K2 := Mat3{f2, 0, 0, 0, f2, 0, 0, 0, 1}
	E := flipZ.Mul(K2.T()).Mul(F).Mul(K1).Mul(flipZ)
	return enforceRank2(E, true)
}

// PoseCandidates returns the four (R, t) factorizations of E.
func PoseCandidates(E Mat3) ([4]Mat3, [4]r3.Vector, error) {
	var svd mat.SVD
	if !svd.Factorize(E.Dense(), mat.SVDFull) {
		return [4]Mat3{}, [4]r3.Vector{}, errors.Wrap(ErrDegenerate, "essential svd failed")
	}
	var ud, vd mat.Dense
	svd.UTo(&ud)
	svd.VTo(&vd)
	U, V := Mat3FromDense(&ud), Mat3FromDense(&vd)
	if U.Det() < 0 {
		U = U.Mul(Mat3{1, 0, 0, 0, 1, 0, 0, 0, -1})
	}
	if V.Det() < 0 {
		V = V.Mul(Mat3{1, 0, 0, 0, 1, 0, 0, 0, -1})
	}
	W := Mat3{0, -1, 0, 1, 0, 0, 0, 0, 1}
	Ra := U.Mul(W).Mul(V.T())
	Rb := U.Mul(W.T()).Mul(V.T())
	u3 := r3.Vector{X: U.At(0, 2), Y: U.At(1, 2), Z: U.At(2, 2)}
	return [4]Mat3{Ra, Ra, Rb, Rb}, [4]r3.Vector{u3, u3.Mul(-1), u3, u3.Mul(-1)}, nil
}

// RelativePose picks the factorization of E that places the most
// correspondences in front of both cameras. The first camera sits at the
// origin with identity rotation; the returned camera is the second, with a
// unit baseline.
func RelativePose(E Mat3, f1, f2 float64, corrs []Correspondence) (Camera, int, error) {
	Rs, ts, err := PoseCandidates(E)
	if err != nil {
		return Camera{}, 0, err
	}
	first := NewCamera(f1)
	bestCount := -1
	var best Camera
	for k := 0; k < 4; k++ {
		second := CameraFromTranslation(Rs[k], ts[k], f2, 0, 0)
		count := 0
		for _, c := range corrs {
			X, err := Triangulate([]View{{first, c.P1}, {second, c.P2}})
			if err != nil {
				continue
			}
			if first.Depth(X) > 0 && second.Depth(X) > 0 {
				count++
			}
		}
		if count > bestCount {
			bestCount, best = count, second
		}
	}
	if bestCount <= 0 {
		return Camera{}, 0, errors.Wrap(ErrDegenerate, "no pose places points in front of both cameras")
	}
	return best, bestCount, nil
}
