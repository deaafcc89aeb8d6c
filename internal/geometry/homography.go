package geometry

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// HomographyEstimator robustly fits x2 ~ H·x1 and returns the inlier
// indices.
type HomographyEstimator interface {
	EstimateHomography(corrs []Correspondence, opts RANSACOptions) (Mat3, []int, error)
}

// DLTHomography is the pure-Go estimator: a normalised four-point DLT
// inside RANSAC.
type DLTHomography struct{}

func (DLTHomography) EstimateHomography(corrs []Correspondence, opts RANSACOptions) (Mat3, []int, error) {
	if len(corrs) < 4 {
		return Mat3{}, nil, errors.Wrapf(ErrTooFewPoints, "homography needs 4, have %d", len(corrs))
	}
	rng := opts.rng()
	rounds := opts.Rounds
	if rounds <= 0 {
		rounds = 256
	}
	var best []int
	subset := make([]Correspondence, 4)
	for round := 0; round < rounds; round++ {
		for k, idx := range sample(rng, len(corrs), 4) {
			subset[k] = corrs[idx]
		}
		H, err := homographyDLT(subset)
		if err != nil {
			continue
		}
		if inliers := homographyInliers(H, corrs, opts.Threshold); len(inliers) > len(best) {
			best = inliers
		}
	}
	if len(best) < 4 || len(best) < opts.MinInliers {
		return Mat3{}, best, errors.Wrapf(ErrRANSACFailed, "homography: %d inliers", len(best))
	}
	refit := make([]Correspondence, len(best))
	for k, idx := range best {
		refit[k] = corrs[idx]
	}
	H, err := homographyDLT(refit)
	if err != nil {
		return Mat3{}, best, err
	}
	return H, homographyInliers(H, corrs, opts.Threshold), nil
}

// TransferError returns |H·p1 − p2|.
func TransferError(H Mat3, c Correspondence) float64 {
	q, ok := applyH(H, c.P1)
	if !ok {
		return 1e300
	}
	return q.Sub(c.P2).Norm()
}

func homographyInliers(H Mat3, corrs []Correspondence, threshold float64) []int {
	var inliers []int
	for i, c := range corrs {
		if TransferError(H, c) < threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

func homographyDLT(corrs []Correspondence) (Mat3, error) {
	p1 := make([]r2.Point, len(corrs))
	p2 := make([]r2.Point, len(corrs))
	for i, c := range corrs {
		p1[i], p2[i] = c.P1, c.P2
	}
	T1, T2 := normalization(p1), normalization(p2)
	T2inv, ok := T2.Inverse()
	if !ok {
		return Mat3{}, ErrDegenerate
	}

	rows := 2 * len(corrs)
	if rows < 9 {
		rows = 9
	}
	A := mat.NewDense(rows, 9, nil)
	for i := range corrs {
		a, _ := applyH(T1, p1[i])
		b, _ := applyH(T2, p2[i])
		A.SetRow(2*i, []float64{0, 0, 0, -a.X, -a.Y, -1, b.Y * a.X, b.Y * a.Y, b.Y})
		A.SetRow(2*i+1, []float64{a.X, a.Y, 1, 0, 0, 0, -b.X * a.X, -b.X * a.Y, -b.X})
	}
	h, err := nullVector(A, 9)
	if err != nil {
		return Mat3{}, err
	}
	var Hn Mat3
	copy(Hn[:], h)
	H := T2inv.Mul(Hn).Mul(T1)
	if H[8] != 0 {
		H = H.Scale(1 / H[8])
	}
	if !H.IsFinite() {
		return Mat3{}, ErrDegenerate
	}
	return H, nil
}
