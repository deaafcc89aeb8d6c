package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const pnpSample = 6

// EstimatePose recovers a camera from 2D-3D correspondences with a
// six-point DLT inside RANSAC, then refines it on the inliers. The focal
// length seeds the normalisation and is kept unless adjustFocal is set.
func EstimatePose(corrs []PointCorrespondence, focal float64, adjustFocal bool, opts RANSACOptions) (Camera, []int, error) {
	if len(corrs) < pnpSample {
		return Camera{}, nil, errors.Wrapf(ErrTooFewPoints, "pose needs %d, have %d", pnpSample, len(corrs))
	}
	rng := opts.rng()
	rounds := opts.Rounds
	if rounds <= 0 {
		rounds = 4096
	}
	var (
		best    []int
		bestCam Camera
	)
	subset := make([]PointCorrespondence, pnpSample)
	for round := 0; round < rounds; round++ {
		for k, idx := range sample(rng, len(corrs), pnpSample) {
			subset[k] = corrs[idx]
		}
		cam, err := poseDLT(subset, focal)
		if err != nil {
			continue
		}
		if inliers := poseInliers(cam, corrs, opts.Threshold); len(inliers) > len(best) {
			best, bestCam = inliers, cam
		}
	}
	minInliers := opts.MinInliers
	if minInliers < pnpSample {
		minInliers = pnpSample
	}
	if len(best) < minInliers {
		return Camera{}, best, errors.Wrapf(ErrRANSACFailed, "pose: %d inliers", len(best))
	}

	refit := make([]PointCorrespondence, len(best))
	for k, idx := range best {
		refit[k] = corrs[idx]
	}
	cam := bestCam
	if c, err := poseDLT(refit, focal); err == nil && len(poseInliers(c, corrs, opts.Threshold)) >= len(best) {
		cam = c
	}
	cam = RefinePose(cam, refit, adjustFocal, 10)
	inliers := poseInliers(cam, corrs, opts.Threshold)
	if len(inliers) < minInliers {
		return Camera{}, inliers, errors.Wrapf(ErrRANSACFailed, "pose refit: %d inliers", len(inliers))
	}
	return cam, inliers, nil
}

func poseInliers(cam Camera, corrs []PointCorrespondence, threshold float64) []int {
	var inliers []int
	for i, c := range corrs {
		if cam.ReprojectionError(c.X, c.P) < threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// poseDLT solves for P = [M | p] from rays (x/f, y/f, −1) and decomposes it
// into a rotation and a translation.
func poseDLT(corrs []PointCorrespondence, focal float64) (Camera, error) {
	n := float64(len(corrs))
	var centroid r3.Vector
	for _, c := range corrs {
		centroid = centroid.Add(c.X)
	}
	centroid = centroid.Mul(1 / n)
	spread := 0.0
	for _, c := range corrs {
		spread += c.X.Sub(centroid).Norm()
	}
	spread /= n
	if spread < 1e-12 {
		return Camera{}, ErrDegenerate
	}
	s := math.Sqrt(3) / spread

	rows := 2 * len(corrs)
	if rows < 12 {
		rows = 12
	}
	A := mat.NewDense(rows, 12, nil)
	for i, c := range corrs {
		X := c.X.Sub(centroid).Mul(s)
		h := [4]float64{X.X, X.Y, X.Z, 1}
		nx, ny := c.P.X/focal, c.P.Y/focal
		for k, a := range []float64{nx, ny} {
			row := make([]float64, 12)
			for j := 0; j < 4; j++ {
				row[4*k+j] = h[j]
				row[8+j] = a * h[j]
			}
			A.SetRow(2*i+k, row)
		}
	}
	p, err := nullVector(A, 12)
	if err != nil {
		return Camera{}, err
	}

	// Undo the normalisation: P = Pn·[sI −s·c; 0 1].
	var M Mat3
	var t r3.Vector
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			M[3*r+c] = p[4*r+c] * s
		}
	}
	for r := 0; r < 3; r++ {
		row := r3.Vector{X: p[4*r], Y: p[4*r+1], Z: p[4*r+2]}
		v := -s*row.Dot(centroid) + p[4*r+3]
		switch r {
		case 0:
			t.X = v
		case 1:
			t.Y = v
		default:
			t.Z = v
		}
	}
	if M.Det() < 0 {
		M = M.Scale(-1)
		t = t.Mul(-1)
	}
	var svd mat.SVD
	if !svd.Factorize(M.Dense(), mat.SVDNone) {
		return Camera{}, ErrDegenerate
	}
	sv := svd.Values(nil)
	scale := (sv[0] + sv[1] + sv[2]) / 3
	if scale < 1e-12 {
		return Camera{}, ErrDegenerate
	}
	cam := CameraFromTranslation(NearestRotation(M), t.Mul(1/scale), focal, 0, 0)

	front := 0
	for _, c := range corrs {
		if cam.Depth(c.X) > 0 {
			front++
		}
	}
	if 2*front < len(corrs) {
		return Camera{}, ErrBehindCamera
	}
	return cam, nil
}

// RefinePose runs damped Gauss-Newton on the camera rotation and centre, and
// optionally its focal length, minimising reprojection error over corrs.
func RefinePose(cam Camera, corrs []PointCorrespondence, adjustFocal bool, iterations int) Camera {
	nParams := 6
	if adjustFocal {
		nParams = 7
	}
	apply := func(base Camera, d []float64) Camera {
		out := base
		out.R = base.R.Mul(Rodrigues(r3.Vector{X: d[0], Y: d[1], Z: d[2]}).T())
		out.C = base.C.Add(r3.Vector{X: d[3], Y: d[4], Z: d[5]})
		if adjustFocal {
			out.Focal = base.Focal + d[6]
		}
		return out
	}
	cost := func(c Camera) float64 {
		sum := 0.0
		for _, pc := range corrs {
			e := c.ReprojectionError(pc.X, pc.P)
			sum += e * e
		}
		return sum
	}

	lambda := 1e-3
	current := cost(cam)
	zero := make([]float64, nParams)
	for it := 0; it < iterations; it++ {
		JtJ := mat.NewSymDense(nParams, nil)
		Jtr := mat.NewVecDense(nParams, nil)
		for _, pc := range corrs {
			p0, ok := cam.Project(pc.X)
			if !ok {
				continue
			}
			res := pc.P.Sub(p0)
			J := make([][2]float64, nParams)
			for k := 0; k < nParams; k++ {
				d := append([]float64(nil), zero...)
				h := 1e-6
				if k == 6 {
					h = 1e-3
				}
				d[k] = h
				p1, ok := apply(cam, d).Project(pc.X)
				if !ok {
					continue
				}
				J[k] = [2]float64{(p1.X - p0.X) / h, (p1.Y - p0.Y) / h}
			}
			for a := 0; a < nParams; a++ {
				Jtr.SetVec(a, Jtr.AtVec(a)+J[a][0]*res.X+J[a][1]*res.Y)
				for b := a; b < nParams; b++ {
					JtJ.SetSym(a, b, JtJ.At(a, b)+J[a][0]*J[b][0]+J[a][1]*J[b][1])
				}
			}
		}
		improved := false
		for attempt := 0; attempt < 5 && !improved; attempt++ {
			damped := mat.NewSymDense(nParams, nil)
			damped.CopySym(JtJ)
			for a := 0; a < nParams; a++ {
				damped.SetSym(a, a, JtJ.At(a, a)*(1+lambda)+1e-12)
			}
			var chol mat.Cholesky
			if !chol.Factorize(damped) {
				lambda *= 10
				continue
			}
			var step mat.VecDense
			if err := chol.SolveVecTo(&step, Jtr); err != nil {
				lambda *= 10
				continue
			}
			candidate := apply(cam, step.RawVector().Data)
			if c := cost(candidate); c < current {
				cam, current = candidate, c
				lambda = math.Max(lambda/10, 1e-9)
				improved = true
			} else {
				lambda *= 10
			}
		}
		if !improved {
			break
		}
	}
	return cam
}
