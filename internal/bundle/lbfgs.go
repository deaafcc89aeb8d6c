package bundle

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"bundler/internal/geometry"
)

// LBFGSAdjuster minimises the reprojection cost with gonum's L-BFGS. It
// needs more iterations than LMAdjuster but no linear solves.
type LBFGSAdjuster struct {
	MaxIterations     int
	GradientThreshold float64
}

func (a *LBFGSAdjuster) Adjust(_ context.Context, p *Problem) (Solution, error) {
	if err := p.validate(); err != nil {
		return Solution{}, err
	}
	cams0, pts0 := copyScene(p)
	initial := Cost(cams0, pts0, p.Observations)
	if initial < 1e-18 {
		return Solution{Cameras: cams0, Points: pts0, InitialCost: initial, FinalCost: initial}, nil
	}

	l := layout{focal: p.AdjustFocal, distortion: p.AdjustDistortion}
	nc := l.size()
	camOffset := make([]int, len(cams0))
	ptOffset := make([]int, len(pts0))
	n := 0
	for i := range cams0 {
		camOffset[i] = -1
		if !p.cameraFixed(i) {
			camOffset[i] = n
			n += nc
		}
	}
	for i := range pts0 {
		ptOffset[i] = -1
		if !p.pointFixed(i) {
			ptOffset[i] = n
			n += 3
		}
	}
	if n == 0 {
		return Solution{}, ErrNotConverged
	}

	unpack := func(x []float64) ([]geometry.Camera, []r3.Vector) {
		cams := make([]geometry.Camera, len(cams0))
		for i, c := range cams0 {
			if off := camOffset[i]; off >= 0 {
				cams[i] = l.apply(c, x[off:off+nc])
			} else {
				cams[i] = c
			}
		}
		pts := make([]r3.Vector, len(pts0))
		for i, X := range pts0 {
			if off := ptOffset[i]; off >= 0 {
				pts[i] = r3.Vector{X: x[off], Y: x[off+1], Z: x[off+2]}
			} else {
				pts[i] = X
			}
		}
		return cams, pts
	}

	x0 := make([]float64, n)
	for i, X := range pts0 {
		if off := ptOffset[i]; off >= 0 {
			x0[off], x0[off+1], x0[off+2] = X.X, X.Y, X.Z
		}
	}

	jac := mat.NewDense(2, nc+3, nil)
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			cams, pts := unpack(x)
			return Cost(cams, pts, p.Observations)
		},
		Grad: func(grad, x []float64) {
			for k := range grad {
				grad[k] = 0
			}
			cams, pts := unpack(x)
			// Camera blocks are linearised around the unpacked camera, so the
			// block gradient is taken at a zero increment.
			for _, o := range p.Observations {
				co, po := camOffset[o.Camera], ptOffset[o.Point]
				if co < 0 && po < 0 {
					continue
				}
				e := observationJacobian(l, cams[o.Camera], pts[o.Point], o.P, jac)
				if co >= 0 {
					for r := 0; r < nc; r++ {
						grad[co+r] -= 2 * (jac.At(0, r)*e.X + jac.At(1, r)*e.Y)
					}
				}
				if po >= 0 {
					for r := 0; r < 3; r++ {
						grad[po+r] -= 2 * (jac.At(0, nc+r)*e.X + jac.At(1, nc+r)*e.Y)
					}
				}
			}
		},
	}

	maxIter := a.MaxIterations
	if maxIter <= 0 {
		maxIter = 200
	}
	settings := &optimize.Settings{
		MajorIterations:   maxIter,
		GradientThreshold: a.GradientThreshold,
	}
	if settings.GradientThreshold <= 0 {
		settings.GradientThreshold = 1e-8
	}
	res, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if res == nil {
		if err != nil {
			return Solution{}, err
		}
		return Solution{}, ErrNotConverged
	}
	if math.IsNaN(res.F) || !(res.F < initial) {
		return Solution{}, ErrNotConverged
	}
	cams, pts := unpack(res.X)
	return Solution{
		Cameras:     cams,
		Points:      pts,
		InitialCost: initial,
		FinalCost:   res.F,
		Iterations:  res.Stats.MajorIterations,
	}, nil
}
