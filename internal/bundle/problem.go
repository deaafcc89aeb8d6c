// Package bundle refines cameras and points by minimising reprojection
// error.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"bundler/internal/geometry"
)

// ErrNotConverged is returned when the solver could not lower the cost.
// The problem's cameras and points are left as they were.
var ErrNotConverged = errors.New("bundle adjustment did not converge")

// Observation is point Point seen by camera Camera at image position P.
type Observation struct {
	Camera int
	Point  int
	P      r2.Point
}

// Problem is one adjustment. FixedCameras and FixedPoints may be nil.
type Problem struct {
	Cameras      []geometry.Camera
	Points       []r3.Vector
	Observations []Observation
	FixedCameras []bool
	FixedPoints  []bool

	AdjustFocal      bool
	AdjustDistortion bool
}

// Solution holds refined copies of the problem's cameras and points.
type Solution struct {
	Cameras     []geometry.Camera
	Points      []r3.Vector
	InitialCost float64
	FinalCost   float64
	Iterations  int
}

// RMS returns the root mean square reprojection error of the solution.
func (s Solution) RMS(numObservations int) float64 {
	if numObservations == 0 {
		return 0
	}
	return math.Sqrt(s.FinalCost / float64(numObservations))
}

// Adjuster runs bundle adjustment.
type Adjuster interface {
	Adjust(ctx context.Context, p *Problem) (Solution, error)
}

// New returns the adjuster named by solver: "lm" (the default) or
// "lbfgs".
func New(solver string, maxIterations int) (Adjuster, error) {
	switch solver {
	case "", "lm":
		return &LMAdjuster{MaxIterations: maxIterations}, nil
	case "lbfgs":
		return &LBFGSAdjuster{MaxIterations: maxIterations}, nil
	}
	return nil, fmt.Errorf("unknown bundle solver %q", solver)
}

func (p *Problem) validate() error {
	for k, o := range p.Observations {
		if o.Camera < 0 || o.Camera >= len(p.Cameras) {
			return fmt.Errorf("observation %d: camera %d out of range", k, o.Camera)
		}
		if o.Point < 0 || o.Point >= len(p.Points) {
			return fmt.Errorf("observation %d: point %d out of range", k, o.Point)
		}
	}
	if p.FixedCameras != nil && len(p.FixedCameras) != len(p.Cameras) {
		return fmt.Errorf("fixed camera mask has %d entries for %d cameras", len(p.FixedCameras), len(p.Cameras))
	}
	if p.FixedPoints != nil && len(p.FixedPoints) != len(p.Points) {
		return fmt.Errorf("fixed point mask has %d entries for %d points", len(p.FixedPoints), len(p.Points))
	}
	return nil
}

func (p *Problem) cameraFixed(i int) bool { return p.FixedCameras != nil && p.FixedCameras[i] }
func (p *Problem) pointFixed(i int) bool  { return p.FixedPoints != nil && p.FixedPoints[i] }

// Cost returns the sum of squared reprojection residuals.
func Cost(cams []geometry.Camera, pts []r3.Vector, obs []Observation) float64 {
	sum := 0.0
	for _, o := range obs {
		d := o.P.Sub(cams[o.Camera].ProjectUnchecked(pts[o.Point]))
		sum += d.X*d.X + d.Y*d.Y
	}
	if math.IsNaN(sum) {
		return math.Inf(1)
	}
	return sum
}

// layout describes the per-camera parameter block: incremental rotation
// (3), centre (3), then optionally focal length and k1, k2.
type layout struct {
	focal, distortion bool
}

func (l layout) size() int {
	n := 6
	if l.focal {
		n++
	}
	if l.distortion {
		n += 2
	}
	return n
}

func (l layout) apply(c geometry.Camera, d []float64) geometry.Camera {
	out := c
	out.R = c.R.Mul(geometry.Rodrigues(r3.Vector{X: d[0], Y: d[1], Z: d[2]}).T())
	out.C = c.C.Add(r3.Vector{X: d[3], Y: d[4], Z: d[5]})
	k := 6
	if l.focal {
		out.Focal = c.Focal + d[k]
		k++
	}
	if l.distortion {
		out.K1 = c.K1 + d[k]
		out.K2 = c.K2 + d[k+1]
	}
	return out
}

var jacSettings = &fd.JacobianSettings{Formula: fd.Central}

// observationJacobian returns the residual obs − proj and the 2×(n+3)
// Jacobian of the projection with respect to the camera block and the
// point.
func observationJacobian(l layout, cam geometry.Camera, X r3.Vector, obs r2.Point, jac *mat.Dense) r2.Point {
	n := l.size()
	x := make([]float64, n+3)
	x[n], x[n+1], x[n+2] = X.X, X.Y, X.Z
	f := func(y, x []float64) {
		c := l.apply(cam, x[:n])
		p := c.ProjectUnchecked(r3.Vector{X: x[n], Y: x[n+1], Z: x[n+2]})
		y[0], y[1] = p.X, p.Y
	}
	fd.Jacobian(jac, f, x, jacSettings)
	return obs.Sub(cam.ProjectUnchecked(X))
}

// CameraCovariance returns σ²·(JᵀJ)⁻¹ for the camera centre, where J is
// the Jacobian of the camera's reprojections of pts and σ² the mean
// squared residual.
func CameraCovariance(cam geometry.Camera, pts []r3.Vector, obs []r2.Point) (geometry.Mat3, bool) {
	if len(pts) < 2 || len(pts) != len(obs) {
		return geometry.Mat3{}, false
	}
	l := layout{}
	n := l.size()
	jac := mat.NewDense(2, n+3, nil)
	var JtJ geometry.Mat3
	sum := 0.0
	for k, X := range pts {
		e := observationJacobian(l, cam, X, obs[k], jac)
		sum += e.X*e.X + e.Y*e.Y
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				JtJ[3*a+b] += jac.At(0, 3+a)*jac.At(0, 3+b) + jac.At(1, 3+a)*jac.At(1, 3+b)
			}
		}
	}
	inv, ok := JtJ.Inverse()
	if !ok {
		return geometry.Mat3{}, false
	}
	sigma2 := sum / float64(len(pts))
	return inv.Scale(sigma2), inv.IsFinite()
}

func copyScene(p *Problem) ([]geometry.Camera, []r3.Vector) {
	return append([]geometry.Camera(nil), p.Cameras...), append([]r3.Vector(nil), p.Points...)
}
