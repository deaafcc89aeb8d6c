package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// View is one observation of a 3D point: the camera that saw it and the image
// coordinates it was seen at.
type View struct {
	Camera Camera
	Point  r2.Point
}

// Triangulate returns the linear least-squares intersection of the viewing
// rays. Each view contributes the two rows of n × (R·X + t) = 0.
func Triangulate(views []View) (r3.Vector, error) {
	if len(views) < 2 {
		return r3.Vector{}, errors.Wrapf(ErrTooFewPoints, "triangulate with %d views", len(views))
	}
	A := mat.NewDense(2*len(views), 3, nil)
	b := mat.NewVecDense(2*len(views), nil)
	for i, v := range views {
		n := v.Camera.Normalized(v.Point)
		R := v.Camera.R
		t := v.Camera.Translation()
		// p = λ(n.X, n.Y, −1), so p.X + n.X·p.Z = 0 and p.Y + n.Y·p.Z = 0.
		for k, a := range []float64{n.X, n.Y} {
			row := 2*i + k
			A.Set(row, 0, R.At(k, 0)+a*R.At(2, 0))
			A.Set(row, 1, R.At(k, 1)+a*R.At(2, 1))
			A.Set(row, 2, R.At(k, 2)+a*R.At(2, 2))
			tk := t.X
			if k == 1 {
				tk = t.Y
			}
			b.SetVec(row, -(tk + a*t.Z))
		}
	}

	var qr mat.QR
	qr.Factorize(A)
	if qr.Cond() > 1e12 {
		return r3.Vector{}, errors.Wrap(ErrDegenerate, "triangulate")
	}
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		return r3.Vector{}, errors.Wrap(ErrDegenerate, err.Error())
	}
	return r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}, nil
}

// RefinePoint runs a few Gauss-Newton iterations on X to minimise the
// reprojection error over views.
func RefinePoint(X r3.Vector, views []View, iterations int) r3.Vector {
	const h = 1e-6
	for it := 0; it < iterations; it++ {
		var JtJ Mat3
		var Jtr r3.Vector
		for _, v := range views {
			p0, ok := v.Camera.Project(X)
			if !ok {
				return X
			}
			r := v.Point.Sub(p0)
			var J [2][3]float64
			for k := 0; k < 3; k++ {
				d := X
				switch k {
				case 0:
					d.X += h
				case 1:
					d.Y += h
				default:
					d.Z += h
				}
				p1, ok := v.Camera.Project(d)
				if !ok {
					return X
				}
				J[0][k] = (p1.X - p0.X) / h
				J[1][k] = (p1.Y - p0.Y) / h
			}
			for a := 0; a < 3; a++ {
				for c := 0; c < 3; c++ {
					JtJ[3*a+c] += J[0][a]*J[0][c] + J[1][a]*J[1][c]
				}
			}
			Jtr.X += J[0][0]*r.X + J[1][0]*r.Y
			Jtr.Y += J[0][1]*r.X + J[1][1]*r.Y
			Jtr.Z += J[0][2]*r.X + J[1][2]*r.Y
		}
		inv, ok := JtJ.Inverse()
		if !ok {
			return X
		}
		step := inv.MulVec(Jtr)
		X = X.Add(step)
		if step.Norm() < 1e-12 {
			break
		}
	}
	return X
}

// MaxRayAngle returns the largest angle, in degrees, between the rays from
// any two view centres to X.
func MaxRayAngle(X r3.Vector, views []View) float64 {
	best := 0.0
	for i := 0; i < len(views); i++ {
		ri := X.Sub(views[i].Camera.C).Normalize()
		for j := i + 1; j < len(views); j++ {
			rj := X.Sub(views[j].Camera.C).Normalize()
			c := math.Max(-1, math.Min(1, ri.Dot(rj)))
			if a := Deg(math.Acos(c)); a > best {
				best = a
			}
		}
	}
	return best
}

// MeanReprojectionError returns the mean image error of X over views, or
// +Inf when X is behind any of them.
func MeanReprojectionError(X r3.Vector, views []View) float64 {
	if len(views) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range views {
		sum += v.Camera.ReprojectionError(X, v.Point)
	}
	return sum / float64(len(views))
}

// TriangulateChecked triangulates and refines X, then enforces chirality in
// every view, a minimum ray angle (degrees) and a maximum mean reprojection
// error. It returns the point and its mean error.
func TriangulateChecked(views []View, minAngle, maxError float64) (r3.Vector, float64, error) {
	X, err := Triangulate(views)
	if err != nil {
		return r3.Vector{}, 0, err
	}
	X = RefinePoint(X, views, 5)
	for _, v := range views {
		if v.Camera.Depth(X) <= 0 {
			return X, 0, ErrBehindCamera
		}
	}
	if MaxRayAngle(X, views) < minAngle {
		return X, 0, ErrRayAngle
	}
	e := MeanReprojectionError(X, views)
	if math.IsNaN(e) || e > maxError {
		return X, e, ErrReprojection
	}
	return X, e, nil
}
