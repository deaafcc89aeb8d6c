package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Camera is a calibrated pinhole camera. Points map into the camera frame as
// R·(X − C); the camera looks down its negative z axis and image coordinates
// are centred with y pointing up.
type Camera struct {
	R      Mat3      // world-to-camera rotation
	C      r3.Vector // centre in world coordinates
	Focal  float64
	K1, K2 float64 // radial distortion
}

// NewCamera returns a camera with identity rotation at the origin.
func NewCamera(focal float64) Camera {
	return Camera{R: Identity(), Focal: focal}
}

// CameraFromTranslation builds a camera from the translation t = −R·C used in
// bundle files.
func CameraFromTranslation(R Mat3, t r3.Vector, focal, k1, k2 float64) Camera {
	return Camera{R: R, C: R.T().MulVec(t).Mul(-1), Focal: focal, K1: k1, K2: k2}
}

// Translation returns −R·C.
func (c Camera) Translation() r3.Vector {
	return c.R.MulVec(c.C).Mul(-1)
}

// ToCamera maps a world point into the camera frame.
func (c Camera) ToCamera(X r3.Vector) r3.Vector {
	return c.R.MulVec(X.Sub(c.C))
}

// Depth returns the distance of X along the viewing direction. Positive
// depth means the point is in front of the camera.
func (c Camera) Depth(X r3.Vector) float64 {
	return -c.ToCamera(X).Z
}

// Project maps X to image coordinates. The boolean is false when X is not in
// front of the camera.
func (c Camera) Project(X r3.Vector) (r2.Point, bool) {
	p := c.ToCamera(X)
	if p.Z >= 0 {
		return r2.Point{}, false
	}
	x, y := -p.X/p.Z, -p.Y/p.Z
	factor := 1.0
	if c.K1 != 0 || c.K2 != 0 {
		r2sq := x*x + y*y
		factor = 1 + c.K1*r2sq + c.K2*r2sq*r2sq
	}
	return r2.Point{X: c.Focal * factor * x, Y: c.Focal * factor * y}, true
}

// ProjectUnchecked applies the projection formula without the chirality
// test. Solvers use it so residuals stay smooth near the image plane.
func (c Camera) ProjectUnchecked(X r3.Vector) r2.Point {
	p := c.ToCamera(X)
	z := p.Z
	if math.Abs(z) < 1e-12 {
		z = -1e-12
	}
	x, y := -p.X/z, -p.Y/z
	r2sq := x*x + y*y
	factor := 1 + c.K1*r2sq + c.K2*r2sq*r2sq
	return r2.Point{X: c.Focal * factor * x, Y: c.Focal * factor * y}
}

// ReprojectionError returns the image distance between the projection of X
// and obs, or +Inf when X is behind the camera.
func (c Camera) ReprojectionError(X r3.Vector, obs r2.Point) float64 {
	p, ok := c.Project(X)
	if !ok {
		return math.Inf(1)
	}
	return p.Sub(obs).Norm()
}

// Normalized converts image coordinates into undistorted coordinates on the
// z = −1 plane of the camera frame.
func (c Camera) Normalized(p r2.Point) r2.Point {
	x, y := p.X/c.Focal, p.Y/c.Focal
	if c.K1 == 0 && c.K2 == 0 {
		return r2.Point{X: x, Y: y}
	}
	ux, uy := x, y
	for i := 0; i < 10; i++ {
		r2sq := ux*ux + uy*uy
		f := 1 + c.K1*r2sq + c.K2*r2sq*r2sq
		ux, uy = x/f, y/f
	}
	return r2.Point{X: ux, Y: uy}
}

// Ray returns the unit viewing ray through image point p in world
// coordinates.
func (c Camera) Ray(p r2.Point) r3.Vector {
	n := c.Normalized(p)
	local := r3.Vector{X: n.X, Y: n.Y, Z: -1}
	return c.R.T().MulVec(local).Normalize()
}

// ViewingDirection returns the unit optical axis in world coordinates.
func (c Camera) ViewingDirection() r3.Vector {
	return c.R.Row(2).Mul(-1)
}

// Valid reports whether the camera holds finite values and a positive focal.
func (c Camera) Valid() bool {
	if !c.R.IsFinite() || c.Focal <= 0 || math.IsNaN(c.Focal) {
		return false
	}
	for _, v := range []float64{c.C.X, c.C.Y, c.C.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
