package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Mat3 is a row-major 3x3 matrix. Rotations, covariances and the small
// two-view matrices (F, E, H) all use it.
type Mat3 [9]float64

// Identity returns the 3x3 identity.
func Identity() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns element (r, c).
func (m Mat3) At(r, c int) float64 { return m[3*r+c] }

// Mul returns m·n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[3*r+c] = m[3*r]*n[c] + m[3*r+1]*n[3+c] + m[3*r+2]*n[6+c]
		}
	}
	return out
}

// T returns the transpose.
func (m Mat3) T() Mat3 {
	return Mat3{m[0], m[3], m[6], m[1], m[4], m[7], m[2], m[5], m[8]}
}

// MulVec returns m·v.
func (m Mat3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// Row returns row r as a vector.
func (m Mat3) Row(r int) r3.Vector {
	return r3.Vector{X: m[3*r], Y: m[3*r+1], Z: m[3*r+2]}
}

// Scale multiplies every element by s.
func (m Mat3) Scale(s float64) Mat3 {
	for i := range m {
		m[i] *= s
	}
	return m
}

// Add returns m+n.
func (m Mat3) Add(n Mat3) Mat3 {
	for i := range m {
		m[i] += n[i]
	}
	return m
}

// Det returns the determinant.
func (m Mat3) Det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// Trace returns the sum of the diagonal.
func (m Mat3) Trace() float64 { return m[0] + m[4] + m[8] }

// Inverse returns the inverse of m, or false when m is singular.
func (m Mat3) Inverse() (Mat3, bool) {
	det := m.Det()
	if math.Abs(det) < 1e-300 {
		return Mat3{}, false
	}
	inv := Mat3{
		m[4]*m[8] - m[5]*m[7], m[2]*m[7] - m[1]*m[8], m[1]*m[5] - m[2]*m[4],
		m[5]*m[6] - m[3]*m[8], m[0]*m[8] - m[2]*m[6], m[2]*m[3] - m[0]*m[5],
		m[3]*m[7] - m[4]*m[6], m[1]*m[6] - m[0]*m[7], m[0]*m[4] - m[1]*m[3],
	}
	return inv.Scale(1 / det), true
}

// IsFinite reports whether no element is NaN or infinite.
func (m Mat3) IsFinite() bool {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Dense copies m into a gonum matrix.
func (m Mat3) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, m[:])
	return mat.NewDense(3, 3, data)
}

// Mat3FromDense copies a 3x3 gonum matrix.
func Mat3FromDense(d mat.Matrix) Mat3 {
	var m Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[3*r+c] = d.At(r, c)
		}
	}
	return m
}

// Skew returns the cross-product matrix [v]x.
func Skew(v r3.Vector) Mat3 {
	return Mat3{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	}
}

// Rodrigues converts an axis-angle vector into a rotation matrix.
func Rodrigues(w r3.Vector) Mat3 {
	theta := w.Norm()
	if theta < 1e-12 {
		return Identity().Add(Skew(w))
	}
	k := w.Mul(1 / theta)
	K := Skew(k)
	s, c := math.Sin(theta), math.Cos(theta)
	return Identity().Add(K.Scale(s)).Add(K.Mul(K).Scale(1 - c))
}

// AxisAngle converts a rotation matrix into an axis-angle vector.
func AxisAngle(R Mat3) r3.Vector {
	c := (R.Trace() - 1) / 2
	c = math.Max(-1, math.Min(1, c))
	theta := math.Acos(c)
	if theta < 1e-12 {
		return r3.Vector{}
	}
	v := r3.Vector{X: R[7] - R[5], Y: R[2] - R[6], Z: R[3] - R[1]}
	s := math.Sin(theta)
	if s < 1e-6 {
		// theta close to pi: axis from the largest diagonal of (R+I)/2
		d := [3]float64{(R[0] + 1) / 2, (R[4] + 1) / 2, (R[8] + 1) / 2}
		axis := r3.Vector{X: math.Sqrt(math.Max(d[0], 0)), Y: math.Sqrt(math.Max(d[1], 0)), Z: math.Sqrt(math.Max(d[2], 0))}
		if R[1]+R[3] < 0 {
			axis.Y = -axis.Y
		}
		if R[2]+R[6] < 0 {
			axis.Z = -axis.Z
		}
		return axis.Normalize().Mul(theta)
	}
	return v.Mul(theta / (2 * s))
}

// RotationAngle returns the angle of R in radians.
func RotationAngle(R Mat3) float64 {
	c := (R.Trace() - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// NearestRotation projects m onto SO(3) using its SVD.
func NearestRotation(m Mat3) Mat3 {
	var svd mat.SVD
	if !svd.Factorize(m.Dense(), mat.SVDFull) {
		return Identity()
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	R := Mat3FromDense(&r)
	if R.Det() < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
		R = Mat3FromDense(&r)
	}
	return R
}

// GetTwist returns the in-plane rotation component of R in radians.
func GetTwist(R Mat3) float64 {
	c := (R[0]*R[8] - R[6]*R[2]) / math.Sqrt(1-R[5]*R[5])
	const limit = 1.0 - 1.0e-8
	if c > limit {
		c = limit
	} else if c < -limit {
		c = -limit
	}
	angle := math.Acos(c)
	if R[3] < 0 {
		angle = -angle
	}
	return angle
}

// Deg converts radians to degrees.
func Deg(rad float64) float64 { return rad * 180 / math.Pi }

// Rad converts degrees to radians.
func Rad(deg float64) float64 { return deg * math.Pi / 180 }
