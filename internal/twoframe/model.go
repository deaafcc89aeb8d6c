// Package twoframe holds the relative reconstruction of one image pair and
// the estimator that produces it.
package twoframe

import (
	"math"

	"github.com/golang/geo/r3"

	"bundler/internal/geometry"
)

// MinModelPoints is the smallest point count a stored model may carry.
const MinModelPoints = 28

// Which names one side of a model. Side A belongs to the smaller image
// index of the pair.
type Which int

const (
	A Which = iota
	B
)

// Other returns the opposite side.
func (w Which) Other() Which { return 1 - w }

func (w Which) String() string {
	if w == A {
		return "A"
	}
	return "B"
}

// Side is the per-camera half of a model. Previous, Predecessor, Flag,
// OnPath and Computed are scratch state for shortest-path searches over
// the model graph.
type Side struct {
	Camera geometry.Camera
	Cov    geometry.Mat3 // covariance of the camera position
	Scale  float64

	Previous    int
	Predecessor int
	Flag        int
	OnPath      bool
	Computed    bool
}

// Model is the two-view reconstruction of a pair. Exactly one of Tracks or
// Keys1/Keys2 is set.
type Model struct {
	Points []r3.Vector
	Tracks []int
	Keys1  []int
	Keys2  []int

	A, B Side

	Angle float64 // relative rotation, degrees
	Error float64 // mean reprojection error, pixels
}

// NewModel returns an empty model with cleared search state.
func NewModel() *Model {
	m := &Model{}
	m.A.Previous, m.A.Predecessor = -1, -1
	m.B.Previous, m.B.Predecessor = -1, -1
	return m
}

func (m *Model) NumPoints() int { return len(m.Points) }

// TrackMode reports whether points are identified by track id rather than
// by keypoint index.
func (m *Model) TrackMode() bool { return m.Tracks != nil }

// Side returns a pointer to side w.
func (m *Model) Side(w Which) *Side {
	if w == A {
		return &m.A
	}
	return &m.B
}

// ComputeTrace returns the trace of the position covariance of side w. A
// negative trace marks a reflected solution.
func (m *Model) ComputeTrace(w Which) float64 {
	return m.Side(w).Cov.Trace()
}

// AverageDistanceToPoints returns the mean distance from both camera
// centres to the model points.
func (m *Model) AverageDistanceToPoints() float64 {
	if len(m.Points) == 0 {
		return 0
	}
	sum := 0.0
	for _, X := range m.Points {
		sum += X.Sub(m.A.Camera.C).Norm() + X.Sub(m.B.Camera.C).Norm()
	}
	return sum / float64(2*len(m.Points))
}

// ComputeTransformedCovariance returns S·C·Sᵀ for the covariance of side w.
func (m *Model) ComputeTransformedCovariance(w Which, S geometry.Mat3) geometry.Mat3 {
	return S.Mul(m.Side(w).Cov).Mul(S.T())
}

// RelativeRotation returns R_A·R_Bᵀ, the rotation taking camera B's frame
// into camera A's.
func (m *Model) RelativeRotation() geometry.Mat3 {
	return m.A.Camera.R.Mul(m.B.Camera.R.T())
}

// Baseline returns the distance between the two camera centres.
func (m *Model) Baseline() float64 {
	return m.B.Camera.C.Sub(m.A.Camera.C).Norm()
}

// Valid reports whether the angle and error are usable numbers and both
// covariances have non-negative trace.
func (m *Model) Valid() bool {
	if math.IsNaN(m.Angle) || math.IsNaN(m.Error) {
		return false
	}
	return m.ComputeTrace(A) >= 0 && m.ComputeTrace(B) >= 0
}

// KeyPair returns the keypoints of point k in images A and B, or −1 in
// track mode.
func (m *Model) KeyPair(k int) (int, int) {
	if m.Keys1 == nil {
		return -1, -1
	}
	return m.Keys1[k], m.Keys2[k]
}

// ResetSearch clears the shortest-path scratch state of both sides.
func (m *Model) ResetSearch() {
	for _, s := range []*Side{&m.A, &m.B} {
		s.Previous, s.Predecessor, s.Flag = -1, -1, 0
		s.OnPath, s.Computed = false, false
	}
}
