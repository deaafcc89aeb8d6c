package geometry

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScene(n int, seed int64) []r3.Vector {
	rng := rand.New(rand.NewSource(seed))
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{
			X: rng.Float64()*4 - 2,
			Y: rng.Float64()*4 - 2,
			Z: -4 - rng.Float64()*4,
		}
	}
	return pts
}

func secondCamera() Camera {
	return Camera{
		R:     Rodrigues(r3.Vector{Y: 0.1}),
		C:     r3.Vector{X: 1},
		Focal: 500,
	}
}

func TestRodriguesRoundTrip(t *testing.T) {
	w := r3.Vector{X: 0.2, Y: -0.4, Z: 0.1}
	R := Rodrigues(w)
	assert.InDelta(t, 1.0, R.Det(), 1e-12)
	got := AxisAngle(R)
	assert.InDelta(t, w.X, got.X, 1e-9)
	assert.InDelta(t, w.Y, got.Y, 1e-9)
	assert.InDelta(t, w.Z, got.Z, 1e-9)

	inv, ok := R.Inverse()
	require.True(t, ok)
	for i := range inv {
		assert.InDelta(t, R.T()[i], inv[i], 1e-12)
	}
}

func TestGetTwist(t *testing.T) {
	for _, deg := range []float64{5, 30, -45, 90} {
		R := Rodrigues(r3.Vector{Z: Rad(deg)})
		assert.InDelta(t, deg, Deg(GetTwist(R)), 1e-4, "twist of %v degrees", deg)
	}
}

func TestProjectBehindCamera(t *testing.T) {
	cam := NewCamera(500)
	_, ok := cam.Project(r3.Vector{Z: 1})
	assert.False(t, ok)
	p, ok := cam.Project(r3.Vector{X: 1, Y: 2, Z: -5})
	require.True(t, ok)
	assert.InDelta(t, 100, p.X, 1e-9)
	assert.InDelta(t, 200, p.Y, 1e-9)
	assert.Greater(t, cam.Depth(r3.Vector{Z: -5}), 0.0)
}

func TestNormalizedUndoesDistortion(t *testing.T) {
	cam := Camera{R: Identity(), Focal: 800, K1: -0.1, K2: 0.02}
	X := r3.Vector{X: 1.5, Y: -1, Z: -4}
	p, ok := cam.Project(X)
	require.True(t, ok)
	n := cam.Normalized(p)
	assert.InDelta(t, 1.5/4, n.X, 1e-6)
	assert.InDelta(t, -1.0/4, n.Y, 1e-6)
}

func TestTriangulateRecoversPoint(t *testing.T) {
	c1, c2 := NewCamera(500), secondCamera()
	for _, X := range testScene(20, 1) {
		p1, _ := c1.Project(X)
		p2, _ := c2.Project(X)
		got, errPix, err := TriangulateChecked([]View{{c1, p1}, {c2, p2}}, 0.5, 1)
		require.NoError(t, err)
		assert.Less(t, errPix, 1e-6)
		assert.InDelta(t, 0, got.Sub(X).Norm(), 1e-6)
	}
}

func TestTriangulateRejectsNarrowRays(t *testing.T) {
	c1 := NewCamera(500)
	c2 := NewCamera(500)
	c2.C = r3.Vector{X: 0.001}
	X := r3.Vector{Z: -50}
	p1, _ := c1.Project(X)
	p2, _ := c2.Project(X)
	_, _, err := TriangulateChecked([]View{{c1, p1}, {c2, p2}}, 2, 16)
	assert.Error(t, err)
}

func TestRelativePoseFromFundamental(t *testing.T) {
	c1, c2 := NewCamera(500), secondCamera()
	var corrs []Correspondence
	for _, X := range testScene(60, 2) {
		p1, _ := c1.Project(X)
		p2, _ := c2.Project(X)
		corrs = append(corrs, Correspondence{P1: p1, P2: p2})
	}
	// a few gross outliers
	corrs = append(corrs,
		Correspondence{P1: r2.Point{X: 10, Y: 10}, P2: r2.Point{X: -200, Y: 150}},
		Correspondence{P1: r2.Point{X: -80, Y: 30}, P2: r2.Point{X: 300, Y: -250}},
	)

	opts := RANSACOptions{Rounds: 512, Threshold: 1, Rand: rand.New(rand.NewSource(3))}
	F, inliers, err := EstimateFundamental(corrs, opts)
	require.NoError(t, err)
	assert.Len(t, inliers, 60)

	E, err := EssentialFromFundamental(F, 500, 500)
	require.NoError(t, err)
	cam, front, err := RelativePose(E, 500, 500, corrs[:60])
	require.NoError(t, err)
	assert.Equal(t, 60, front)

	dR := cam.R.Mul(c2.R.T())
	assert.Less(t, Deg(RotationAngle(dR)), 0.01)
	dir := cam.C.Normalize()
	assert.InDelta(t, 1, dir.Dot(c2.C.Normalize()), 1e-6)
}

func TestHomographyOnPlane(t *testing.T) {
	c1, c2 := NewCamera(500), secondCamera()
	rng := rand.New(rand.NewSource(4))
	var corrs []Correspondence
	for i := 0; i < 40; i++ {
		X := r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*4 - 2, Z: -6}
		p1, _ := c1.Project(X)
		p2, _ := c2.Project(X)
		corrs = append(corrs, Correspondence{P1: p1, P2: p2})
	}
	H, inliers, err := DLTHomography{}.EstimateHomography(corrs, RANSACOptions{Rounds: 64, Threshold: 1, Rand: rand.New(rand.NewSource(5))})
	require.NoError(t, err)
	assert.Len(t, inliers, 40)
	for _, c := range corrs {
		assert.Less(t, TransferError(H, c), 1e-6)
	}
}

func TestEstimatePose(t *testing.T) {
	truth := secondCamera()
	var corrs []PointCorrespondence
	for _, X := range testScene(50, 6) {
		p, ok := truth.Project(X)
		require.True(t, ok)
		corrs = append(corrs, PointCorrespondence{X: X, P: p})
	}
	corrs = append(corrs, PointCorrespondence{X: r3.Vector{Z: -5}, P: r2.Point{X: 240, Y: -190}})

	cam, inliers, err := EstimatePose(corrs, 500, false, RANSACOptions{Rounds: 200, Threshold: 2, Rand: rand.New(rand.NewSource(7))})
	require.NoError(t, err)
	assert.Len(t, inliers, 50)
	assert.InDelta(t, 0, cam.C.Sub(truth.C).Norm(), 1e-4)
	assert.Less(t, Deg(RotationAngle(cam.R.Mul(truth.R.T()))), 1e-3)
}

func TestAlignPointsRecoversSimilarity(t *testing.T) {
	want := Similarity{R: Rodrigues(r3.Vector{X: 0.3, Z: -0.2}), T: r3.Vector{X: 1, Y: -2, Z: 3}, S: 2.5}
	src := testScene(10, 8)
	dst := make([]r3.Vector, len(src))
	for i, p := range src {
		dst[i] = want.Apply(p)
	}
	got, err := AlignPoints(src, dst, true)
	require.NoError(t, err)
	assert.InDelta(t, want.S, got.S, 1e-9)
	assert.InDelta(t, 0, got.T.Sub(want.T).Norm(), 1e-9)
	for i := range got.R {
		assert.InDelta(t, want.R[i], got.R[i], 1e-9)
	}

	cam := secondCamera()
	X := src[0]
	before, _ := cam.Project(X)
	after, ok := got.ApplyCamera(cam).Project(got.Apply(X))
	require.True(t, ok)
	assert.InDelta(t, before.X, after.X, 1e-6)
	assert.InDelta(t, before.Y, after.Y, 1e-6)

	_, err = AlignPoints(src[:2], dst[:2], true)
	assert.ErrorIs(t, err, ErrTooFewPoints)
}

func TestNearestRotation(t *testing.T) {
	R := Rodrigues(r3.Vector{X: 0.1, Y: 0.2, Z: 0.3})
	noisy := R.Add(Mat3{1e-3, 0, 0, 0, -1e-3, 0, 0, 0, 2e-3})
	got := NearestRotation(noisy)
	assert.InDelta(t, 1, got.Det(), 1e-9)
	assert.Less(t, RotationAngle(got.Mul(R.T())), 1e-2)
	assert.False(t, math.IsNaN(got[0]))
}
