package twoframe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundler/internal/geometry"
	"bundler/internal/sfm/sfmtest"
)

func sampleModel() *Model {
	m := NewModel()
	m.Points = []r3.Vector{{X: 1, Y: 2, Z: -3}, {X: -0.5, Y: 0.25, Z: -4}}
	m.Keys1 = []int{4, 9}
	m.Keys2 = []int{1, 0}
	m.A.Camera = geometry.NewCamera(532)
	m.B.Camera = geometry.Camera{R: geometry.Rodrigues(r3.Vector{Y: 0.2}), C: r3.Vector{X: 1}, Focal: 610.25}
	m.A.Cov = geometry.Mat3{1e-4, 0, 0, 0, 2e-4, 0, 0, 0, 3e-4}
	m.B.Cov = geometry.Mat3{4e-4, 1e-5, 0, 1e-5, 5e-4, 0, 0, 0, 6e-4}
	m.Angle = 11.459155903
	m.Error = 0.731
	return m
}

func TestWriteReadRoundTripKeyMode(t *testing.T) {
	m := sampleModel()
	var buf bytes.Buffer
	require.NoError(t, m.Write(&buf))

	got, err := Read(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.False(t, got.TrackMode())
	assert.Equal(t, m.Keys1, got.Keys1)
	assert.Equal(t, m.Keys2, got.Keys2)
	assert.Equal(t, m.Points, got.Points)
	assert.Equal(t, m.A.Camera, got.A.Camera)
	assert.Equal(t, m.B.Camera, got.B.Camera)
	assert.Equal(t, m.B.Cov, got.B.Cov)
	assert.InDelta(t, m.Angle, got.Angle, 1e-9)
	assert.Equal(t, -1, got.A.Predecessor)
}

func TestReadTrackModeSortsByTrack(t *testing.T) {
	m := sampleModel()
	m.Keys1, m.Keys2 = nil, nil
	m.Tracks = []int{17, 3}
	var buf bytes.Buffer
	require.NoError(t, m.Write(&buf))

	got, err := Read(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.True(t, got.TrackMode())
	assert.Equal(t, []int{3, 17}, got.Tracks)
	assert.Equal(t, m.Points[1], got.Points[0])
	assert.Nil(t, got.Keys1)
}

func TestReadTruncated(t *testing.T) {
	_, err := Read(bufio.NewReader(strings.NewReader("2\n1.0\n0.5\n-1 0 0 1 2 3\n")))
	assert.Error(t, err)
}

func TestWriteSparseAndBrief(t *testing.T) {
	m := sampleModel()
	var buf bytes.Buffer
	require.NoError(t, m.WriteSparse(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Len(t, strings.Fields(lines[0]), 9)
	assert.Len(t, strings.Fields(lines[1]), 3)

	buf.Reset()
	require.NoError(t, m.WriteBrief(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "2\n11.45916\n0.73100\n"))
}

func TestCovarianceHelpers(t *testing.T) {
	m := sampleModel()
	assert.InDelta(t, 6e-4, m.ComputeTrace(A), 1e-15)
	S := geometry.Identity().Scale(2)
	C := m.ComputeTransformedCovariance(B, S)
	assert.InDelta(t, 4*m.B.Cov.Trace(), C.Trace(), 1e-15)
	assert.Greater(t, m.AverageDistanceToPoints(), 0.0)
	assert.Equal(t, B, A.Other())
}

func TestBundleRecoversRelativePose(t *testing.T) {
	d := sfmtest.Generate(sfmtest.Options{NumCameras: 2, NumPoints: 150, Noise: 0.3, Seed: 4})
	est := NewEstimator(d.Table, d.Store(), DefaultOptions(), nil)

	m, err := est.Bundle(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.NumPoints(), MinModelPoints)
	assert.False(t, m.TrackMode())
	assert.InDelta(t, 1.0, m.Baseline(), 1e-9)
	assert.Less(t, m.Error, 1.0)
	assert.GreaterOrEqual(t, m.ComputeTrace(A), 0.0)
	assert.GreaterOrEqual(t, m.ComputeTrace(B), 0.0)

	truth := d.Cameras[0].R.Mul(d.Cameras[1].R.T())
	assert.InDelta(t, geometry.Deg(geometry.RotationAngle(truth)), m.Angle, 0.5)

	// translation direction in A's frame agrees with ground truth
	wantDir := d.Cameras[0].R.MulVec(d.Cameras[1].C.Sub(d.Cameras[0].C)).Normalize()
	gotDir := m.B.Camera.C.Sub(m.A.Camera.C).Normalize()
	assert.Greater(t, wantDir.Dot(gotDir), 0.99)

	// keypoint indices refer to the right images
	for k := range m.Points {
		assert.Less(t, m.Keys1[k], len(d.Keys[0]))
		assert.Less(t, m.Keys2[k], len(d.Keys[1]))
	}
}

func TestBundleRejectsSmallPairs(t *testing.T) {
	d := sfmtest.Generate(sfmtest.Options{NumCameras: 2, Seed: 2})
	d.LimitMatches(0, 1, 20)
	est := NewEstimator(d.Table, d.Store(), DefaultOptions(), nil)
	_, err := est.Bundle(context.Background(), 0, 1)
	assert.True(t, errors.Is(err, ErrTooFewInliers))
}
