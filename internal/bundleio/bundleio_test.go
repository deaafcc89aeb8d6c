package bundleio

import (
	"bytes"
	"image/color"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundler/internal/geometry"
	"bundler/internal/keys"
	"bundler/internal/sfm"
)

// testScene has cameras 0 and 2 registered on the x axis looking down −z
// and camera 1 unregistered.
func testScene() *sfm.Scene {
	s := &sfm.Scene{
		Images:  []keys.Image{{Name: "a.jpg"}, {Name: "b.jpg"}, {Name: "c.jpg"}},
		Cameras: make([]sfm.Camera, 3),
	}
	for _, i := range []int{0, 2} {
		c := geometry.NewCamera(500)
		c.C = r3.Vector{X: float64(i)}
		c.K1 = -0.01
		s.Cameras[i] = sfm.Camera{Camera: c, State: sfm.Registered, Adjusted: true}
	}
	s.Cameras[1].Camera = geometry.NewCamera(0)
	for k := 0; k < 4; k++ {
		X := r3.Vector{X: float64(k) * 0.3, Y: 0.2, Z: -5}
		p := sfm.Point{Pos: X, Color: color.RGBA{R: 10, G: 20, B: uint8(k), A: 255}, Track: -1}
		for _, i := range []int{0, 2} {
			pix, _ := s.Cameras[i].Project(X)
			p.Views = append(p.Views, sfm.View{Image: i, Key: k, P: pix})
		}
		s.Points = append(s.Points, p)
	}
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := testScene()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, s))
	assert.True(t, strings.HasPrefix(buf.String(), "# Bundle file v0.3\n3 4\n"))

	b, err := Read(&buf, s.Images)
	require.NoError(t, err)
	assert.Equal(t, 0.3, b.Version)
	got := b.Scene
	require.Len(t, got.Cameras, 3)
	assert.False(t, got.Cameras[1].Adjusted)
	for _, i := range []int{0, 2} {
		c := got.Cameras[i]
		assert.True(t, c.Adjusted)
		assert.Equal(t, sfm.Registered, c.State)
		assert.InDelta(t, 500, c.Focal, 1e-6)
		assert.InDelta(t, -0.01, c.K1, 1e-12)
		assert.InDelta(t, 0, c.C.Sub(s.Cameras[i].C).Norm(), 1e-9)
	}
	require.Len(t, got.Points, 4)
	for k, p := range got.Points {
		assert.InDelta(t, 0, p.Pos.Sub(s.Points[k].Pos).Norm(), 1e-9)
		assert.Equal(t, s.Points[k].Color, p.Color)
		require.Len(t, p.Views, 2)
		assert.InDelta(t, s.Points[k].Views[1].P.X, p.Views[1].P.X, 1e-4)
	}
	require.NoError(t, got.Check())
}

func TestReadRejectsCameraCountMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testScene()))
	_, err := Read(&buf, make([]keys.Image, 2))
	assert.ErrorContains(t, err, "bundle has 3 cameras")
}

func TestReadLowFocalAndIgnoredCamerasNotAdjusted(t *testing.T) {
	s := testScene()
	s.Cameras[2].Focal = 90
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, s))
	images := append([]keys.Image(nil), s.Images...)

	b, err := Read(bytes.NewReader(buf.Bytes()), images)
	require.NoError(t, err)
	assert.False(t, b.Scene.Cameras[2].Adjusted)
	for _, p := range b.Scene.Points {
		require.Len(t, p.Views, 1)
		assert.Equal(t, 0, p.Views[0].Image)
	}

	images[0].Ignore = true
	b, err = Read(bytes.NewReader(buf.Bytes()), images)
	require.NoError(t, err)
	assert.False(t, b.Scene.Cameras[0].Adjusted)
	assert.Zero(t, b.Scene.NumObservations())
}

func TestReadDropsViewsBehindCamera(t *testing.T) {
	s := testScene()
	s.Points[0].Pos.Z = 5
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, s))
	b, err := Read(&buf, nil)
	require.NoError(t, err)
	assert.Empty(t, b.Scene.Points[0].Views)
	assert.Len(t, b.Scene.Points[1].Views, 2)
}

func TestReadHeaderVariants(t *testing.T) {
	const cam = "600\n1 0 0\n0 1 0\n0 0 1\n0 0 0\n"
	t.Run("bare counts", func(t *testing.T) {
		in := "1 1\n" + cam + "0 0 5\n1 2 3\n1 0 7\n"
		b, err := Read(strings.NewReader(in), nil)
		require.NoError(t, err)
		assert.Equal(t, 0.1, b.Version)
		assert.InDelta(t, 600, b.Scene.Cameras[0].Focal, 1e-9)
		// old files face +z; the scene is reflected on load
		assert.Equal(t, -5.0, b.Scene.Points[0].Pos.Z)
		require.Len(t, b.Scene.Points[0].Views, 1)
		assert.Equal(t, 7, b.Scene.Points[0].Views[0].Key)
		require.NoError(t, b.Scene.Check())
	})
	t.Run("v prefix", func(t *testing.T) {
		in := "v0.3\n1 1\n600 0 0\n1 0 0\n0 1 0\n0 0 1\n0 0 0\n0 0 -5\n1 2 3\n1 0 7 1.5 -2.5\n"
		b, err := Read(strings.NewReader(in), nil)
		require.NoError(t, err)
		assert.Equal(t, 0.3, b.Version)
		require.Len(t, b.Scene.Points[0].Views, 1)
		assert.Equal(t, r2.Point{X: 1.5, Y: -2.5}, b.Scene.Points[0].Views[0].P)
	})
	t.Run("names", func(t *testing.T) {
		in := "# Bundle file v0.4\n1 0\nimg.jpg 640 480\n600 0 0\n1 0 0\n0 1 0\n0 0 1\n0 0 0\n"
		b, err := Read(strings.NewReader(in), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"img.jpg"}, b.Names)
	})
}

func TestWritePly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePly(&buf, testScene()))
	out := buf.String()
	assert.Contains(t, out, "element vertex 8\n")
	lines := strings.Split(strings.TrimSpace(out[strings.Index(out, "end_header\n")+len("end_header\n"):]), "\n")
	require.Len(t, lines, 8)
	assert.True(t, strings.HasSuffix(lines[4], " 0 255 0"))
	assert.True(t, strings.HasSuffix(lines[5], " 255 255 0"))
	// camera 2 is the second written camera but keeps its even colour
	assert.True(t, strings.HasSuffix(lines[6], " 0 255 0"))
}

func TestCompress(t *testing.T) {
	out, remap := Compress(testScene())
	assert.Equal(t, []int{0, -1, 1}, remap)
	require.Len(t, out.Cameras, 2)
	assert.Equal(t, "c.jpg", out.Images[1].Name)
	for _, p := range out.Points {
		assert.Equal(t, 1, p.Views[1].Image)
	}
	require.NoError(t, out.Check())
}

func TestWriteCompressed(t *testing.T) {
	dir := t.TempDir()
	bundlePath, listPath, err := WriteCompressed(dir, SuffixCompressed, testScene())
	require.NoError(t, err)
	assert.Equal(t, "bundle.compressed.out", bundlePath[len(dir)+1:])

	list, err := os.ReadFile(listPath)
	require.NoError(t, err)
	assert.Equal(t, "a.jpg\nc.jpg\n", string(list))
	b, err := ReadFile(bundlePath, nil)
	require.NoError(t, err)
	assert.Len(t, b.Scene.Cameras, 2)
}

func TestReposition(t *testing.T) {
	s := testScene()
	c := geometry.NewCamera(500)
	c.C = r3.Vector{X: 1, Y: 3}
	s.Cameras[1] = sfm.Camera{Camera: c, State: sfm.Registered, Adjusted: true}
	before := make([]float64, 0)
	for _, p := range s.Points {
		for _, v := range p.Views {
			before = append(before, s.Cameras[v.Image].ReprojectionError(p.Pos, v.P))
		}
	}

	_, err := Reposition(s)
	require.NoError(t, err)
	var mean r3.Vector
	ss := 0.0
	for _, cam := range s.Cameras {
		mean = mean.Add(cam.C)
		ss += cam.C.Norm2()
		// cameras all lie in a plane that becomes z = 0
		assert.InDelta(t, 0, cam.C.Z, 1e-9)
	}
	assert.InDelta(t, 0, mean.Norm(), 1e-9)
	assert.InDelta(t, 1, math.Sqrt(ss/3), 1e-9)

	n := 0
	for _, p := range s.Points {
		for _, v := range p.Views {
			assert.InDelta(t, before[n], s.Cameras[v.Image].ReprojectionError(p.Pos, v.P), 1e-6)
			n++
		}
	}

	one := testScene()
	one.Cameras[2] = sfm.Camera{}
	_, err = Reposition(one)
	assert.ErrorIs(t, err, ErrDegenerateScene)
}

func TestPruneCascades(t *testing.T) {
	s := testScene()
	// a third camera seeing only the first point
	c := geometry.NewCamera(500)
	c.C = r3.Vector{X: 0.5}
	s.Cameras[1] = sfm.Camera{Camera: c, State: sfm.Registered, Adjusted: true}
	pix, _ := c.Project(s.Points[0].Pos)
	s.Points[0].Views = append(s.Points[0].Views, sfm.View{Image: 1, P: pix})

	st := Prune(s, PruneOptions{MinViews: 3, MinCameraPoints: 2})
	// point 0 is the only three-view point; every camera then sees one point
	assert.Equal(t, []int{0, 1, 2}, st.Cameras)
	assert.Equal(t, 4, st.Points)
	assert.Empty(t, s.Points)
}

func TestPruneOutliers(t *testing.T) {
	s := testScene()
	far := s.Points[3]
	far.Pos = r3.Vector{X: 100, Z: -500}
	s.Points = append(s.Points, far)
	st := Prune(s, PruneOptions{MinViews: 2, OutlierSigma: 5})
	assert.Empty(t, st.Cameras)
	assert.Equal(t, 1, st.Outliers)
	assert.Len(t, s.Points, 4)
}

func TestRescaleAndZeroDistortion(t *testing.T) {
	s := testScene()
	p0 := s.Points[0].Views[0].P
	require.NoError(t, Rescale(s, 0.5))
	assert.Equal(t, 250.0, s.Cameras[0].Focal)
	assert.Equal(t, p0.Mul(0.5), s.Points[0].Views[0].P)
	assert.Error(t, Rescale(s, 0))
	assert.Error(t, RescaleEach(s, map[int]float64{7: 2}))

	ZeroDistortion(s)
	for _, c := range s.Cameras {
		assert.Zero(t, c.K1)
		assert.Zero(t, c.K2)
	}
	assert.Less(t, s.MeanReprojectionError(), 0.1)
}
