package prune

import (
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundler/internal/geometry"
	"bundler/internal/matches"
	"bundler/internal/modelmap"
	"bundler/internal/twoframe"
)

func twistModel(deg float64) *twoframe.Model {
	m := twoframe.NewModel()
	m.A.Camera = geometry.NewCamera(500)
	m.B.Camera = geometry.NewCamera(500)
	m.B.Camera.R = geometry.Rodrigues(r3.Vector{Z: geometry.Rad(deg)})
	m.Angle = 5
	for k := 0; k < 30; k++ {
		m.Points = append(m.Points, r3.Vector{X: float64(k), Z: -4})
	}
	return m
}

type sizes map[int][2]int

func (s sizes) Dimensions(i int) (int, int, error) {
	d, ok := s[i]
	if !ok {
		return 0, 0, errors.New("unknown")
	}
	return d[0], d[1], nil
}

func twistMap() *modelmap.ModelMap {
	mm := modelmap.New(5)
	mm.AddModel(0, 1, twistModel(20))
	mm.AddModel(0, 2, twistModel(1))
	mm.AddModel(1, 2, twistModel(0))
	mm.AddModel(1, 3, twistModel(-3))
	mm.AddModel(1, 4, twistModel(2))
	mm.AddModel(2, 3, twistModel(0))
	return mm
}

func TestTwistOfRotation(t *testing.T) {
	mm := twistMap()
	tw, ok := Twist(mm, 0, 1)
	require.True(t, ok)
	assert.InDelta(t, 20, math.Abs(tw), 1e-6)
	_, ok = Twist(mm, 0, 4)
	assert.False(t, ok)
}

func TestThresholdTwists(t *testing.T) {
	mm := twistMap()
	dims := sizes{0: {800, 600}, 1: {800, 600}, 2: {600, 800}, 3: {3000, 1000}, 4: {800, 600}}
	stats := ThresholdTwists(mm, dims, false, nil)

	removed := map[int]bool{}
	for _, st := range stats {
		if st.Removed {
			removed[st.Image] = true
		}
	}
	// 0 has half its models twisted; 3 is too wide
	assert.Equal(t, map[int]bool{0: true, 3: true}, removed)
	assert.Equal(t, []matches.MatchIndex{{I: 1, J: 2}, {I: 1, J: 4}}, mm.Pairs())
}

func TestThresholdTwistsKeepsWellBehavedImages(t *testing.T) {
	mm := twistMap()
	stats := ThresholdTwists(mm, nil, true, nil)
	for _, st := range stats {
		assert.False(t, st.Removed, "image %d", st.Image)
	}
	assert.Equal(t, 6, mm.Len())
}

func TestThresholdTwistsAspectBoundsAreInclusive(t *testing.T) {
	mm := twistMap()
	dims := sizes{0: {800, 600}, 1: {1000, 400}, 2: {400, 1000}, 3: {1001, 400}, 4: {800, 600}}
	stats := ThresholdTwists(mm, dims, true, nil)

	removed := map[int]bool{}
	for _, st := range stats {
		if st.Removed {
			removed[st.Image] = true
		}
	}
	assert.Equal(t, map[int]bool{3: true}, removed)
	assert.True(t, mm.Contains(1, 2))
}

func triangle() (*modelmap.ModelMap, WeightFunc) {
	mm := modelmap.New(4)
	w := map[*twoframe.Model]float64{}
	add := func(i, j int, weight float64) {
		m := twistModel(0)
		w[m] = weight
		mm.AddModel(i, j, m)
	}
	add(0, 1, 1)
	add(1, 2, 1)
	add(0, 2, 1.5)
	add(2, 3, 0.5)
	return mm, func(m *twoframe.Model) float64 { return w[m] }
}

func TestTSpannerDropsCoveredEdge(t *testing.T) {
	mm, weight := triangle()
	sp := TSpanner(mm, 2, weight)
	assert.Equal(t, []matches.MatchIndex{{I: 0, J: 2}}, sp.PEdges)
	assert.Len(t, sp.Edges, 3)
	assert.LessOrEqual(t, VerifyStretch(mm, sp), 2.0)

	// the last search found 0-1-2
	m01, _ := mm.GetModel(0, 1)
	m12, _ := mm.GetModel(1, 2)
	assert.True(t, m01.A.OnPath)
	assert.True(t, m12.B.OnPath)
	assert.Equal(t, 1, m12.B.Previous)
	assert.Equal(t, 0, m12.B.Predecessor)
	assert.True(t, m12.B.Computed)
	assert.Equal(t, int(PNode), m12.B.Flag)

	RemovePEdges(mm, sp.PEdges)
	assert.False(t, mm.Contains(0, 2))
	assert.Equal(t, 3, mm.Len())
}

func TestTSpannerTightStretchKeepsAll(t *testing.T) {
	mm, weight := triangle()
	sp := TSpanner(mm, 1.2, weight)
	assert.Empty(t, sp.PEdges)
	assert.InDelta(t, 1.0, VerifyStretch(mm, sp), 1e-12)
}

func TestQualityWeightPrefersWideAngles(t *testing.T) {
	narrow, wide := twistModel(0), twistModel(0)
	narrow.Angle, wide.Angle = 1, 10
	assert.Less(t, QualityWeight(wide), QualityWeight(narrow))
	narrow.Points = narrow.Points[:10]
	assert.Greater(t, QualityWeight(narrow), 0.1/float64(10))
}

func TestComponents(t *testing.T) {
	mm := modelmap.New(6)
	mm.AddModel(0, 1, twistModel(0))
	mm.AddModel(1, 2, twistModel(0))
	mm.AddModel(3, 5, twistModel(0))
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 5}}, Components(mm))
}

func TestPEdgesIO(t *testing.T) {
	got, err := ReadPEdges(strings.NewReader("3 1\n\n0 2\n1 3\n"))
	require.NoError(t, err)
	assert.Equal(t, []matches.MatchIndex{{I: 0, J: 2}, {I: 1, J: 3}}, got)

	path := filepath.Join(t.TempDir(), "pedges.txt")
	require.NoError(t, WritePEdgesFile(path, []matches.MatchIndex{{I: 4, J: 5}, {I: 0, J: 9}}))
	back, err := ReadPEdgesFile(path)
	require.NoError(t, err)
	assert.Equal(t, []matches.MatchIndex{{I: 0, J: 9}, {I: 4, J: 5}}, back)

	_, err = ReadPEdges(strings.NewReader("x y\n"))
	assert.Error(t, err)
}
