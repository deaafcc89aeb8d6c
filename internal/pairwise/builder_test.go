package pairwise

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundler/internal/geometry"
	"bundler/internal/matches"
	"bundler/internal/sfm/sfmtest"
	"bundler/internal/storage"
	"bundler/internal/twoframe"
)

type stubEstimator struct {
	calls  []matches.MatchIndex
	angles map[matches.MatchIndex]float64
	fail   map[matches.MatchIndex]bool
}

func (s *stubEstimator) Bundle(_ context.Context, i, j int) (*twoframe.Model, error) {
	idx := matches.GetMatchIndex(i, j)
	s.calls = append(s.calls, idx)
	if s.fail[idx] {
		return nil, twoframe.ErrTooFewInliers
	}
	m := twoframe.NewModel()
	for k := 0; k < 30; k++ {
		m.Points = append(m.Points, r3.Vector{X: float64(k), Z: -5})
		m.Keys1 = append(m.Keys1, k)
		m.Keys2 = append(m.Keys2, k)
	}
	m.A.Camera = geometry.NewCamera(500)
	m.B.Camera = geometry.Camera{R: geometry.Identity(), C: r3.Vector{X: 1}, Focal: 500}
	m.A.Cov = geometry.Identity().Scale(1e-3)
	m.B.Cov = geometry.Identity().Scale(1e-3)
	m.Angle, m.Error = 5, 0.3
	if a, ok := s.angles[idx]; ok {
		m.Angle = a
	}
	return m, nil
}

func tableWithCounts(n int, counts map[[2]int]int) *matches.Table {
	t := matches.NewTable(n)
	for p, c := range counts {
		list := make([]matches.KeypointMatch, c)
		for k := range list {
			list[k] = matches.KeypointMatch{Idx1: k, Idx2: k}
		}
		t.SetMatches(p[0], p[1], list)
	}
	return t
}

func TestThreeImageScenario(t *testing.T) {
	d := sfmtest.Generate(sfmtest.Options{NumCameras: 3, NumPoints: 120, Noise: 0.2, Seed: 11})
	d.LimitMatches(0, 1, 50)
	d.LimitMatches(1, 2, 40)
	d.LimitMatches(0, 2, 45)

	b := &Builder{
		Table:     d.Table,
		Images:    d.Images,
		Estimator: twoframe.NewEstimator(d.Table, d.Store(), twoframe.DefaultOptions(), nil),
		Opts:      Options{PairThreshold: 28},
	}
	mm, res, err := b.BundleAllPairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, mm.Len())
	assert.Equal(t, []int{2, 2, 2}, res.Connectivity)
	for i := 0; i < 3; i++ {
		assert.Len(t, mm.Neighbors(i), 2)
	}
}

func TestPairsVisitedByMatchCount(t *testing.T) {
	table := tableWithCounts(4, map[[2]int]int{{0, 1}: 40, {2, 3}: 90, {1, 2}: 40, {0, 3}: 12})
	est := &stubEstimator{}
	b := &Builder{Table: table, Estimator: est, Opts: Options{PairThreshold: 28}}
	_, res, err := b.BundleAllPairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []matches.MatchIndex{{I: 2, J: 3}, {I: 0, J: 1}, {I: 1, J: 2}}, est.calls)
	assert.Equal(t, 3, res.Attempted)
}

func TestFailedPairIsNotFatal(t *testing.T) {
	table := tableWithCounts(3, map[[2]int]int{{0, 1}: 40, {1, 2}: 40})
	est := &stubEstimator{fail: map[matches.MatchIndex]bool{{I: 0, J: 1}: true}}
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	b := &Builder{Table: table, Estimator: est, Store: store, Opts: Options{PairThreshold: 28, RunID: "r"}}
	mm, res, err := b.BundleAllPairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, mm.Contains(1, 2))
	assert.False(t, mm.Contains(0, 1))

	pairs, err := store.Pairs("r")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "failed", pairs[0].Status)
	assert.Equal(t, "model", pairs[1].Status)
}

func TestDuplicateCollapsesChild(t *testing.T) {
	// 3 is weakly connected and nearly identical to 2
	table := tableWithCounts(4, map[[2]int]int{
		{0, 1}: 80, {1, 2}: 70, {0, 2}: 60, {2, 3}: 100, {1, 3}: 50,
	})
	est := &stubEstimator{angles: map[matches.MatchIndex]float64{{I: 2, J: 3}: 0.1}}
	b := &Builder{Table: table, Estimator: est, Duplicates: DefaultDuplicatePolicy(), Opts: Options{PairThreshold: 28}}
	mm, res, err := b.BundleAllPairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[int]int{3: 2}, res.Dependents)
	assert.Empty(t, mm.Neighbors(3))
	assert.NotContains(t, est.calls, matches.MatchIndex{I: 1, J: 3})
	assert.True(t, mm.Contains(0, 1))
}

func TestDuplicateKeptWhenChildHasUniqueNeighbour(t *testing.T) {
	table := tableWithCounts(4, map[[2]int]int{{0, 3}: 120, {2, 3}: 100, {1, 2}: 90})
	est := &stubEstimator{angles: map[matches.MatchIndex]float64{{I: 2, J: 3}: 0.1}}
	b := &Builder{Table: table, Estimator: est, Duplicates: DefaultDuplicatePolicy(), Opts: Options{PairThreshold: 28}}
	mm, res, err := b.BundleAllPairs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Dependents)
	assert.True(t, mm.Contains(2, 3))
}

func TestStrongestDuplicateKeptWhenChildHasUniqueNeighbour(t *testing.T) {
	// the near-duplicate pair is visited first, before any model of 3 with 0
	table := tableWithCounts(4, map[[2]int]int{{2, 3}: 100, {0, 3}: 90, {1, 2}: 80})
	est := &stubEstimator{angles: map[matches.MatchIndex]float64{{I: 2, J: 3}: 0.1}}
	b := &Builder{Table: table, Estimator: est, Duplicates: DefaultDuplicatePolicy(), Opts: Options{PairThreshold: 28}}
	mm, res, err := b.BundleAllPairs(context.Background())
	require.NoError(t, err)
	require.Equal(t, matches.MatchIndex{I: 2, J: 3}, est.calls[0])
	assert.Empty(t, res.Dependents)
	assert.True(t, mm.Contains(2, 3))
	assert.True(t, mm.Contains(0, 3))
	assert.True(t, mm.Contains(1, 2))
}

func TestDependentsSurviveModelsCache(t *testing.T) {
	table := tableWithCounts(4, map[[2]int]int{
		{0, 1}: 80, {1, 2}: 70, {0, 2}: 60, {2, 3}: 100, {1, 3}: 50,
	})
	path := filepath.Join(t.TempDir(), "models.txt")
	est := &stubEstimator{angles: map[matches.MatchIndex]float64{{I: 2, J: 3}: 0.1}}
	b := &Builder{Table: table, Estimator: est, Duplicates: DefaultDuplicatePolicy(), Opts: Options{PairThreshold: 28, ModelsFile: path}}
	_, first, err := b.BundleAllPairs(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[int]int{3: 2}, first.Dependents)

	b.Estimator = &stubEstimator{}
	_, cached, err := b.BundleAllPairs(context.Background())
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Equal(t, map[int]int{3: 2}, cached.Dependents)
}

func TestReadDependentsRejectsMalformedLines(t *testing.T) {
	deps, err := ReadDependents(strings.NewReader("3 2\n\n5 1\n"))
	require.NoError(t, err)
	assert.Equal(t, map[int]int{3: 2, 5: 1}, deps)

	for _, in := range []string{"3\n", "a 2\n", "3 x\n", "-1 2\n", "4 4\n"} {
		_, err := ReadDependents(strings.NewReader(in))
		assert.Error(t, err, in)
	}

	deps, err = ReadDependentsFile(filepath.Join(t.TempDir(), "missing.deps"))
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestModelsCacheIsIdempotent(t *testing.T) {
	table := tableWithCounts(3, map[[2]int]int{{0, 1}: 50, {1, 2}: 40, {0, 2}: 45})
	path := filepath.Join(t.TempDir(), "models.txt")

	first := &stubEstimator{}
	b := &Builder{Table: table, Estimator: first, Opts: Options{PairThreshold: 28, ModelsFile: path, WriteSparse: true}}
	mm1, res1, err := b.BundleAllPairs(context.Background())
	require.NoError(t, err)
	require.False(t, res1.Cached)
	require.Len(t, first.calls, 3)
	_, err = os.Stat(path + ".sparse")
	require.NoError(t, err)

	second := &stubEstimator{}
	b.Estimator = second
	mm2, res2, err := b.BundleAllPairs(context.Background())
	require.NoError(t, err)
	assert.True(t, res2.Cached)
	assert.Empty(t, second.calls)
	assert.Equal(t, mm1.Pairs(), mm2.Pairs())
	m1, _ := mm1.GetModel(0, 1)
	m2, _ := mm2.GetModel(0, 1)
	assert.Equal(t, m1.Points, m2.Points)
	assert.Equal(t, m1.B.Camera, m2.B.Camera)
}

func TestRequireFocalSkipsPairs(t *testing.T) {
	d := sfmtest.Generate(sfmtest.Options{NumCameras: 2, Seed: 1})
	d.Images[1].HasInitFocal = false
	est := &stubEstimator{}
	b := &Builder{Table: d.Table, Images: d.Images, Estimator: est, Opts: Options{PairThreshold: 28, RequireFocal: true}}
	_, res, err := b.BundleAllPairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, est.calls)
}
