package sfm

import (
	"context"
	"fmt"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundler/internal/bundle"
	"bundler/internal/config"
	"bundler/internal/geometry"
	"bundler/internal/keys"
	"bundler/internal/matches"
	"bundler/internal/sfm/sfmtest"
)

func TestComputeTracksChainsAndDropsInconsistent(t *testing.T) {
	table := matches.NewTable(3)
	table.SetMatches(0, 1, []matches.KeypointMatch{{Idx1: 0, Idx2: 5}, {Idx1: 1, Idx2: 6}})
	table.SetMatches(1, 2, []matches.KeypointMatch{{Idx1: 5, Idx2: 9}, {Idx1: 6, Idx2: 3}})
	// 3 in image 2 links back to key 2 of image 0: image 0 appears twice
	table.SetMatches(0, 2, []matches.KeypointMatch{{Idx1: 2, Idx2: 3}})

	ts := ComputeTracks(table, 3, 2, 0, nil)
	require.Len(t, ts.List, 1)
	assert.Equal(t, []TrackView{{0, 0}, {1, 5}, {2, 9}}, ts.List[0].Views)
	assert.Equal(t, -1, ts.List[0].Point)

	tr, ok := ts.TrackOf(1, 5)
	require.True(t, ok)
	assert.Equal(t, 0, tr)
	_, ok = ts.TrackOf(0, 1)
	assert.False(t, ok)

	key, ok := ts.List[0].Key(2)
	require.True(t, ok)
	assert.Equal(t, 9, key)
	assert.Equal(t, map[matches.MatchIndex]int{{I: 0, J: 1}: 1, {I: 0, J: 2}: 1, {I: 1, J: 2}: 1}, ts.Shared())

	assert.Empty(t, ComputeTracks(table, 3, 4, 0, nil).List)
	assert.Empty(t, ComputeTracks(table, 3, 2, 2, nil).List)
}

func TestAdaptiveThreshold(t *testing.T) {
	a := AdaptiveThreshold{Min: 8, Max: 16}
	assert.Equal(t, 16.0, a.Threshold(ThresholdState{Registered: 2, Total: 10}))
	assert.Equal(t, 12.0, a.Threshold(ThresholdState{Registered: 6, Total: 10}))
	assert.Equal(t, 8.0, a.Threshold(ThresholdState{Registered: 10, Total: 10}))
	assert.Equal(t, 10.0, a.Threshold(ThresholdState{Registered: 10, Total: 10, Stalled: 1}))
	assert.Equal(t, 16.0, a.Threshold(ThresholdState{Registered: 10, Total: 10, Stalled: 9}))
	assert.Equal(t, 3.0, FixedThreshold(3).Threshold(ThresholdState{}))
}

func TestSceneCheckAndCompact(t *testing.T) {
	s := NewScene(make([]keys.Image, 2), 500)
	s.Cameras[0].State = Registered
	s.Points = []Point{
		{Pos: r3.Vector{Z: -5}, Views: []View{{Image: 0}}},
		{Pos: r3.Vector{Z: -5}, Views: []View{{Image: 0}, {Image: 1}}},
	}
	assert.ErrorContains(t, s.Check(), "unregistered image 1")

	s.Cameras[1].State = Registered
	require.NoError(t, s.Check())
	s.Points[1].Pos = r3.Vector{Z: 5}
	assert.ErrorContains(t, s.Check(), "behind camera")

	assert.Equal(t, []int{-1, 0}, s.Compact())
	assert.Len(t, s.Points, 1)
}

func testOptions() config.Options {
	cfg := config.Default()
	cfg.Registration.MaxRegistrationAttempts = 2
	return cfg.Options()
}

func newTestEngine(t *testing.T, d *sfmtest.Dataset) *Engine {
	t.Helper()
	e, err := NewEngine(d.Table, d.Store(), nil, testOptions(), nil)
	require.NoError(t, err)
	return e
}

func TestRunRegistersEveryCamera(t *testing.T) {
	d := sfmtest.Generate(sfmtest.Options{NumCameras: 5, NumPoints: 150, Noise: 0.3, Seed: 21})
	e := newTestEngine(t, d)

	var rounds []Round
	e.OnRound = func(r Round) {
		// views only ever reference registered cameras, in front of them
		require.NoError(t, e.Scene().Check())
		rounds = append(rounds, r)
	}
	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, res.Scene.NumRegistered())
	assert.Empty(t, res.Skipped)
	assert.NotEmpty(t, rounds)
	assert.Greater(t, len(res.Scene.Points), 60)
	assert.Less(t, res.Scene.MeanReprojectionError(), 2.0)
	require.NoError(t, res.Scene.Check())
	for _, c := range res.Scene.Cameras {
		assert.True(t, c.Adjusted)
	}
}

func TestWeaklyMatchedImageStaysUnregistered(t *testing.T) {
	d := sfmtest.Generate(sfmtest.Options{NumCameras: 3, NumPoints: 150, Noise: 0.2, Seed: 5})
	d.LimitMatches(0, 2, 5)
	d.LimitMatches(1, 2, 0)
	e := newTestEngine(t, d)
	require.Equal(t, 16, e.Opts.Registration.MinMaxMatches)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, matches.MatchIndex{I: 0, J: 1}, res.Seed)
	assert.Equal(t, Unregistered, res.Scene.Cameras[2].State)
	assert.Zero(t, res.Scene.Cameras[2].Failures)
	for _, p := range res.Scene.Points {
		for _, v := range p.Views {
			assert.NotEqual(t, 2, v.Image)
		}
	}
}

func TestInitialPairs(t *testing.T) {
	d := sfmtest.Generate(sfmtest.Options{NumCameras: 3, NumPoints: 120, Seed: 3})
	d.LimitMatches(0, 2, 30)
	d.LimitMatches(1, 2, 30)
	store := d.Store()
	opts := testOptions().Registration
	ts := ComputeTracks(d.Table, 3, 2, 0, nil)

	cands, err := InitialPairs(ts, store, nil, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, matches.MatchIndex{I: 0, J: 1}, cands[0].Pair)
	assert.GreaterOrEqual(t, cands[0].Matches, opts.InitPairMinMatches)

	opts.InitialPair = []int{2, 1}
	i, j, err := PickInitialPair(ts, store, nil, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, [2]int{1, 2}, [2]int{i, j})

	opts.InitialPair = []int{0, 7}
	_, _, err = PickInitialPair(ts, store, nil, opts, nil)
	assert.Error(t, err)

	opts.InitialPair = nil
	_, err = InitialPairs(&Tracks{KeyTrack: make([]map[int]int, 3)}, store, nil, opts, nil)
	assert.ErrorIs(t, err, ErrNoInitialPair)
}

func TestRerunRegistersDroppedCamera(t *testing.T) {
	d := sfmtest.Generate(sfmtest.Options{NumCameras: 4, NumPoints: 150, Noise: 0.2, Seed: 8})
	first, err := newTestEngine(t, d).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, first.Scene.NumRegistered())

	loaded := &Scene{Cameras: make([]Camera, 4)}
	for i, c := range first.Scene.Cameras {
		loaded.Cameras[i] = Camera{Camera: c.Camera, Adjusted: i != 3}
	}
	for _, p := range first.Scene.Points {
		var views []View
		for _, v := range p.Views {
			if v.Image != 3 {
				views = append(views, v)
			}
		}
		if len(views) >= 2 {
			loaded.Points = append(loaded.Points, Point{Pos: p.Pos, Views: views})
		}
	}
	loaded.Cameras[3].Camera = geometry.NewCamera(0)
	c0 := loaded.Cameras[0].C

	res, err := newTestEngine(t, d).Rerun(context.Background(), loaded)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Scene.NumRegistered())
	assert.InDelta(t, 0, res.Scene.Cameras[0].C.Sub(c0).Norm(), 0.05)
	require.NoError(t, res.Scene.Check())
}

func TestRerunRejectsCameraCountMismatch(t *testing.T) {
	d := sfmtest.Generate(sfmtest.Options{NumCameras: 3, Seed: 2})
	_, err := newTestEngine(t, d).Rerun(context.Background(), &Scene{Cameras: make([]Camera, 2)})
	assert.ErrorContains(t, err, "2 cameras")
}

type fixedPose struct{ inliers int }

func (f fixedPose) EstimatePose(corrs []geometry.PointCorrespondence, focal float64, _ bool) (geometry.Camera, []int, error) {
	idx := make([]int, min(f.inliers, len(corrs)))
	for k := range idx {
		idx[k] = k
	}
	return geometry.NewCamera(focal), idx, nil
}

func TestRegisterRejectsTooFewInliersWithoutMutation(t *testing.T) {
	e := &Engine{Opts: testOptions(), Pose: fixedPose{inliers: 4}}
	e.scene = NewScene(make([]keys.Image, 1), 500)
	c := &candidate{image: 0, corrs: make([]geometry.PointCorrespondence, 20)}
	for k := range c.corrs {
		c.corrs[k] = geometry.PointCorrespondence{X: r3.Vector{X: float64(k), Z: -5}, P: r2.Point{}}
	}
	err := e.register(context.Background(), c, 16)
	assert.ErrorIs(t, err, errRejected)
	assert.Equal(t, Unregistered, e.scene.Cameras[0].State)
	assert.Equal(t, 4, c.inliers)
}

func TestDependentImageIsNeverRegistered(t *testing.T) {
	d := sfmtest.Generate(sfmtest.Options{NumCameras: 4, NumPoints: 150, Noise: 0.2, Seed: 8})
	e := newTestEngine(t, d)
	e.Exclude = map[int]int{3: 2}

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scene.NumRegistered())
	assert.Equal(t, Unregistered, res.Scene.Cameras[3].State)
	assert.Zero(t, res.Scene.Cameras[3].Failures)
	assert.NotContains(t, res.Skipped, 3)
	assert.Empty(t, e.tracks.KeyTrack[3])
	for _, p := range res.Scene.Points {
		for _, v := range p.Views {
			assert.NotEqual(t, 3, v.Image)
		}
	}
}

func TestCameraWithOutlierViewsIsDemoted(t *testing.T) {
	d := sfmtest.Generate(sfmtest.Options{NumCameras: 5, NumPoints: 150, Noise: 0.3, Seed: 21})
	e := newTestEngine(t, d)
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, res.Scene.NumRegistered())

	victim := -1
	for _, i := range res.Scene.Registered() {
		if i != e.gauge {
			victim = i
			break
		}
	}
	require.GreaterOrEqual(t, victim, 0)
	failures := res.Scene.Cameras[victim].Failures

	// trim one point to the victim and a single other view so it cascades
	trimmed := false
	for k := range res.Scene.Points {
		p := &res.Scene.Points[k]
		if !observes(*p, victim) || len(p.Views) < 2 {
			continue
		}
		var keep []View
		for _, v := range p.Views {
			if v.Image == victim {
				keep = append(keep, v)
				break
			}
		}
		for _, v := range p.Views {
			if v.Image != victim {
				keep = append(keep, v)
				break
			}
		}
		p.Views, trimmed = keep, true
		break
	}
	require.True(t, trimmed)
	before := len(res.Scene.Points)
	for k := range res.Scene.Points {
		for j := range res.Scene.Points[k].Views {
			if v := &res.Scene.Points[k].Views[j]; v.Image == victim {
				v.P = v.P.Add(r2.Point{X: 300, Y: 300})
			}
		}
	}

	e.removeOutliers(e.threshold())
	s := e.Scene()
	assert.Equal(t, Unregistered, s.Cameras[victim].State)
	assert.False(t, s.Cameras[victim].Adjusted)
	assert.Equal(t, failures+1, s.Cameras[victim].Failures)
	assert.Equal(t, 4, s.NumRegistered())
	assert.Less(t, len(s.Points), before)
	for k, p := range s.Points {
		assert.GreaterOrEqual(t, len(p.Views), 2)
		assert.Equal(t, k, e.tracks.List[p.Track].Point)
		for _, v := range p.Views {
			assert.NotEqual(t, victim, v.Image)
		}
	}
	require.NoError(t, s.Check())
}

func TestDemotionCountsOneFailure(t *testing.T) {
	d := sfmtest.Generate(sfmtest.Options{NumCameras: 2, Seed: 1})
	e := newTestEngine(t, d)
	e.scene = NewScene(d.Images, 500)

	// removeOutliers has already counted the demotion
	e.scene.Cameras[0].Failures = 1
	e.noteFailure(0, fmt.Errorf("image 0: %w", errDemoted), 3)
	assert.Equal(t, 1, e.scene.Cameras[0].Failures)
	assert.False(t, e.scene.Cameras[0].Skipped)

	e.noteFailure(0, fmt.Errorf("%w: too few inliers", errRejected), 3)
	assert.Equal(t, 2, e.scene.Cameras[0].Failures)
	e.noteFailure(0, errRejected, 3)
	assert.Equal(t, 3, e.scene.Cameras[0].Failures)
	assert.True(t, e.scene.Cameras[0].Skipped)
}

func TestLocalAdjustInterval(t *testing.T) {
	e := &Engine{Opts: testOptions()}
	e.Opts.Registration.FastBundle = true
	e.Opts.Registration.FullBundleInterval = 3
	var got []bool
	for k := 0; k < 6; k++ {
		got = append(got, e.localAdjust())
	}
	assert.Equal(t, []bool{true, true, false, true, true, false}, got)

	e = &Engine{Opts: testOptions()}
	e.Opts.Registration.FastBundle = false
	assert.False(t, e.localAdjust())
	assert.False(t, e.localAdjust())
}

type spyAdjuster struct {
	inner bundle.Adjuster
	calls [][2]int // registered cameras, free cameras
}

func (s *spyAdjuster) Adjust(ctx context.Context, p *bundle.Problem) (bundle.Solution, error) {
	free := 0
	for _, fixed := range p.FixedCameras {
		if !fixed {
			free++
		}
	}
	s.calls = append(s.calls, [2]int{len(p.Cameras), free})
	return s.inner.Adjust(ctx, p)
}

func TestRunAlternatesLocalAndFullAdjustment(t *testing.T) {
	for _, fast := range []bool{true, false} {
		d := sfmtest.Generate(sfmtest.Options{NumCameras: 5, NumPoints: 150, Noise: 0.3, Seed: 21})
		e := newTestEngine(t, d)
		e.Opts.Registration.FastBundle = fast
		e.Opts.Registration.FullBundleInterval = 2
		spy := &spyAdjuster{inner: e.Adjuster}
		e.Adjuster = spy

		res, err := e.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 5, res.Scene.NumRegistered())

		var local, full int
		for _, c := range spy.calls {
			switch {
			case c[0] < 3:
			case c[1] == 1:
				local++
			case c[1] == c[0]-1:
				full++
			}
		}
		assert.Positive(t, full, "fast=%v", fast)
		if fast {
			assert.Positive(t, local)
		} else {
			assert.Zero(t, local)
		}
	}
}

func TestRankCandidates(t *testing.T) {
	mk := func(image, neighbors, corrs int) *candidate {
		return &candidate{image: image, neighbors: neighbors, corrs: make([]geometry.PointCorrespondence, corrs)}
	}
	order := func(cs []*candidate) []int {
		var out []int
		for _, c := range cs {
			out = append(out, c.image)
		}
		return out
	}

	cands := []*candidate{mk(1, 1, 40), mk(2, 3, 20), mk(3, 3, 20), mk(4, 2, 60)}
	rankCandidates(cands, true)
	assert.Equal(t, []int{2, 3, 4, 1}, order(cands))

	rankCandidates(cands, false)
	assert.Equal(t, []int{4, 1, 2, 3}, order(cands))
}
