package sfm

import (
	"bundler/internal/geometry"
	"bundler/internal/keys"
)

// keyCache holds acquired keypoint buffers for the duration of one step.
type keyCache struct {
	store    *keys.Store
	kps      map[int][]keys.Keypoint
	releases []func()
}

func newKeyCache(store *keys.Store) *keyCache {
	return &keyCache{store: store, kps: make(map[int][]keys.Keypoint)}
}

func (c *keyCache) get(i int) ([]keys.Keypoint, error) {
	if kps, ok := c.kps[i]; ok {
		return kps, nil
	}
	kps, release, err := c.store.Acquire(i)
	if err != nil {
		return nil, err
	}
	c.kps[i] = kps
	c.releases = append(c.releases, release)
	return kps, nil
}

func (c *keyCache) close() {
	for _, r := range c.releases {
		r()
	}
}

// triangulate adds a point for every track seen by two or more registered
// cameras that has none yet. Rays must span RayAngleThreshold degrees, lie
// in front of every camera and reproject within th.
func (e *Engine) triangulate(th float64) error {
	cache := newKeyCache(e.Keys)
	defer cache.close()

	minAngle := e.Opts.Registration.RayAngleThreshold
	added := 0
	for t := range e.tracks.List {
		tr := &e.tracks.List[t]
		if tr.Point >= 0 {
			continue
		}
		var (
			views []geometry.View
			obs   []View
		)
		for _, tv := range tr.Views {
			if e.scene.Cameras[tv.Image].State != Registered {
				continue
			}
			kps, err := cache.get(tv.Image)
			if err != nil {
				return err
			}
			if tv.Key >= len(kps) {
				continue
			}
			p := kps[tv.Key].Pos
			views = append(views, geometry.View{Camera: e.scene.Cameras[tv.Image].Camera, Point: p})
			obs = append(obs, View{Image: tv.Image, Key: tv.Key, P: p})
		}
		if len(views) < 2 {
			continue
		}
		X, _, err := geometry.TriangulateChecked(views, minAngle, th)
		if err != nil {
			continue
		}
		tr.Point = len(e.scene.Points)
		e.scene.Points = append(e.scene.Points, Point{Pos: X, Views: obs, Track: t})
		added++
	}
	if added > 0 {
		e.Log.Debug("points triangulated", "added", added, "total", len(e.scene.Points), "threshold", th)
	}
	return nil
}

// removeOutliers drops views reprojecting beyond th, points left with
// fewer than two views and cameras left with fewer than MinCameraPoints
// points, cascading until stable. Every decision is made on copies before
// the scene is touched.
func (e *Engine) removeOutliers(th float64) {
	s := e.scene
	views := make([][]View, len(s.Points))
	droppedViews := 0
	for k, p := range s.Points {
		for _, v := range p.Views {
			if s.Cameras[v.Image].ReprojectionError(p.Pos, v.P) <= th {
				views[k] = append(views[k], v)
			} else {
				droppedViews++
			}
		}
	}

	demoted := make(map[int]bool)
	registered := s.NumRegistered()
	minPoints := e.Opts.Registration.MinCameraPoints
	for {
		counts := make([]int, len(s.Cameras))
		for k := range views {
			if len(views[k]) < 2 {
				continue
			}
			for _, v := range views[k] {
				counts[v.Image]++
			}
		}
		changed := false
		for i, c := range s.Cameras {
			if c.State != Registered || demoted[i] || counts[i] >= minPoints {
				continue
			}
			if registered-len(demoted) <= 2 {
				break
			}
			demoted[i] = true
			changed = true
		}
		if !changed {
			break
		}
		for k := range views {
			kept := views[k][:0:0]
			for _, v := range views[k] {
				if !demoted[v.Image] {
					kept = append(kept, v)
				}
			}
			views[k] = kept
		}
	}

	for k := range s.Points {
		s.Points[k].Views = views[k]
	}
	before := len(s.Points)
	s.Compact()
	e.tracks.ResetPoints()
	for k, p := range s.Points {
		if p.Track >= 0 {
			e.tracks.List[p.Track].Point = k
		}
	}

	for i := range demoted {
		c := &s.Cameras[i]
		c.State, c.Adjusted = Unregistered, false
		c.Failures++
		e.Log.Info("camera demoted", "image", i, "threshold", th)
		if e.Recorder != nil {
			if err := e.Recorder.RemoveCamera(e.RunID, i); err != nil {
				e.Log.Warn("remove camera record", "image", i, "error", err)
			}
		}
		if i == e.gauge {
			if reg := s.Registered(); len(reg) > 0 {
				e.gauge = reg[0]
			}
		}
	}
	if droppedViews > 0 || before != len(s.Points) || len(demoted) > 0 {
		e.Log.Debug("outliers removed", "views", droppedViews, "points", before-len(s.Points),
			"cameras", len(demoted), "threshold", th)
	}
}
