package sfm

import (
	"context"
	"fmt"

	"github.com/golang/geo/r3"

	"bundler/internal/geometry"
	"bundler/internal/matches"
)

// Rerun continues from a loaded reconstruction. Adjusted cameras start
// registered, loaded points are tied back to tracks through their views,
// and after a full adjustment the loop registers the remaining images.
// The result is expressed in the loaded scene's coordinate frame.
func (e *Engine) Rerun(ctx context.Context, scene *Scene) (*Result, error) {
	if scene.NumImages() != e.Keys.NumImages() {
		return nil, fmt.Errorf("bundle has %d cameras, image list has %d", scene.NumImages(), e.Keys.NumImages())
	}
	reg := e.Opts.Registration
	e.scene = scene
	e.scene.Images = e.Keys.Images()
	e.tracks = ComputeTracks(e.Table, scene.NumImages(), reg.MinTrackViews, reg.MaxTrackViews, e.excluded)
	e.rounds, e.stalled, e.sinceFull = nil, 0, 0

	var (
		anchors []int
		before  []r3.Vector
	)
	for i := range scene.Cameras {
		c := &scene.Cameras[i]
		if c.Adjusted {
			c.State = Registered
			anchors = append(anchors, i)
			before = append(before, c.C)
		} else {
			c.State = Unregistered
			if c.Focal <= 0 {
				c.Focal = e.Opts.TwoFrame.InitFocalLength
				if im := scene.Images[i]; im.HasInitFocal && im.InitFocal > 0 {
					c.Focal = im.InitFocal
				}
			}
		}
	}
	if len(anchors) < 2 {
		return nil, fmt.Errorf("bundle has %d adjusted cameras, need 2", len(anchors))
	}
	e.gauge = anchors[0]
	e.associate()
	e.Log.Info("resuming reconstruction", "registered", len(anchors), "points", len(scene.Points),
		"tracks", len(e.tracks.List))

	if err := e.adjust(ctx, -1); err != nil {
		return nil, err
	}
	e.removeOutliers(e.threshold())
	if err := e.loop(ctx); err != nil {
		return nil, err
	}
	res, err := e.finish(ctx, matches.GetMatchIndex(anchors[0], anchors[1]))
	if err != nil {
		return nil, err
	}
	e.realign(anchors, before)
	return res, nil
}

// associate ties each loaded point to the track most of its views agree
// on.
func (e *Engine) associate() {
	e.tracks.ResetPoints()
	tied := 0
	for k := range e.scene.Points {
		p := &e.scene.Points[k]
		p.Track = -1
		kept := p.Views[:0]
		for _, v := range p.Views {
			if v.Image >= 0 && v.Image < len(e.scene.Cameras) && e.scene.Cameras[v.Image].State == Registered {
				kept = append(kept, v)
			}
		}
		p.Views = kept
		votes := make(map[int]int)
		for _, v := range p.Views {
			if t, ok := e.tracks.TrackOf(v.Image, v.Key); ok {
				votes[t]++
			}
		}
		best, bestVotes := -1, 0
		for t, n := range votes {
			if n > bestVotes || (n == bestVotes && t < best) {
				best, bestVotes = t, n
			}
		}
		if best >= 0 && e.tracks.List[best].Point < 0 {
			p.Track = best
			e.tracks.List[best].Point = k
			tied++
		}
	}
	e.Log.Debug("points tied to tracks", "tied", tied, "points", len(e.scene.Points))
}

// realign maps the scene back onto the loaded camera centres.
func (e *Engine) realign(anchors []int, before []r3.Vector) {
	var src, dst []r3.Vector
	for n, i := range anchors {
		if e.scene.Cameras[i].State == Registered {
			src = append(src, e.scene.Cameras[i].C)
			dst = append(dst, before[n])
		}
	}
	sim, err := geometry.AlignPoints(src, dst, true)
	if err != nil || sim.S <= 0 {
		e.Log.Debug("scene not realigned", "anchors", len(src), "error", err)
		return
	}
	for i := range e.scene.Cameras {
		if e.scene.Cameras[i].State == Registered {
			e.scene.Cameras[i].Camera = sim.ApplyCamera(e.scene.Cameras[i].Camera)
		}
	}
	for k := range e.scene.Points {
		e.scene.Points[k].Pos = sim.Apply(e.scene.Points[k].Pos)
	}
}
