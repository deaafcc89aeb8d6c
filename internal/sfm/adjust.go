package sfm

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/geo/r3"

	"bundler/internal/bundle"
	"bundler/internal/geometry"
)

// adjust refines the scene. With target ≥ 0 only that camera and the
// points it sees move; otherwise every registered camera except the gauge
// camera and every point move. A solve that does not converge leaves the
// scene untouched.
func (e *Engine) adjust(ctx context.Context, target int) error {
	s := e.scene
	reg := s.Registered()
	if len(reg) == 0 || len(s.Points) == 0 {
		return nil
	}
	camIdx := make(map[int]int, len(reg))
	prob := &bundle.Problem{
		AdjustFocal:      !e.Opts.Registration.FixedFocal,
		AdjustDistortion: e.Opts.Registration.EstimateDistortion,
	}
	for _, i := range reg {
		camIdx[i] = len(prob.Cameras)
		prob.Cameras = append(prob.Cameras, s.Cameras[i].Camera)
		fixed := i == e.gauge
		if target >= 0 {
			fixed = i != target
		}
		prob.FixedCameras = append(prob.FixedCameras, fixed)
	}

	var ptIdx []int
	for k, p := range s.Points {
		if target >= 0 && !observes(p, target) {
			continue
		}
		n := len(prob.Points)
		ptIdx = append(ptIdx, k)
		prob.Points = append(prob.Points, p.Pos)
		for _, v := range p.Views {
			ci, ok := camIdx[v.Image]
			if !ok {
				return fmt.Errorf("point %d observed by unregistered image %d", k, v.Image)
			}
			prob.Observations = append(prob.Observations, bundle.Observation{Camera: ci, Point: n, P: v.P})
		}
	}
	if len(prob.Observations) == 0 {
		return nil
	}

	sol, err := e.Adjuster.Adjust(ctx, prob)
	if errors.Is(err, bundle.ErrNotConverged) {
		e.Log.Debug("bundle adjustment did not converge", "cameras", len(reg), "points", len(ptIdx), "local", target >= 0)
		return nil
	}
	if err != nil {
		return fmt.Errorf("bundle adjust: %w", err)
	}
	e.commit(reg, sol.Cameras, ptIdx, sol.Points)
	e.Log.Debug("bundle adjusted", "cameras", len(reg), "points", len(ptIdx), "local", target >= 0,
		"iterations", sol.Iterations, "rms_before", rms(sol.InitialCost, len(prob.Observations)),
		"rms_after", sol.RMS(len(prob.Observations)))
	return nil
}

func (e *Engine) commit(reg []int, cams []geometry.Camera, ptIdx []int, pts []r3.Vector) {
	for n, i := range reg {
		e.scene.Cameras[i].Camera = cams[n]
	}
	for n, k := range ptIdx {
		e.scene.Points[k].Pos = pts[n]
	}
}

func observes(p Point, img int) bool {
	for _, v := range p.Views {
		if v.Image == img {
			return true
		}
	}
	return false
}

func rms(cost float64, n int) float64 {
	return bundle.Solution{FinalCost: cost}.RMS(n)
}
