// Package report draws charts summarising a reconstruction run.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"bundler/internal/sfm"
)

const (
	ProgressFile    = "registration.png"
	CameraErrorFile = "camera_error.png"
	ThresholdFile   = "threshold.png"
)

var size = 15 * vg.Centimeter

// ErrNoData is returned when there is nothing to draw.
var ErrNoData = errors.New("no data to plot")

// Write draws every chart for res into dir and returns the files written.
func Write(dir string, res *sfm.Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	var files []string
	steps := []struct {
		name string
		draw func(string) error
	}{
		{ProgressFile, func(p string) error { return Progress(p, res.Rounds) }},
		{ThresholdFile, func(p string) error { return Thresholds(p, res.Rounds) }},
		{CameraErrorFile, func(p string) error { return CameraErrors(p, res.Scene) }},
	}
	for _, s := range steps {
		path := filepath.Join(dir, s.name)
		err := s.draw(path)
		if errors.Is(err, ErrNoData) {
			continue
		}
		if err != nil {
			return files, err
		}
		files = append(files, path)
	}
	return files, nil
}

// Progress plots registered cameras and triangulated points per round.
// Points are drawn on a scale of hundreds so both lines share an axis.
func Progress(path string, rounds []sfm.Round) error {
	if len(rounds) == 0 {
		return ErrNoData
	}
	cams := make(plotter.XYs, len(rounds))
	pts := make(plotter.XYs, len(rounds))
	for k, r := range rounds {
		cams[k] = plotter.XY{X: float64(r.Round), Y: float64(r.Registered)}
		pts[k] = plotter.XY{X: float64(r.Round), Y: float64(r.Points) / 100}
	}
	return plotToFile(path, "Registration progress", "round", "count", func(p *plot.Plot) error {
		return plotutil.AddLinePoints(p, "cameras", cams, "points (x100)", pts)
	})
}

// Thresholds plots the outlier threshold and the mean reprojection error
// per round.
func Thresholds(path string, rounds []sfm.Round) error {
	if len(rounds) == 0 {
		return ErrNoData
	}
	th := make(plotter.XYs, len(rounds))
	errs := make(plotter.XYs, len(rounds))
	for k, r := range rounds {
		th[k] = plotter.XY{X: float64(r.Round), Y: r.Threshold}
		errs[k] = plotter.XY{X: float64(r.Round), Y: r.MeanError}
	}
	return plotToFile(path, "Reprojection error", "round", "pixels", func(p *plot.Plot) error {
		return plotutil.AddLines(p, "threshold", th, "mean error", errs)
	})
}

// CameraErrors draws one bar per registered camera with its mean
// reprojection error.
func CameraErrors(path string, s *sfm.Scene) error {
	if s == nil {
		return ErrNoData
	}
	sums := make([]float64, len(s.Cameras))
	counts := make([]int, len(s.Cameras))
	for _, p := range s.Points {
		for _, v := range p.Views {
			sums[v.Image] += s.Cameras[v.Image].ReprojectionError(p.Pos, v.P)
			counts[v.Image]++
		}
	}
	var (
		values plotter.Values
		labels []string
	)
	for i, n := range counts {
		if n == 0 {
			continue
		}
		values = append(values, sums[i]/float64(n))
		labels = append(labels, fmt.Sprint(i))
	}
	if len(values) == 0 {
		return ErrNoData
	}
	return plotToFile(path, "Mean error per camera", "image", "pixels", func(p *plot.Plot) error {
		bars, err := plotter.NewBarChart(values, vg.Points(8))
		if err != nil {
			return err
		}
		bars.Color = plotutil.Color(0)
		p.Add(bars)
		p.NominalX(labels...)
		return nil
	})
}

func plotToFile(path, title, xTitle, yTitle string, draw func(*plot.Plot) error) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xTitle
	p.Y.Label.Text = yTitle
	if err := draw(p); err != nil {
		return fmt.Errorf("could not draw plot contents: %w", err)
	}
	if err := p.Save(size, size, path); err != nil {
		return fmt.Errorf("could not save plot: %w", err)
	}
	return nil
}
