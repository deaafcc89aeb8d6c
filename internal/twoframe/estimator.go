package twoframe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"bundler/internal/bundle"
	"bundler/internal/config"
	"bundler/internal/geometry"
	"bundler/internal/keys"
	"bundler/internal/matches"
)

// ErrTooFewInliers is returned when a pair does not keep enough matches or
// points through estimation.
var ErrTooFewInliers = errors.New("too few inliers")

// PairEstimator builds the two-view model of a pair.
type PairEstimator interface {
	Bundle(ctx context.Context, i, j int) (*Model, error)
}

// Options configures an Estimator.
type Options struct {
	MinMatches        int     // pairs with fewer matches are rejected outright
	MinPoints         int     // points that must survive triangulation
	FMatrixRounds     int
	FMatrixThreshold  float64 // pixels
	RayAngleThreshold float64 // degrees
	MaxError          float64 // reprojection bound for kept points, pixels
	MaxDepthRatio     float64 // scene depth over baseline above which the pair is degenerate
	InitFocal         float64 // used when an image has no focal estimate
	AdjustFocal       bool
	Seed              int64
}

// DefaultOptions mirrors the pipeline defaults.
func DefaultOptions() Options {
	return Options{
		MinMatches:        MinModelPoints,
		MinPoints:         MinModelPoints,
		FMatrixRounds:     2048,
		FMatrixThreshold:  9,
		RayAngleThreshold: 2,
		MaxError:          16,
		MaxDepthRatio:     1000,
		InitFocal:         532,
		Seed:              1,
	}
}

// OptionsFrom maps the two_frame config section onto estimator options.
func OptionsFrom(c config.TwoFrame, rayAngle float64) Options {
	o := DefaultOptions()
	o.MinMatches, o.MinPoints = c.MinMatches, c.MinPoints
	o.FMatrixRounds, o.FMatrixThreshold = c.FMatrixRounds, c.FMatrixThreshold
	o.MaxError, o.MaxDepthRatio = c.MaxError, c.MaxDepthRatio
	o.InitFocal, o.AdjustFocal, o.Seed = c.InitFocalLength, c.AdjustFocal, c.Seed
	if rayAngle > 0 {
		o.RayAngleThreshold = rayAngle
	}
	return o
}

// Estimator runs two-frame reconstruction over a match table.
type Estimator struct {
	Table    *matches.Table
	Keys     *keys.Store
	Adjuster bundle.Adjuster
	Opts     Options
	Log      *slog.Logger
}

// NewEstimator wires an estimator with the LM adjuster.
func NewEstimator(table *matches.Table, store *keys.Store, opts Options, log *slog.Logger) *Estimator {
	if log == nil {
		log = slog.Default()
	}
	return &Estimator{Table: table, Keys: store, Adjuster: &bundle.LMAdjuster{}, Opts: opts, Log: log}
}

func (e *Estimator) focal(i int) float64 {
	im := e.Keys.Image(i)
	if im.HasInitFocal && im.InitFocal > 0 {
		return im.InitFocal
	}
	return e.Opts.InitFocal
}

// Bundle estimates the relative pose of images i and j, triangulates their
// matches and refines the result with camera A held fixed. Side A belongs
// to min(i, j). Camera A sits at the origin and the baseline has unit
// length.
func (e *Estimator) Bundle(ctx context.Context, i, j int) (*Model, error) {
	idx := matches.GetMatchIndex(i, j)
	list := e.Table.Matches(idx.I, idx.J)
	if len(list) < e.Opts.MinMatches {
		return nil, fmt.Errorf("pair %d-%d has %d matches: %w", idx.I, idx.J, len(list), ErrTooFewInliers)
	}

	k1, release1, err := e.Keys.Acquire(idx.I)
	if err != nil {
		return nil, err
	}
	defer release1()
	k2, release2, err := e.Keys.Acquire(idx.J)
	if err != nil {
		return nil, err
	}
	defer release2()

	corrs := make([]geometry.Correspondence, len(list))
	for k, m := range list {
		if m.Idx1 < 0 || m.Idx1 >= len(k1) || m.Idx2 < 0 || m.Idx2 >= len(k2) {
			return nil, fmt.Errorf("pair %d-%d: match %d references a missing keypoint", idx.I, idx.J, k)
		}
		corrs[k] = geometry.Correspondence{P1: k1[m.Idx1].Pos, P2: k2[m.Idx2].Pos}
	}

	opts := geometry.RANSACOptions{
		Rounds:     e.Opts.FMatrixRounds,
		Threshold:  e.Opts.FMatrixThreshold,
		MinInliers: e.Opts.MinPoints,
		Rand:       rand.New(rand.NewSource(e.Opts.Seed + int64(idx.I)*7919 + int64(idx.J))),
	}
	F, inliers, err := geometry.EstimateFundamental(corrs, opts)
	if err != nil {
		return nil, fmt.Errorf("pair %d-%d: fundamental matrix: %w", idx.I, idx.J, err)
	}
	if len(inliers) < e.Opts.MinPoints {
		return nil, fmt.Errorf("pair %d-%d has %d F inliers: %w", idx.I, idx.J, len(inliers), ErrTooFewInliers)
	}

	f1, f2 := e.focal(idx.I), e.focal(idx.J)
	E, err := geometry.EssentialFromFundamental(F, f1, f2)
	if err != nil {
		return nil, fmt.Errorf("pair %d-%d: %w", idx.I, idx.J, err)
	}
	inlierCorrs := make([]geometry.Correspondence, len(inliers))
	for k, in := range inliers {
		inlierCorrs[k] = corrs[in]
	}
	camB, _, err := geometry.RelativePose(E, f1, f2, inlierCorrs)
	if err != nil {
		return nil, fmt.Errorf("pair %d-%d: %w", idx.I, idx.J, err)
	}
	camA := geometry.NewCamera(f1)

	var pts []r3.Vector
	var used []int
	for _, in := range inliers {
		c := corrs[in]
		X, _, err := geometry.TriangulateChecked([]geometry.View{{Camera: camA, Point: c.P1}, {Camera: camB, Point: c.P2}},
			e.Opts.RayAngleThreshold, e.Opts.MaxError)
		if err != nil {
			continue
		}
		pts = append(pts, X)
		used = append(used, in)
	}
	if len(pts) < e.Opts.MinPoints {
		return nil, fmt.Errorf("pair %d-%d kept %d points: %w", idx.I, idx.J, len(pts), ErrTooFewInliers)
	}

	camA, camB, pts, used, err = e.refine(ctx, camA, camB, pts, used, corrs)
	if err != nil {
		return nil, fmt.Errorf("pair %d-%d: %w", idx.I, idx.J, err)
	}
	if len(pts) < e.Opts.MinPoints {
		return nil, fmt.Errorf("pair %d-%d kept %d points after refinement: %w", idx.I, idx.J, len(pts), ErrTooFewInliers)
	}

	m := NewModel()
	m.Points = pts
	m.A.Camera, m.B.Camera = camA, camB
	m.Keys1, m.Keys2 = make([]int, len(used)), make([]int, len(used))
	obsA, obsB := make([]r2.Point, len(used)), make([]r2.Point, len(used))
	for k, in := range used {
		m.Keys1[k], m.Keys2[k] = list[in].Idx1, list[in].Idx2
		obsA[k], obsB[k] = corrs[in].P1, corrs[in].P2
	}

	if ratio := m.AverageDistanceToPoints() / m.Baseline(); !(ratio < e.Opts.MaxDepthRatio) {
		return nil, fmt.Errorf("pair %d-%d: baseline too short (depth ratio %.1f): %w", idx.I, idx.J, ratio, geometry.ErrDegenerate)
	}

	var ok bool
	if m.A.Cov, ok = bundle.CameraCovariance(camA, pts, obsA); !ok {
		return nil, fmt.Errorf("pair %d-%d: singular covariance A: %w", idx.I, idx.J, geometry.ErrDegenerate)
	}
	if m.B.Cov, ok = bundle.CameraCovariance(camB, pts, obsB); !ok {
		return nil, fmt.Errorf("pair %d-%d: singular covariance B: %w", idx.I, idx.J, geometry.ErrDegenerate)
	}

	m.Angle = geometry.Deg(geometry.RotationAngle(m.RelativeRotation()))
	sum := 0.0
	for k, X := range pts {
		sum += camA.ReprojectionError(X, obsA[k]) + camB.ReprojectionError(X, obsB[k])
	}
	m.Error = sum / float64(2*len(pts))
	if !m.Valid() {
		return nil, fmt.Errorf("pair %d-%d: angle %v error %v traces %v/%v: %w",
			idx.I, idx.J, m.Angle, m.Error, m.ComputeTrace(A), m.ComputeTrace(B), geometry.ErrDegenerate)
	}
	return m, nil
}

// refine bundles the pair with camera A fixed, rescales to a unit baseline
// and drops points that end up behind a camera or beyond MaxError.
func (e *Estimator) refine(ctx context.Context, camA, camB geometry.Camera, pts []r3.Vector, used []int,
	corrs []geometry.Correspondence) (geometry.Camera, geometry.Camera, []r3.Vector, []int, error) {

	p := &bundle.Problem{
		Cameras:      []geometry.Camera{camA, camB},
		Points:       pts,
		FixedCameras: []bool{true, false},
		AdjustFocal:  e.Opts.AdjustFocal,
	}
	for k, in := range used {
		p.Observations = append(p.Observations,
			bundle.Observation{Camera: 0, Point: k, P: corrs[in].P1},
			bundle.Observation{Camera: 1, Point: k, P: corrs[in].P2})
	}
	sol, err := e.Adjuster.Adjust(ctx, p)
	switch {
	case errors.Is(err, bundle.ErrNotConverged):
		sol = bundle.Solution{Cameras: p.Cameras, Points: p.Points}
	case err != nil:
		return camA, camB, nil, nil, err
	}
	camA, camB, pts = sol.Cameras[0], sol.Cameras[1], sol.Points

	base := camB.C.Sub(camA.C).Norm()
	if base < 1e-12 || math.IsNaN(base) {
		return camA, camB, nil, nil, fmt.Errorf("zero baseline: %w", geometry.ErrDegenerate)
	}
	s := 1 / base
	camB.C = camA.C.Add(camB.C.Sub(camA.C).Mul(s))
	var keptPts []r3.Vector
	var keptUsed []int
	for k, X := range pts {
		X = camA.C.Add(X.Sub(camA.C).Mul(s))
		c := corrs[used[k]]
		if camA.ReprojectionError(X, c.P1) > e.Opts.MaxError || camB.ReprojectionError(X, c.P2) > e.Opts.MaxError {
			continue
		}
		keptPts = append(keptPts, X)
		keptUsed = append(keptUsed, used[k])
	}
	return camA, camB, keptPts, keptUsed, nil
}
