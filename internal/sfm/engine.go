package sfm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/golang/geo/r2"

	"bundler/internal/bundle"
	"bundler/internal/config"
	"bundler/internal/geometry"
	"bundler/internal/keys"
	"bundler/internal/logging"
	"bundler/internal/matches"
	"bundler/internal/modelmap"
	"bundler/internal/storage"
	"bundler/internal/twoframe"
)

// ErrNoSeed is returned when none of the ranked seed pairs could be
// reconstructed.
var ErrNoSeed = errors.New("no initial pair could be reconstructed")

// errRejected marks a registration attempt that failed its checks; the
// image stays unregistered and may be retried.
var errRejected = errors.New("registration rejected")

// errDemoted is a rejection whose failure removeOutliers already counted.
var errDemoted = fmt.Errorf("%w: camera lost its points after adjustment", errRejected)

// maxSeedAttempts bounds how many ranked pairs are tried as seed.
const maxSeedAttempts = 10

// Recorder persists registered cameras. *storage.Store satisfies it,
// including as a nil pointer.
type Recorder interface {
	RecordCamera(c storage.CameraRecord) error
	RemoveCamera(runID string, image int) error
}

// Round summarises one pass of the registration loop.
type Round struct {
	Round      int
	Image      int // −1 when no camera was added
	Registered int
	Points     int
	Threshold  float64
	MeanError  float64
	Duration   time.Duration
}

// Result is the outcome of Run or Rerun.
type Result struct {
	Scene   *Scene
	Seed    matches.MatchIndex
	Rounds  []Round
	Skipped []int
}

// Engine runs incremental registration. Construct it with NewEngine and
// replace collaborators as needed before calling Run.
type Engine struct {
	Table      *matches.Table
	Keys       *keys.Store
	Models     *modelmap.ModelMap // optional source of seed models and connectivity
	Pair       twoframe.PairEstimator
	Pose       PoseEstimator
	Adjuster   bundle.Adjuster
	Threshold  ThresholdPolicy
	Homography geometry.HomographyEstimator
	Recorder   Recorder
	Exclude    map[int]int // near-duplicate image -> parent; never registered
	RunID      string
	Opts       config.Options
	Log        *slog.Logger
	OnRound    func(Round)

	scene     *Scene
	tracks    *Tracks
	gauge     int
	stalled   int
	sinceFull int
	rounds    []Round
}

// NewEngine wires the default collaborators from opts.
func NewEngine(table *matches.Table, store *keys.Store, models *modelmap.ModelMap, opts config.Options, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	adj, err := bundle.New(opts.Bundle.Solver, opts.Bundle.MaxIterations)
	if err != nil {
		return nil, err
	}
	reg := opts.Registration
	pair := twoframe.NewEstimator(table, store, twoframe.OptionsFrom(opts.TwoFrame, reg.RayAngleThreshold), log)
	pair.Adjuster = adj
	return &Engine{
		Table:    table,
		Keys:     store,
		Models:   models,
		Pair:     pair,
		Adjuster: adj,
		Pose: RANSACPose{
			Threshold:  reg.ProjectionEstimationThreshold,
			MinInliers: reg.MinMaxMatches,
			Seed:       reg.Seed,
		},
		Threshold:  AdaptiveThreshold{Min: reg.MinProjErrorThreshold, Max: reg.MaxProjErrorThreshold},
		Homography: geometry.DefaultHomographyEstimator,
		Opts:       opts,
		Log:        log,
	}, nil
}

// Scene returns the reconstruction being built.
func (e *Engine) Scene() *Scene { return e.scene }

// Run reconstructs from scratch: it chains tracks, seeds from the best
// initial pair and registers cameras until none qualifies.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	reg := e.Opts.Registration
	e.scene = NewScene(e.Keys.Images(), e.Opts.TwoFrame.InitFocalLength)
	e.tracks = ComputeTracks(e.Table, e.scene.NumImages(), reg.MinTrackViews, reg.MaxTrackViews, e.excluded)
	e.Log.Info("tracks computed", "tracks", len(e.tracks.List), "images", e.scene.NumImages(),
		"excluded", len(e.Exclude))
	e.rounds, e.stalled, e.sinceFull = nil, 0, 0

	cands, err := InitialPairs(e.tracks, e.Keys, e.Homography, reg, e.Log)
	if err != nil {
		return nil, err
	}
	seed, err := e.seed(ctx, cands)
	if err != nil {
		return nil, err
	}
	if err := e.loop(ctx); err != nil {
		return nil, err
	}
	return e.finish(ctx, seed)
}

func (e *Engine) seed(ctx context.Context, cands []SeedCandidate) (matches.MatchIndex, error) {
	for k, c := range cands {
		if k >= maxSeedAttempts {
			break
		}
		m, err := e.seedModel(ctx, c.Pair)
		if err != nil {
			e.Log.Info("seed pair rejected", "i", c.Pair.I, "j", c.Pair.J, "error", err)
			continue
		}
		if e.initialise(ctx, c.Pair, m) {
			e.Log.Info("seed pair registered", "i", c.Pair.I, "j", c.Pair.J,
				"shared", c.Matches, "homography_fraction", c.HomographyFraction, "points", len(e.scene.Points))
			return c.Pair, nil
		}
		e.Log.Info("seed pair produced too few points", "i", c.Pair.I, "j", c.Pair.J)
	}
	return matches.MatchIndex{}, ErrNoSeed
}

func (e *Engine) seedModel(ctx context.Context, idx matches.MatchIndex) (*twoframe.Model, error) {
	if e.Models != nil {
		if m, ok := e.Models.GetModel(idx.I, idx.J); ok {
			return m, nil
		}
	}
	return e.Pair.Bundle(ctx, idx.I, idx.J)
}

// initialise registers the seed cameras from the model and triangulates
// their shared tracks. On failure the scene is left empty.
func (e *Engine) initialise(ctx context.Context, idx matches.MatchIndex, m *twoframe.Model) bool {
	a, b := &e.scene.Cameras[idx.I], &e.scene.Cameras[idx.J]
	a.Camera, b.Camera = m.A.Camera, m.B.Camera
	a.State, b.State = Registered, Registered
	a.Adjusted, b.Adjusted = true, true
	e.gauge = idx.I

	th := e.threshold()
	if err := e.triangulate(th); err != nil {
		e.Log.Warn("seed triangulation", "error", err)
	}
	if len(e.scene.Points) >= max(e.Opts.Registration.MinCameraPoints, 1) {
		if err := e.adjust(ctx, -1); err == nil {
			e.removeOutliers(e.threshold())
			if e.scene.Cameras[idx.I].State == Registered && e.scene.Cameras[idx.J].State == Registered {
				e.record(idx.I)
				e.record(idx.J)
				return true
			}
		}
	}
	e.reset()
	return false
}

func (e *Engine) reset() {
	images := e.scene.Images
	e.scene = NewScene(images, e.Opts.TwoFrame.InitFocalLength)
	e.tracks.ResetPoints()
}

// loop registers one camera per round until no candidate remains.
func (e *Engine) loop(ctx context.Context) error {
	reg := e.Opts.Registration
	attempts := max(reg.MaxRegistrationAttempts, 1)
	for round := len(e.rounds) + 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if reg.MaxCameras > 0 && e.scene.NumRegistered() >= reg.MaxCameras {
			e.Log.Info("camera limit reached", "limit", reg.MaxCameras)
			return nil
		}
		start := time.Now()
		th := e.threshold()
		cands := e.promote()
		if len(cands) == 0 {
			return nil
		}

		added := -1
		for _, c := range cands {
			err := e.register(ctx, c, th)
			logging.LogRegistration(e.Log, c.image, len(c.corrs), c.inliers, th, err)
			if err == nil {
				added = c.image
				break
			}
			if !errors.Is(err, errRejected) {
				return err
			}
			e.noteFailure(c.image, err, attempts)
		}
		for _, c := range cands {
			if cam := &e.scene.Cameras[c.image]; cam.State == Candidate {
				cam.State = Unregistered
			}
		}

		if added < 0 {
			e.stalled++
		} else {
			e.stalled = 0
		}
		r := Round{
			Round:      round,
			Image:      added,
			Registered: e.scene.NumRegistered(),
			Points:     len(e.scene.Points),
			Threshold:  th,
			MeanError:  e.scene.MeanReprojectionError(),
			Duration:   time.Since(start),
		}
		e.rounds = append(e.rounds, r)
		if e.OnRound != nil {
			e.OnRound(r)
		}
	}
}

// noteFailure counts a rejected attempt on image i and skips the image
// once it reaches attempts. Demotions were counted by removeOutliers.
func (e *Engine) noteFailure(i int, err error, attempts int) {
	cam := &e.scene.Cameras[i]
	if !errors.Is(err, errDemoted) {
		cam.Failures++
	}
	if cam.Failures >= attempts {
		cam.Skipped = true
		e.Log.Info("image skipped after repeated failures", "image", i, "failures", cam.Failures)
	}
}

type candidate struct {
	image     int
	corrs     []geometry.PointCorrespondence
	keys      []int // keypoint of each correspondence
	points    []int // scene point of each correspondence
	neighbors int
	inliers   int
}

// promote marks every eligible image with enough 2D-3D correspondences as
// a candidate and returns them best first.
func (e *Engine) promote() []*candidate {
	need := max(e.Opts.Registration.MinMaxMatches, 1)
	var out []*candidate
	for i := range e.scene.Cameras {
		cam := &e.scene.Cameras[i]
		if cam.State != Unregistered || cam.Skipped || e.excluded(i) {
			continue
		}
		c, err := e.correspondences(i)
		if err != nil {
			e.Log.Warn("correspondences", "image", i, "error", err)
			continue
		}
		if len(c.corrs) < need {
			continue
		}
		c.neighbors = e.registeredNeighbors(i)
		cam.State = Candidate
		out = append(out, c)
	}
	rankCandidates(out, e.Opts.Registration.ConstructMaxConnectivity)
	return out
}

// rankCandidates orders candidates by correspondence count, or first by
// registered neighbours when maxConn is set. Ties go to the lower image.
func rankCandidates(cands []*candidate, maxConn bool) {
	sort.SliceStable(cands, func(a, b int) bool {
		if maxConn && cands[a].neighbors != cands[b].neighbors {
			return cands[a].neighbors > cands[b].neighbors
		}
		if len(cands[a].corrs) != len(cands[b].corrs) {
			return len(cands[a].corrs) > len(cands[b].corrs)
		}
		return cands[a].image < cands[b].image
	})
}

// correspondences collects the keypoints of image i whose track already
// has a point.
func (e *Engine) correspondences(i int) (*candidate, error) {
	c := &candidate{image: i}
	if len(e.tracks.KeyTrack[i]) == 0 {
		return c, nil
	}
	kps, release, err := e.Keys.Acquire(i)
	if err != nil {
		return nil, err
	}
	defer release()
	keysOf := make([]int, 0, len(e.tracks.KeyTrack[i]))
	for key := range e.tracks.KeyTrack[i] {
		keysOf = append(keysOf, key)
	}
	sort.Ints(keysOf)
	for _, key := range keysOf {
		p := e.tracks.List[e.tracks.KeyTrack[i][key]].Point
		if p < 0 || key >= len(kps) {
			continue
		}
		c.corrs = append(c.corrs, geometry.PointCorrespondence{X: e.scene.Points[p].Pos, P: kps[key].Pos})
		c.keys = append(c.keys, key)
		c.points = append(c.points, p)
	}
	return c, nil
}

func (e *Engine) registeredNeighbors(i int) int {
	var nbrs []int
	if e.Models != nil {
		nbrs = e.Models.Neighbors(i)
	} else {
		nbrs = e.Table.Neighbors(i)
	}
	n := 0
	for _, j := range nbrs {
		if j < len(e.scene.Cameras) && e.scene.Cameras[j].State == Registered {
			n++
		}
	}
	return n
}

// register estimates the candidate's pose and, when it passes every test,
// adds it to the scene and refines.
func (e *Engine) register(ctx context.Context, c *candidate, th float64) error {
	reg := e.Opts.Registration
	cam := e.scene.Cameras[c.image].Camera
	adjustFocal := !reg.FixedFocal && !(reg.UseFocalEstimate && e.scene.Images[c.image].HasInitFocal)
	est, inliers, err := e.Pose.EstimatePose(c.corrs, cam.Focal, adjustFocal)
	c.inliers = len(inliers)
	if err != nil {
		return fmt.Errorf("%w: pose: %w", errRejected, err)
	}
	if len(inliers) < reg.MinMaxMatches {
		return fmt.Errorf("%w: %d inliers, need %d", errRejected, len(inliers), reg.MinMaxMatches)
	}
	sum := 0.0
	for _, k := range inliers {
		sum += est.ReprojectionError(c.corrs[k].X, c.corrs[k].P)
	}
	if mean := sum / float64(len(inliers)); !(mean < th) {
		return fmt.Errorf("%w: mean error %.2f above %.2f", errRejected, mean, th)
	}
	est.K1, est.K2 = cam.K1, cam.K2

	// accepted: commit
	sc := &e.scene.Cameras[c.image]
	sc.Camera = est
	sc.State, sc.Adjusted = Registered, true
	for _, k := range inliers {
		p := &e.scene.Points[c.points[k]]
		p.Views = append(p.Views, View{Image: c.image, Key: c.keys[k], P: c.corrs[k].P})
	}
	if err := e.triangulate(th); err != nil {
		e.Log.Warn("triangulation", "image", c.image, "error", err)
	}

	target := -1
	if e.localAdjust() {
		target = c.image
	}
	if err := e.adjust(ctx, target); err != nil {
		return err
	}
	e.removeOutliers(e.threshold())
	if e.scene.Cameras[c.image].State != Registered {
		return fmt.Errorf("image %d: %w", c.image, errDemoted)
	}
	e.record(c.image)
	return nil
}

// localAdjust advances the full-adjustment counter and reports whether
// the camera just added is refined alone. Every FullBundleInterval-th
// addition gets a full adjustment.
func (e *Engine) localAdjust() bool {
	reg := e.Opts.Registration
	e.sinceFull++
	return reg.FastBundle && (reg.FullBundleInterval <= 0 || e.sinceFull%reg.FullBundleInterval != 0)
}

// excluded reports whether image i is ignored or depends on another image.
func (e *Engine) excluded(i int) bool {
	if _, ok := e.Exclude[i]; ok {
		return true
	}
	return i < len(e.scene.Images) && e.scene.Images[i].Ignore
}

func (e *Engine) threshold() float64 {
	total := 0
	for i, c := range e.scene.Cameras {
		if !c.Skipped && !e.excluded(i) {
			total++
		}
	}
	return e.Threshold.Threshold(ThresholdState{
		Registered: e.scene.NumRegistered(),
		Total:      total,
		Stalled:    e.stalled,
	})
}

func (e *Engine) record(i int) {
	if e.Recorder == nil {
		return
	}
	c := e.scene.Cameras[i]
	counts := e.scene.PointCounts()
	err := e.Recorder.RecordCamera(storage.CameraRecord{
		RunID:  e.RunID,
		Image:  i,
		Name:   e.scene.Images[i].Name,
		Focal:  c.Focal,
		K1:     c.K1,
		K2:     c.K2,
		Points: counts[i],
		Round:  len(e.rounds) + 1,
	})
	if err != nil {
		e.Log.Warn("record camera", "image", i, "error", err)
	}
}

// finish runs a last full adjustment, colours the points and checks the
// scene.
func (e *Engine) finish(ctx context.Context, seed matches.MatchIndex) (*Result, error) {
	if err := e.adjust(ctx, -1); err != nil {
		return nil, err
	}
	e.removeOutliers(e.threshold())
	e.colorPoints()
	if err := e.scene.Check(); err != nil {
		return nil, fmt.Errorf("reconstruction invariant: %w", err)
	}
	res := &Result{Scene: e.scene, Seed: seed, Rounds: e.rounds}
	for i, c := range e.scene.Cameras {
		if c.Skipped {
			res.Skipped = append(res.Skipped, i)
		}
	}
	e.Log.Info("reconstruction finished", "registered", e.scene.NumRegistered(),
		"points", len(e.scene.Points), "mean_error", e.scene.MeanReprojectionError())
	return res, nil
}

// colorPoints samples each point's colour in the first image that sees it.
func (e *Engine) colorPoints() {
	byImage := make(map[int][]int)
	for k, p := range e.scene.Points {
		if len(p.Views) > 0 {
			byImage[p.Views[0].Image] = append(byImage[p.Views[0].Image], k)
		}
	}
	for img, pts := range byImage {
		pos := make([]r2.Point, len(pts))
		for n, k := range pts {
			pos[n] = e.scene.Points[k].Views[0].P
		}
		cols, err := e.Keys.Colors(img, pos)
		if err != nil {
			e.Log.Debug("point colours unavailable", "image", img, "error", err)
			continue
		}
		for n, k := range pts {
			e.scene.Points[k].Color = cols[n]
		}
	}
}
