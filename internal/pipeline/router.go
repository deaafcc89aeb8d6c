package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bundler/internal/bundle"
	"bundler/internal/bundleio"
	"bundler/internal/config"
	"bundler/internal/modelmap"
	"bundler/internal/pairwise"
	"bundler/internal/prune"
	"bundler/internal/report"
	"bundler/internal/sfm"
	"bundler/internal/storage"
	"bundler/internal/twoframe"
)

// Post-processing modes accepted in the "mode" option of a JobPostProcess.
const (
	ModeCompress   = "compress"
	ModeReposition = "reposition"
	ModePrune      = "prune"
	ModeRescale    = "rescale"
	ModeNoDistort  = "nodistort"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log   *slog.Logger
	store *storage.Store
	opts  config.Options
	load  loadFunc
}

func newRouter(logger *slog.Logger, store *storage.Store, opts config.Options) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{log: logger, store: store, opts: opts, load: loadWorkspace}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	opts, err := r.jobOptions(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	switch job.Type {
	case JobRun:
		return r.handleRun(ctx, job, opts)
	case JobRerun:
		return r.handleRerun(ctx, job, opts)
	case JobPairs:
		return r.handlePairs(ctx, job, opts)
	case JobTwists:
		return r.handleTwists(ctx, job, opts)
	case JobSpanner:
		return r.handleSpanner(ctx, job, opts)
	case JobPostProcess:
		return r.handlePostProcess(ctx, job, opts)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// jobOptions applies the per-job overrides to the configured options.
// Numbers may arrive as float64 when a job was decoded from JSON.
func (r *router) jobOptions(job Job) (config.Options, error) {
	opts := r.opts
	opts.Registration.InitialPair = append([]int(nil), r.opts.Registration.InitialPair...)
	if job.InputPath != "" {
		opts.Paths.ImageList = job.InputPath
	}
	if job.Output != "" {
		opts.Paths.OutputDir = job.Output
	}
	for key, dst := range map[string]*string{
		"bundle":     &opts.Paths.BundleFile,
		"models":     &opts.Paths.ModelsFile,
		"imageDir":   &opts.Paths.ImageDir,
		"keyDir":     &opts.Paths.KeyDir,
		"matchDir":   &opts.Paths.MatchDir,
		"matchTable": &opts.Paths.MatchTable,
		"ignoreFile": &opts.Paths.IgnoreFile,
		"outputFile": &opts.Paths.OutputFile,
	} {
		if v, ok := job.Options[key].(string); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := intsOption(job.Options["initialPair"]); ok && len(v) > 0 {
		if len(v) != 2 || v[0] == v[1] {
			return opts, fmt.Errorf("initial pair must name two different images, got %v", v)
		}
		opts.Registration.InitialPair = v
	}
	if v, ok := floatOption(job.Options["spannerT"]); ok && v > 0 {
		opts.Prune.SpannerT = v
	}
	if v, ok := floatOption(job.Options["maxCameras"]); ok && v > 0 {
		opts.Registration.MaxCameras = int(v)
	}
	if v, ok := job.Options["report"].(bool); ok {
		opts.Report.Enabled = v
	}
	return opts, nil
}

func floatOption(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func intsOption(v any) ([]int, bool) {
	switch l := v.(type) {
	case []int:
		return l, true
	case []any:
		out := make([]int, 0, len(l))
		for _, e := range l {
			f, ok := floatOption(e)
			if !ok {
				return nil, false
			}
			out = append(out, int(f))
		}
		return out, true
	}
	return nil, false
}

func (r *router) stage(job Job, name string, start time.Time, meta map[string]any) {
	if err := r.store.RecordStage(storage.StageRecord{
		RunID:    job.ID,
		Stage:    name,
		Duration: time.Since(start),
		Meta:     meta,
	}); err != nil {
		r.log.Warn("record stage", "stage", name, "error", err)
	}
}

func (r *router) handleRun(ctx context.Context, job Job, opts config.Options) Result {
	ws, err := r.load(ctx, opts, true, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	mm, pres, err := r.buildPairs(ctx, job, ws, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	pmeta, err := r.pruneModels(job, ws, mm, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	eng, err := r.engine(job, ws, mm, pres.Dependents, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	start := time.Now()
	res, err := eng.Run(ctx)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("reconstruct: %w", err)}
	}
	meta := resultMeta(res)
	r.stage(job, "register", start, meta)

	outputs, err := r.writeOutputs(res, opts)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["outputs"] = outputs
	meta["models"] = pres.Models
	meta["dependents"] = len(pres.Dependents)
	for k, v := range pmeta {
		meta[k] = v
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleRerun(ctx context.Context, job Job, opts config.Options) Result {
	ws, err := r.load(ctx, opts, true, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	path := bundlePath(opts)
	b, err := bundleio.ReadFile(path, ws.store.Images())
	if err != nil {
		return Result{Job: job, Error: err}
	}
	r.log.Info("bundle loaded", "file", path, "version", b.Version,
		"cameras", b.Scene.NumRegistered(), "points", len(b.Scene.Points))

	var deps map[int]int
	if opts.Paths.ModelsFile != "" {
		if deps, err = pairwise.ReadDependentsFile(pairwise.DependentsPath(opts.Paths.ModelsFile)); err != nil {
			return Result{Job: job, Error: err}
		}
	}
	eng, err := r.engine(job, ws, nil, deps, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	start := time.Now()
	res, err := eng.Rerun(ctx, b.Scene)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("rerun: %w", err)}
	}
	meta := resultMeta(res)
	meta["input_bundle"] = path
	r.stage(job, "rerun", start, meta)

	outputs, err := r.writeOutputs(res, opts)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["outputs"] = outputs
	return Result{Job: job, Meta: meta}
}

func (r *router) handlePairs(ctx context.Context, job Job, opts config.Options) Result {
	ws, err := r.load(ctx, opts, true, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if opts.Paths.ModelsFile == "" {
		opts.Paths.ModelsFile = filepath.Join(opts.Paths.OutputDir, "models.txt")
	}
	mm, pres, err := r.buildPairs(ctx, job, ws, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"models":      mm.Len(),
		"attempted":   pres.Attempted,
		"failed":      pres.Failed,
		"skipped":     pres.Skipped,
		"cached":      pres.Cached,
		"dependents":  len(pres.Dependents),
		"models_file": opts.Paths.ModelsFile,
	}
	pmeta, err := r.pruneModels(job, ws, mm, opts)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	for k, v := range pmeta {
		meta[k] = v
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleTwists(ctx context.Context, job Job, opts config.Options) Result {
	ws, err := r.load(ctx, opts, false, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	mm, err := r.readModels(opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts.Prune.Twists, opts.Prune.SpannerT = true, 0
	meta, err := r.pruneModels(job, ws, mm, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	out := filepath.Join(opts.Paths.OutputDir, "models.twists.txt")
	if err := writeModels(out, mm); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["models_file"] = out
	meta["models"] = mm.Len()
	return Result{Job: job, Meta: meta}
}

func (r *router) handleSpanner(ctx context.Context, job Job, opts config.Options) Result {
	if opts.Prune.SpannerT < 1 {
		return Result{Job: job, Error: fmt.Errorf("spanner stretch must be at least 1, got %v", opts.Prune.SpannerT)}
	}
	mm, err := r.readModels(opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if opts.Prune.PEdgesFile == "" {
		opts.Prune.PEdgesFile = filepath.Join(opts.Paths.OutputDir, "pedges.txt")
	}
	opts.Prune.Twists = false
	meta, err := r.pruneModels(job, nil, mm, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if opts.Prune.RemovePEdges {
		out := filepath.Join(opts.Paths.OutputDir, "models.spanner.txt")
		if err := writeModels(out, mm); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		meta["models_file"] = out
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handlePostProcess(ctx context.Context, job Job, opts config.Options) Result {
	mode, _ := job.Options["mode"].(string)
	ws, err := r.load(ctx, opts, false, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	path := bundlePath(opts)
	b, err := bundleio.ReadFile(path, ws.store.Images())
	if err != nil {
		return Result{Job: job, Error: err}
	}
	s := b.Scene
	meta := map[string]any{"mode": mode, "input_bundle": path}
	start := time.Now()

	var suffix string
	switch mode {
	case ModeCompress:
		suffix = bundleio.SuffixCompressed
	case ModeReposition:
		suffix = bundleio.SuffixReposition
		sim, err := bundleio.Reposition(s)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		meta["scale"] = sim.S
	case ModePrune:
		suffix = bundleio.SuffixPruned
		st := bundleio.Prune(s, bundleio.DefaultPruneOptions())
		meta["points_removed"] = st.Points
		meta["cameras_removed"] = len(st.Cameras)
		meta["outliers_removed"] = st.Outliers
	case ModeRescale:
		suffix = bundleio.SuffixScaled
		if file, _ := job.Options["scaleFile"].(string); file != "" {
			factors, err := bundleio.ReadScaleFile(file)
			if err != nil {
				return Result{Job: job, Error: err}
			}
			err = bundleio.RescaleEach(s, factors)
			if err != nil {
				return Result{Job: job, Error: err}
			}
		} else {
			factor, _ := floatOption(job.Options["factor"])
			if err := bundleio.Rescale(s, factor); err != nil {
				return Result{Job: job, Error: err}
			}
			meta["factor"] = factor
		}
	case ModeNoDistort:
		suffix = bundleio.SuffixNoDistort
		bundleio.ZeroDistortion(s)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown post-process mode %q", mode)}
	}

	bundleOut, listOut, err := bundleio.WriteCompressed(opts.Paths.OutputDir, suffix, s)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["outputs"] = []string{bundleOut, listOut}
	r.stage(job, mode, start, meta)
	return Result{Job: job, Meta: meta}
}

// buildPairs runs BundleAllPairs, reusing the models file when it exists.
func (r *router) buildPairs(ctx context.Context, job Job, ws *workspace, opts config.Options) (*modelmap.ModelMap, pairwise.Result, error) {
	start := time.Now()
	est := twoframe.NewEstimator(ws.table, ws.store, twoframe.OptionsFrom(opts.TwoFrame, opts.Registration.RayAngleThreshold), r.log)
	adj, err := bundle.New(opts.Bundle.Solver, opts.Bundle.MaxIterations)
	if err != nil {
		return nil, pairwise.Result{}, err
	}
	est.Adjuster = adj

	b := &pairwise.Builder{
		Table:     ws.table,
		Images:    ws.images,
		Estimator: est,
		Store:     r.store,
		Log:       r.log,
		Opts: pairwise.Options{
			PairThreshold: opts.Pairwise.PairThreshold,
			RequireFocal:  opts.Pairwise.RequireFocal,
			ModelsFile:    opts.Paths.ModelsFile,
			WriteSparse:   opts.Pairwise.WriteSparse,
			RunID:         job.ID,
		},
	}
	if opts.Pairwise.DetectDuplicates {
		b.Duplicates = pairwise.AnglePolicy{MaxAngle: opts.Pairwise.DuplicateAngle, MinMatches: opts.Pairwise.DuplicateMatches}
	}
	if opts.Paths.ModelsFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Paths.ModelsFile), 0o755); err != nil {
			return nil, pairwise.Result{}, fmt.Errorf("create models dir: %w", err)
		}
	}
	mm, res, err := b.BundleAllPairs(ctx)
	if err != nil {
		return nil, res, fmt.Errorf("pairwise models: %w", err)
	}
	r.stage(job, "pairs", start, map[string]any{
		"models":    res.Models,
		"attempted": res.Attempted,
		"failed":    res.Failed,
		"cached":    res.Cached,
	})
	return mm, res, nil
}

// pruneModels applies the configured twist threshold and t-spanner to mm.
// ws may be nil when twists are off.
func (r *router) pruneModels(job Job, ws *workspace, mm *modelmap.ModelMap, opts config.Options) (map[string]any, error) {
	meta := make(map[string]any)
	if opts.Prune.Twists {
		if ws == nil {
			return nil, errors.New("twist threshold needs the image list")
		}
		start := time.Now()
		var removed []int
		for _, st := range prune.ThresholdTwists(mm, ws.store, opts.Prune.PanosOnly, r.log) {
			if st.Removed {
				removed = append(removed, st.Image)
			}
		}
		meta["twist_removed"] = removed
		r.stage(job, "twists", start, map[string]any{"removed": removed})
	}
	if opts.Prune.SpannerT >= 1 {
		start := time.Now()
		sp := prune.TSpanner(mm, opts.Prune.SpannerT, prune.QualityWeight)
		meta["spanner_edges"] = len(sp.Edges)
		meta["spanner_pedges"] = len(sp.PEdges)
		meta["spanner_stretch"] = prune.VerifyStretch(mm, sp)
		if opts.Prune.PEdgesFile != "" {
			if err := os.MkdirAll(filepath.Dir(opts.Prune.PEdgesFile), 0o755); err != nil {
				return meta, fmt.Errorf("create pedges dir: %w", err)
			}
			if err := prune.WritePEdgesFile(opts.Prune.PEdgesFile, sp.PEdges); err != nil {
				return meta, err
			}
			meta["pedges_file"] = opts.Prune.PEdgesFile
		}
		if opts.Prune.RemovePEdges {
			prune.RemovePEdges(mm, sp.PEdges)
		}
		meta["components"] = len(prune.Components(mm))
		r.stage(job, "spanner", start, meta)
	}
	return meta, nil
}

// engine wires an sfm.Engine for job. deps lists near-duplicate images
// that must stay out of the reconstruction.
func (r *router) engine(job Job, ws *workspace, mm *modelmap.ModelMap, deps map[int]int, opts config.Options) (*sfm.Engine, error) {
	eng, err := sfm.NewEngine(ws.table, ws.store, mm, opts, r.log)
	if err != nil {
		return nil, err
	}
	eng.RunID = job.ID
	eng.Exclude = deps
	if r.store != nil {
		eng.Recorder = r.store
	}
	return eng, nil
}

func (r *router) readModels(opts config.Options) (*modelmap.ModelMap, error) {
	path := opts.Paths.ModelsFile
	if path == "" {
		path = filepath.Join(opts.Paths.OutputDir, "models.txt")
	}
	mm, err := modelmap.ReadModelsFile(path, r.log)
	if err != nil {
		return nil, fmt.Errorf("read models: %w", err)
	}
	return mm, nil
}

// writeOutputs writes the bundle file, the point cloud and, when enabled,
// the run charts.
func (r *router) writeOutputs(res *sfm.Result, opts config.Options) ([]string, error) {
	out := filepath.Join(opts.Paths.OutputDir, opts.Paths.OutputFile)
	if err := bundleio.WriteFile(out, res.Scene); err != nil {
		return nil, err
	}
	ply := strings.TrimSuffix(out, filepath.Ext(out)) + ".ply"
	if err := bundleio.WritePlyFile(ply, res.Scene); err != nil {
		return nil, err
	}
	files := []string{out, ply}
	if opts.Report.Enabled {
		dir := opts.Report.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(opts.Paths.OutputDir, dir)
		}
		charts, err := report.Write(dir, res)
		if err != nil {
			r.log.Warn("report charts", "error", err)
		}
		files = append(files, charts...)
	}
	return files, nil
}

func writeModels(path string, mm *modelmap.ModelMap) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}
	return modelmap.WriteModelsFile(path, mm, false)
}

func bundlePath(opts config.Options) string {
	if opts.Paths.BundleFile != "" {
		return opts.Paths.BundleFile
	}
	return filepath.Join(opts.Paths.OutputDir, opts.Paths.OutputFile)
}

func resultMeta(res *sfm.Result) map[string]any {
	return map[string]any{
		"registered": res.Scene.NumRegistered(),
		"images":     res.Scene.NumImages(),
		"points":     len(res.Scene.Points),
		"seed":       []int{res.Seed.I, res.Seed.J},
		"rounds":     len(res.Rounds),
		"skipped":    res.Skipped,
		"mean_error": res.Scene.MeanReprojectionError(),
	}
}
