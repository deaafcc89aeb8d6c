package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"bundler/internal/config"
	"bundler/internal/fsutil"
	"bundler/internal/keys"
	"bundler/internal/pipeline"
	"bundler/internal/storage"

	"github.com/spf13/cobra"
)

// Version is reported by the version command.
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).command()
}

func (r *Root) command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bundler",
		Short: "Incremental structure from motion over matched images",
		Long: `Bundler recovers camera poses and a sparse point cloud from an image list,
per-image keypoints and pairwise matches, writing the result as a bundle file.

The configuration file is read from $BUNDLER_CONFIG or ~/.config/bundler/config.json.`,
		SilenceUsage: true,
	}
	if r.out != nil {
		rootCmd.SetOut(r.out)
		rootCmd.SetErr(r.out)
	}

	rootCmd.AddCommand(r.newRunCmd())
	rootCmd.AddCommand(r.newRerunCmd())
	rootCmd.AddCommand(r.newPairsCmd())
	rootCmd.AddCommand(r.newTwistsCmd())
	rootCmd.AddCommand(r.newSpannerCmd())
	for _, mode := range []string{pipeline.ModeCompress, pipeline.ModeReposition, pipeline.ModePrune, pipeline.ModeNoDistort} {
		rootCmd.AddCommand(r.newPostProcessCmd(mode))
	}
	rootCmd.AddCommand(r.newRescaleCmd())
	rootCmd.AddCommand(r.newListCmd())
	rootCmd.AddCommand(r.newServeCmd())
	rootCmd.AddCommand(r.newRunsCmd())
	rootCmd.AddCommand(r.newConfigCmd())
	rootCmd.AddCommand(r.newVersionCmd())

	return rootCmd
}

// inputFlags are the path overrides shared by every job command.
type inputFlags struct {
	output     string
	imageDir   string
	keyDir     string
	matchDir   string
	matchTable string
	ignoreFile string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output directory (default from config)")
	cmd.Flags().StringVar(&f.imageDir, "image-dir", "", "directory relative image names are resolved against")
	cmd.Flags().StringVar(&f.keyDir, "key-dir", "", "directory holding the .key files")
	cmd.Flags().StringVar(&f.matchDir, "match-dir", "", "directory holding per-pair match files")
	cmd.Flags().StringVar(&f.matchTable, "match-table", "", "match table file (overrides the match directory)")
	cmd.Flags().StringVar(&f.ignoreFile, "ignore-file", "", "file listing image indexes to ignore")
}

func (f *inputFlags) job(typ pipeline.JobType, args []string) pipeline.Job {
	job := pipeline.Job{
		ID:     newID(string(typ)),
		Type:   typ,
		Output: f.output,
		Options: map[string]any{
			"source": "cli",
		},
	}
	if len(args) > 0 {
		job.InputPath = args[0]
	}
	for key, v := range map[string]string{
		"imageDir":   f.imageDir,
		"keyDir":     f.keyDir,
		"matchDir":   f.matchDir,
		"matchTable": f.matchTable,
		"ignoreFile": f.ignoreFile,
	} {
		if v != "" {
			job.Options[key] = v
		}
	}
	return job
}

// submit runs job to completion and prints its summary.
func (r *Root) submit(cmd *cobra.Command, job pipeline.Job) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return err
	}
	printMeta(cmd, res.Meta)
	return nil
}

func printMeta(cmd *cobra.Command, meta map[string]any) {
	names := make([]string, 0, len(meta))
	for k := range meta {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", k, meta[k])
	}
}

func parsePair(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("initial pair must be two indexes like 3,7, got %q", s)
	}
	out := make([]int, 2)
	for k, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("initial pair: %w", err)
		}
		out[k] = v
	}
	if out[0] == out[1] {
		return nil, fmt.Errorf("initial pair must name two different images")
	}
	return out, nil
}

func (r *Root) newRunCmd() *cobra.Command {
	var (
		in          inputFlags
		initialPair string
		maxCameras  int
		spannerT    float64
		models      string
		report      bool
	)
	cmd := &cobra.Command{
		Use:   "run [image_list]",
		Short: "Reconstruct the scene from scratch",
		Long: `Builds two-frame models for every matched pair, optionally prunes the model
graph, then registers cameras incrementally and writes the bundle file, a PLY
point cloud and, with --report, progress charts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := in.job(pipeline.JobRun, args)
			if initialPair != "" {
				pair, err := parsePair(initialPair)
				if err != nil {
					return err
				}
				job.Options["initialPair"] = pair
			}
			if maxCameras > 0 {
				job.Options["maxCameras"] = maxCameras
			}
			if spannerT > 0 {
				job.Options["spannerT"] = spannerT
			}
			if models != "" {
				job.Options["models"] = models
			}
			if cmd.Flags().Changed("report") {
				job.Options["report"] = report
			}
			return r.submit(cmd, job)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVar(&initialPair, "init-pair", "", "seed the reconstruction with this pair, e.g. 3,7")
	cmd.Flags().IntVar(&maxCameras, "max-cameras", 0, "stop after registering this many cameras (0 = no limit)")
	cmd.Flags().Float64Var(&spannerT, "spanner-t", 0, "prune the model graph to a t-spanner with this stretch (>= 1)")
	cmd.Flags().StringVar(&models, "models", "", "read or write pairwise models at this path")
	cmd.Flags().BoolVar(&report, "report", false, "draw progress charts next to the bundle")
	return cmd
}

func (r *Root) newRerunCmd() *cobra.Command {
	var (
		in     inputFlags
		bundle string
	)
	cmd := &cobra.Command{
		Use:   "rerun [image_list]",
		Short: "Resume registration from an existing bundle file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := in.job(pipeline.JobRerun, args)
			if bundle != "" {
				job.Options["bundle"] = bundle
			}
			return r.submit(cmd, job)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVarP(&bundle, "bundle", "b", "", "bundle file to resume from (default: the output bundle)")
	return cmd
}

func (r *Root) newPairsCmd() *cobra.Command {
	var (
		in     inputFlags
		models string
	)
	cmd := &cobra.Command{
		Use:   "pairs [image_list]",
		Short: "Build two-frame models for every matched pair",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := in.job(pipeline.JobPairs, args)
			if models != "" {
				job.Options["models"] = models
			}
			return r.submit(cmd, job)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVar(&models, "models", "", "models file to write (default: <output>/models.txt)")
	return cmd
}

func (r *Root) newTwistsCmd() *cobra.Command {
	var (
		in     inputFlags
		models string
	)
	cmd := &cobra.Command{
		Use:   "twists [image_list]",
		Short: "Drop the models of images with implausible in-plane twists",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := in.job(pipeline.JobTwists, args)
			if models != "" {
				job.Options["models"] = models
			}
			return r.submit(cmd, job)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVar(&models, "models", "", "models file to read (default: <output>/models.txt)")
	return cmd
}

func (r *Root) newSpannerCmd() *cobra.Command {
	var (
		in     inputFlags
		models string
		t      float64
	)
	cmd := &cobra.Command{
		Use:   "spanner [image_list]",
		Short: "Compute a t-spanner of the model graph and write its pruned edges",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := in.job(pipeline.JobSpanner, args)
			job.Options["spannerT"] = t
			if models != "" {
				job.Options["models"] = models
			}
			return r.submit(cmd, job)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVar(&models, "models", "", "models file to read (default: <output>/models.txt)")
	cmd.Flags().Float64VarP(&t, "stretch", "t", 2, "stretch bound (>= 1)")
	return cmd
}

var postProcessHelp = map[string]string{
	pipeline.ModeCompress:   "Write the bundle without unregistered cameras",
	pipeline.ModeReposition: "Centre, align and normalise the scene on its cameras",
	pipeline.ModePrune:      "Drop weak points, weak cameras and distant outliers",
	pipeline.ModeNoDistort:  "Write the bundle with radial distortion cleared",
}

func (r *Root) newPostProcessCmd(mode string) *cobra.Command {
	var (
		in     inputFlags
		bundle string
	)
	cmd := &cobra.Command{
		Use:   mode + " [image_list]",
		Short: postProcessHelp[mode],
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := in.job(pipeline.JobPostProcess, args)
			job.Options["mode"] = mode
			if bundle != "" {
				job.Options["bundle"] = bundle
			}
			return r.submit(cmd, job)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVarP(&bundle, "bundle", "b", "", "input bundle file (default: the output bundle)")
	return cmd
}

func (r *Root) newRescaleCmd() *cobra.Command {
	var (
		in        inputFlags
		bundle    string
		factor    float64
		scaleFile string
	)
	cmd := &cobra.Command{
		Use:   "rescale [image_list]",
		Short: "Scale focal lengths and image coordinates as if the images were resized",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (factor == 0) == (scaleFile == "") {
				return fmt.Errorf("give exactly one of --factor and --scale-file")
			}
			job := in.job(pipeline.JobPostProcess, args)
			job.Options["mode"] = pipeline.ModeRescale
			if factor != 0 {
				job.Options["factor"] = factor
			}
			if scaleFile != "" {
				job.Options["scaleFile"] = scaleFile
			}
			if bundle != "" {
				job.Options["bundle"] = bundle
			}
			return r.submit(cmd, job)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVarP(&bundle, "bundle", "b", "", "input bundle file (default: the output bundle)")
	cmd.Flags().Float64Var(&factor, "factor", 0, "scale factor applied to every image")
	cmd.Flags().StringVar(&scaleFile, "scale-file", "", `file of "image factor" lines`)
	return cmd
}

func (r *Root) newListCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list <image_directory>",
		Short: "Write an image list for the images in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := fsutil.ListImages(args[0])
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no images found in %s", args[0])
			}
			images := make([]keys.Image, len(paths))
			for k, p := range paths {
				images[k] = keys.Image{Name: p}
			}
			if output == "" {
				output = filepath.Join(args[0], "list.txt")
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := keys.WriteList(f, images); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d images to %s\n", len(images), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "list file to write (default: <dir>/list.txt)")
	return cmd
}

func (r *Root) newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API for run history and job submission",
		Long: `Start an HTTP server that lists past runs with their pairs, cameras and
stages, accepts new jobs and streams job results as server-sent events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if addr == "" {
				addr = r.cfg.Server.Addr
			}
			r.log.Info("starting server",
				"addr", addr,
				"endpoints", []string{"/healthz", "/runs", "/runs/{id}", "/stream"},
			)
			return r.serveFn(ctx, addr, r.store, r.pipeline, r.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port, default from config)")
	return cmd
}

func (r *Root) newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := r.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tCREATED\tERROR")
			for _, rec := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Kind, rec.Status,
					rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func (r *Root) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bundler %s\n", Version)
		},
	}
}
