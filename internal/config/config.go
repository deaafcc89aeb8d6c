package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/bundler/config.json"
	// EnvConfig names the variable holding the config file path.
	EnvConfig = "BUNDLER_CONFIG"
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Logging      Logging      `json:"logging" yaml:"logging" toml:"logging"`
	Paths        Paths        `json:"paths" yaml:"paths" toml:"paths"`
	Matching     Matching     `json:"matching" yaml:"matching" toml:"matching"`
	TwoFrame     TwoFrame     `json:"two_frame" yaml:"two_frame" toml:"two_frame"`
	Pairwise     Pairwise     `json:"pairwise" yaml:"pairwise" toml:"pairwise"`
	Registration Registration `json:"registration" yaml:"registration" toml:"registration"`
	Bundle       Bundle       `json:"bundle" yaml:"bundle" toml:"bundle"`
	Prune        Prune        `json:"prune" yaml:"prune" toml:"prune"`
	Report       Report       `json:"report" yaml:"report" toml:"report"`
	Server       Server       `json:"server" yaml:"server" toml:"server"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level" toml:"level"`                   // debug, info, warn, error
	Format     string `json:"format" yaml:"format" toml:"format"`                // traditional, text, json
	FileOutput bool   `json:"file_output" yaml:"file_output" toml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir" toml:"log_dir"`
	MaxSizeMB  int    `json:"max_size" yaml:"max_size" toml:"max_size"`          // Max size in MB before rotation
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"` // Number of rotated files to keep
	MaxAgeDays int    `json:"max_age" yaml:"max_age" toml:"max_age"`             // Days to keep rotated files
	Compress   bool   `json:"compress" yaml:"compress" toml:"compress"`
}

// Paths configures input and output locations.
type Paths struct {
	ImageList     string `json:"image_list" yaml:"image_list" toml:"image_list"`
	ImageDir      string `json:"image_dir" yaml:"image_dir" toml:"image_dir"`
	KeyDir        string `json:"key_dir" yaml:"key_dir" toml:"key_dir"`
	MatchDir      string `json:"match_dir" yaml:"match_dir" toml:"match_dir"`
	MatchTable    string `json:"match_table" yaml:"match_table" toml:"match_table"`
	MatchIndexDir string `json:"match_index_dir" yaml:"match_index_dir" toml:"match_index_dir"`
	IgnoreFile    string `json:"ignore_file" yaml:"ignore_file" toml:"ignore_file"`
	OutputDir     string `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
	OutputFile    string `json:"output_file" yaml:"output_file" toml:"output_file"`
	ModelsFile    string `json:"models_file" yaml:"models_file" toml:"models_file"`
	BundleFile    string `json:"bundle_file" yaml:"bundle_file" toml:"bundle_file"` // input for rerun and post-processing
	DatabasePath  string `json:"database_path" yaml:"database_path" toml:"database_path"`
}

// Matching configures match loading.
type Matching struct {
	MinMatches  int    `json:"min_matches" yaml:"min_matches" toml:"min_matches"`
	PruneDouble bool   `json:"prune_double" yaml:"prune_double" toml:"prune_double"`
	KeepKeys    string `json:"keep_keys" yaml:"keep_keys" toml:"keep_keys"` // auto, always, never
}

// TwoFrame configures pairwise reconstruction.
type TwoFrame struct {
	FMatrixThreshold float64 `json:"fmatrix_threshold" yaml:"fmatrix_threshold" toml:"fmatrix_threshold"`
	FMatrixRounds    int     `json:"fmatrix_rounds" yaml:"fmatrix_rounds" toml:"fmatrix_rounds"`
	MinMatches       int     `json:"min_matches" yaml:"min_matches" toml:"min_matches"`
	MinPoints        int     `json:"min_points" yaml:"min_points" toml:"min_points"`
	MaxError         float64 `json:"max_error" yaml:"max_error" toml:"max_error"`
	MaxDepthRatio    float64 `json:"max_depth_ratio" yaml:"max_depth_ratio" toml:"max_depth_ratio"`
	InitFocalLength  float64 `json:"init_focal_length" yaml:"init_focal_length" toml:"init_focal_length"`
	AdjustFocal      bool    `json:"adjust_focal" yaml:"adjust_focal" toml:"adjust_focal"`
	Seed             int64   `json:"seed" yaml:"seed" toml:"seed"`
}

// Pairwise configures the all-pairs builder.
type Pairwise struct {
	PairThreshold    int     `json:"pair_threshold" yaml:"pair_threshold" toml:"pair_threshold"`
	RequireFocal     bool    `json:"require_focal" yaml:"require_focal" toml:"require_focal"`
	DetectDuplicates bool    `json:"detect_duplicates" yaml:"detect_duplicates" toml:"detect_duplicates"`
	DuplicateAngle   float64 `json:"duplicate_angle" yaml:"duplicate_angle" toml:"duplicate_angle"`
	DuplicateMatches int     `json:"duplicate_matches" yaml:"duplicate_matches" toml:"duplicate_matches"`
	WriteSparse      bool    `json:"write_sparse" yaml:"write_sparse" toml:"write_sparse"`
}

// Registration configures the incremental engine.
type Registration struct {
	InitialPair                   []int   `json:"initial_pair,omitempty" yaml:"initial_pair,omitempty" toml:"initial_pair,omitempty"`
	InitPairMinMatches            int     `json:"init_pair_min_matches" yaml:"init_pair_min_matches" toml:"init_pair_min_matches"`
	InitPairMaxHomographyFraction float64 `json:"init_pair_max_homography_fraction" yaml:"init_pair_max_homography_fraction" toml:"init_pair_max_homography_fraction"`
	HomographyThreshold           float64 `json:"homography_threshold" yaml:"homography_threshold" toml:"homography_threshold"`
	HomographyRounds              int     `json:"homography_rounds" yaml:"homography_rounds" toml:"homography_rounds"`
	ProjectionEstimationThreshold float64 `json:"projection_estimation_threshold" yaml:"projection_estimation_threshold" toml:"projection_estimation_threshold"`
	MinProjErrorThreshold         float64 `json:"min_proj_error_threshold" yaml:"min_proj_error_threshold" toml:"min_proj_error_threshold"`
	MaxProjErrorThreshold         float64 `json:"max_proj_error_threshold" yaml:"max_proj_error_threshold" toml:"max_proj_error_threshold"`
	MinTrackViews                 int     `json:"min_track_views" yaml:"min_track_views" toml:"min_track_views"`
	MaxTrackViews                 int     `json:"max_track_views" yaml:"max_track_views" toml:"max_track_views"`
	MinNumFeatMatches             int     `json:"min_num_feat_matches" yaml:"min_num_feat_matches" toml:"min_num_feat_matches"`
	MinMaxMatches                 int     `json:"min_max_matches" yaml:"min_max_matches" toml:"min_max_matches"`
	MinCameraPoints               int     `json:"min_camera_points" yaml:"min_camera_points" toml:"min_camera_points"`
	RayAngleThreshold             float64 `json:"ray_angle_threshold" yaml:"ray_angle_threshold" toml:"ray_angle_threshold"`
	MaxCameras                    int     `json:"max_cameras" yaml:"max_cameras" toml:"max_cameras"`
	MaxRegistrationAttempts       int     `json:"max_registration_attempts" yaml:"max_registration_attempts" toml:"max_registration_attempts"`
	ConstructMaxConnectivity      bool    `json:"construct_max_connectivity" yaml:"construct_max_connectivity" toml:"construct_max_connectivity"`
	FastBundle                    bool    `json:"fast_bundle" yaml:"fast_bundle" toml:"fast_bundle"`
	FullBundleInterval            int     `json:"full_bundle_interval" yaml:"full_bundle_interval" toml:"full_bundle_interval"`
	FixedFocal                    bool    `json:"fixed_focal" yaml:"fixed_focal" toml:"fixed_focal"`
	EstimateDistortion            bool    `json:"estimate_distortion" yaml:"estimate_distortion" toml:"estimate_distortion"`
	UseFocalEstimate              bool    `json:"use_focal_estimate" yaml:"use_focal_estimate" toml:"use_focal_estimate"`
	Seed                          int64   `json:"seed" yaml:"seed" toml:"seed"`
}

// Bundle selects the bundle adjustment solver.
type Bundle struct {
	Solver        string `json:"solver" yaml:"solver" toml:"solver"` // lm, lbfgs
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations" toml:"max_iterations"`
}

// Prune configures model-graph pruning.
type Prune struct {
	Twists       bool    `json:"twists" yaml:"twists" toml:"twists"`
	PanosOnly    bool    `json:"panos_only" yaml:"panos_only" toml:"panos_only"`
	SpannerT     float64 `json:"spanner_t" yaml:"spanner_t" toml:"spanner_t"` // 0 disables the spanner
	RemovePEdges bool    `json:"remove_pedges" yaml:"remove_pedges" toml:"remove_pedges"`
	PEdgesFile   string  `json:"pedges_file" yaml:"pedges_file" toml:"pedges_file"`
}

// Report configures run charts.
type Report struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Dir     string `json:"dir" yaml:"dir" toml:"dir"`
}

// Server configures the inspection API.
type Server struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
}

// Path returns the config file location: $BUNDLER_CONFIG (a .env file in
// the working directory may set it) or the default.
func Path() string {
	_ = godotenv.Load()
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads one config file. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := Decode(f, filepath.Ext(expanded), cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Decode overlays the document in r onto cfg, choosing the format by file
// extension.
func Decode(r io.Reader, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err := yaml.NewDecoder(r).Decode(cfg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	case ".toml":
		return toml.NewDecoder(r).Decode(cfg)
	case ".json", "":
		return json.NewDecoder(r).Decode(cfg)
	}
	return fmt.Errorf("unsupported config format %q", ext)
}

// Encode writes cfg in the format named by ext.
func Encode(w io.Writer, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	case ".toml":
		return toml.NewEncoder(w).Encode(cfg)
	case ".json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
	return fmt.Errorf("unsupported config format %q", ext)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: Logging{
			Level:      "info",
			Format:     "traditional",
			FileOutput: false,
			LogDir:     "./logs",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Paths: Paths{
			ImageList:    "list.txt",
			ImageDir:     ".",
			KeyDir:       ".",
			MatchDir:     ".",
			OutputDir:    "bundle",
			OutputFile:   "bundle.out",
			DatabasePath: filepath.Join(os.TempDir(), "bundler.db"),
		},
		Matching: Matching{
			MinMatches:  10,
			PruneDouble: true,
			KeepKeys:    "auto",
		},
		TwoFrame: TwoFrame{
			FMatrixThreshold: 9,
			FMatrixRounds:    2048,
			MinMatches:       28,
			MinPoints:        28,
			MaxError:         16,
			MaxDepthRatio:    1000,
			InitFocalLength:  532,
			Seed:             1,
		},
		Pairwise: Pairwise{
			PairThreshold:    28,
			RequireFocal:     true,
			DetectDuplicates: true,
			DuplicateAngle:   0.5,
			DuplicateMatches: 64,
		},
		Registration: Registration{
			InitPairMinMatches:            100,
			InitPairMaxHomographyFraction: 0.8,
			HomographyThreshold:           6,
			HomographyRounds:              256,
			ProjectionEstimationThreshold: 4,
			MinProjErrorThreshold:         8,
			MaxProjErrorThreshold:         16,
			MinTrackViews:                 2,
			MaxTrackViews:                 100000,
			MinNumFeatMatches:             16,
			MinMaxMatches:                 16,
			MinCameraPoints:               16,
			RayAngleThreshold:             2,
			MaxRegistrationAttempts:       3,
			FastBundle:                    true,
			FullBundleInterval:            4,
			FixedFocal:                    true,
			Seed:                          1,
		},
		Bundle: Bundle{
			Solver:        "lm",
			MaxIterations: 50,
		},
		Report: Report{
			Dir: "report",
		},
		Server: Server{
			Addr: "127.0.0.1:8088",
		},
	}
}

// Validate rejects option combinations the pipeline cannot honour.
func (c *Config) Validate() error {
	var errs []error
	r := c.Registration
	if r.FixedFocal && r.EstimateDistortion {
		errs = append(errs, errors.New("fixed_focal and estimate_distortion are mutually exclusive"))
	}
	if r.MinProjErrorThreshold > r.MaxProjErrorThreshold {
		errs = append(errs, fmt.Errorf("min_proj_error_threshold %v exceeds max %v", r.MinProjErrorThreshold, r.MaxProjErrorThreshold))
	}
	if r.MinTrackViews > r.MaxTrackViews {
		errs = append(errs, fmt.Errorf("min_track_views %d exceeds max %d", r.MinTrackViews, r.MaxTrackViews))
	}
	if r.MinTrackViews < 2 {
		errs = append(errs, fmt.Errorf("min_track_views must be at least 2, got %d", r.MinTrackViews))
	}
	if len(r.InitialPair) != 0 && (len(r.InitialPair) != 2 || r.InitialPair[0] == r.InitialPair[1]) {
		errs = append(errs, fmt.Errorf("initial_pair must name two different images, got %v", r.InitialPair))
	}
	switch c.Bundle.Solver {
	case "", "lm", "lbfgs":
	default:
		errs = append(errs, fmt.Errorf("unknown bundle solver %q", c.Bundle.Solver))
	}
	switch c.Matching.KeepKeys {
	case "", "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("keep_keys must be auto, always or never, got %q", c.Matching.KeepKeys))
	}
	if c.Prune.SpannerT != 0 && c.Prune.SpannerT < 1 {
		errs = append(errs, fmt.Errorf("spanner_t must be 0 or at least 1, got %v", c.Prune.SpannerT))
	}
	return errors.Join(errs...)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
