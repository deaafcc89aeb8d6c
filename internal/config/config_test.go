package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 532.0, cfg.TwoFrame.InitFocalLength)
	assert.Equal(t, 16.0, cfg.Registration.MaxProjErrorThreshold)
	assert.Equal(t, 100000, cfg.Registration.MaxTrackViews)
	assert.True(t, cfg.Registration.FastBundle)
	assert.True(t, cfg.Pairwise.RequireFocal)
}

func TestValidateRejectsIncompatibleOptions(t *testing.T) {
	cfg := Default()
	cfg.Registration.EstimateDistortion = true // with fixed focal
	cfg.Registration.MinProjErrorThreshold = 20
	cfg.Bundle.Solver = "ceres"
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"fixed_focal", "min_proj_error_threshold", "ceres"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"c.json": `{"registration": {"max_cameras": 7}, "bundle": {"solver": "lbfgs"}}`,
		"c.yaml": "registration:\n  max_cameras: 7\nbundle:\n  solver: lbfgs\n",
		"c.toml": "[registration]\nmax_cameras = 7\n[bundle]\nsolver = \"lbfgs\"\n",
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			cfg, err := LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, 7, cfg.Registration.MaxCameras)
			assert.Equal(t, "lbfgs", cfg.Bundle.Solver)
			// untouched fields keep defaults
			assert.Equal(t, 2048, cfg.TwoFrame.FMatrixRounds)
		})
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"addr": ":9999"}}`), 0o644))
	t.Setenv(EnvConfig, path)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestEncodeRoundTrip(t *testing.T) {
	for _, ext := range []string{".json", ".yaml", ".toml"} {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, ext, Default()))
		got := &Config{}
		require.NoError(t, Decode(strings.NewReader(buf.String()), ext, got), ext)
		assert.Equal(t, Default().Registration, got.Registration, ext)
	}
}

func TestEncodedDefaultsListOnlyUsedRegistrationKeys(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, ".yaml", Default()))
	out := buf.String()
	assert.Contains(t, out, "require_focal: true")
	assert.Contains(t, out, "fast_bundle: true")
	for _, gone := range []string{"factor_essential", "use_intrinsics"} {
		assert.NotContains(t, out, gone)
	}
}

func TestOptionsSnapshot(t *testing.T) {
	cfg := Default()
	cfg.Registration.InitialPair = []int{3, 5}
	opts := cfg.Options()
	cfg.Registration.InitialPair[0] = 9

	i, j, ok := opts.InitialPair()
	require.True(t, ok)
	assert.Equal(t, [2]int{3, 5}, [2]int{i, j})
	assert.False(t, opts.TwoFrame.AdjustFocal)

	cfg.Registration.FixedFocal = false
	assert.True(t, cfg.Options().TwoFrame.AdjustFocal)
}
