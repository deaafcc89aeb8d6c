package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.JPG", "a.jpg", "notes.txt", "sub/c.png"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}
	files, err := ListImages(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.jpg"),
		filepath.Join(dir, "b.JPG"),
		filepath.Join(dir, "sub", "c.png"),
	}, files)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), FirstExisting(filepath.Join(dir, "x.jpg"), filepath.Join(dir, "a.jpg")))
}

func TestShouldKeepKeys(t *testing.T) {
	assert.True(t, ShouldKeepKeys("always", nil, nil))
	assert.False(t, ShouldKeepKeys("never", nil, nil))

	dir := t.TempDir()
	p := filepath.Join(dir, "a.key")
	require.NoError(t, os.WriteFile(p, make([]byte, 1024), 0o644))
	size, err := EstimateKeySize([]string{p, p})
	require.NoError(t, err)
	assert.Zero(t, size)

	_, err = EstimateKeySize([]string{filepath.Join(dir, "missing.key")})
	assert.Error(t, err)
}
