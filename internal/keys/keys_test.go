package keys

import (
	"compress/gzip"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundler/internal/imageinfo"
)

const sampleKeys = `2 4
10.0 20.0 1.5 0.3
1 2 3 4
0.0 0.0 2.0 -0.1
5 6 7 8
`

func TestReadKeysCentresCoordinates(t *testing.T) {
	keys, err := ReadKeys(strings.NewReader(sampleKeys), 101, 51)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	// row 10, col 20 in a 101x51 image
	assert.InDelta(t, -30.0, keys[0].Pos.X, 1e-12)
	assert.InDelta(t, 15.0, keys[0].Pos.Y, 1e-12)
	assert.Equal(t, -1, keys[0].Track)
	assert.Equal(t, [2]int{20, 10}, PixelOf(keys[0].Pos, 101, 51))
}

func TestReadKeysTruncated(t *testing.T) {
	_, err := ReadKeys(strings.NewReader("2 4\n1 2 3 4\n1 2\n"), 10, 10)
	assert.Error(t, err)
}

func TestReadListAndKeyPaths(t *testing.T) {
	list := "a.jpg 0 700.5\nsub/b.jpg\n\n"
	images, err := ReadList(strings.NewReader(list), "", "keys")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.True(t, images[0].HasInitFocal)
	assert.InDelta(t, 700.5, images[0].InitFocal, 1e-12)
	assert.Equal(t, filepath.Join("keys", "a.key"), images[0].KeyPath)
	assert.False(t, images[1].HasInitFocal)

	images, err = ReadList(strings.NewReader(list), "", ".")
	require.NoError(t, err)
	assert.Equal(t, "sub/b.key", images[1].KeyPath)

	bad, err := ReadIgnoreFile(strings.NewReader("1\n7\n"), images)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, bad)
	assert.True(t, images[1].Ignore)
}

func TestStoreAcquireRelease(t *testing.T) {
	loads := 0
	loader := func(i int, im Image) ([]Keypoint, error) {
		loads++
		if i == 2 {
			return nil, errors.New("boom")
		}
		return []Keypoint{{Track: -1}}, nil
	}
	s := NewStore(make([]Image, 3), WithLoader(loader))

	keys, release, err := s.Acquire(0)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	_, release2, err := s.Acquire(0)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	release()
	release() // idempotent
	assert.Equal(t, 1, s.Resident())
	release2()
	assert.Equal(t, 0, s.Resident())

	_, releaseErr, err := s.Acquire(2)
	assert.Error(t, err)
	releaseErr()
	assert.Equal(t, 0, s.Resident())

	_, _, err = s.Acquire(5)
	assert.Error(t, err)
}

func TestStoreKeepsResident(t *testing.T) {
	s := NewStore(make([]Image, 1), WithKeep(true), WithLoader(func(int, Image) ([]Keypoint, error) {
		return nil, nil
	}))
	_, release, err := s.Acquire(0)
	require.NoError(t, err)
	release()
	assert.Equal(t, 1, s.Resident())
}

func TestStoreLoadsGzippedKeyFile(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "img.key.gz"))
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(sampleKeys))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	images := []Image{{Name: filepath.Join(dir, "img.jpg"), KeyPath: filepath.Join(dir, "img.key")}}
	s := NewStore(images, WithProber(imageinfo.Static{Width: 101, Height: 51}))
	keys, release, err := s.Acquire(0)
	require.NoError(t, err)
	defer release()
	assert.Len(t, keys, 2)
	assert.Equal(t, 101, s.Image(0).Width)
}

func TestStoreColors(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}
	s := NewStore([]Image{{Name: "a.jpg"}}, WithProber(imageinfo.Static{Width: 10, Height: 10, Color: red}))
	cols, err := s.Colors(0, []r2.Point{{X: 0, Y: 0}, {X: 4, Y: -4}})
	require.NoError(t, err)
	assert.Equal(t, []color.RGBA{red, red}, cols)

	_, err = s.Colors(3, nil)
	assert.Error(t, err)
}
