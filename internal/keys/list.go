// Package keys loads the image list and per-image keypoint files.
package keys

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"bundler/internal/fsutil"
)

// Image is one entry of the image list.
type Image struct {
	Name         string
	KeyPath      string
	InitFocal    float64
	HasInitFocal bool
	Width        int
	Height       int
	Ignore       bool
}

// Aspect returns width/height, or 1 when the dimensions are unknown.
func (im Image) Aspect() float64 {
	if im.Width <= 0 || im.Height <= 0 {
		return 1
	}
	return float64(im.Width) / float64(im.Height)
}

// ReadList parses "name [flag focal]" lines. Relative names are resolved
// against imageDir; key files live next to the image or in keyDir.
func ReadList(r io.Reader, imageDir, keyDir string) ([]Image, error) {
	var images []Image
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		im := Image{Name: fields[0]}
		if imageDir != "" && imageDir != "." && !filepath.IsAbs(im.Name) {
			im.Name = filepath.Join(imageDir, im.Name)
		}
		if len(fields) >= 3 {
			f, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, fmt.Errorf("list line %d: focal %q: %w", line, fields[2], err)
			}
			im.InitFocal = f
			im.HasInitFocal = f > 0
		}
		im.KeyPath = keyPathFor(im.Name, keyDir)
		images = append(images, im)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return images, nil
}

// ReadListFile opens and parses an image list.
func ReadListFile(path, imageDir, keyDir string) ([]Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image list: %w", err)
	}
	defer f.Close()
	return ReadList(f, imageDir, keyDir)
}

// WriteList writes images back in list format.
func WriteList(w io.Writer, images []Image) error {
	bw := bufio.NewWriter(w)
	for _, im := range images {
		if im.HasInitFocal {
			fmt.Fprintf(bw, "%s 0 %0.5f\n", im.Name, im.InitFocal)
		} else {
			fmt.Fprintf(bw, "%s\n", im.Name)
		}
	}
	return bw.Flush()
}

func keyPathFor(name, keyDir string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if keyDir != "" && keyDir != "." {
		return filepath.Join(keyDir, base+".key")
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".key"
}

// ResolveKeyPath returns the existing key file for im, trying the gzipped
// variant too.
func ResolveKeyPath(im Image) string {
	return fsutil.FirstExisting(im.KeyPath, im.KeyPath+".gz")
}

// ReadIgnoreFile marks the images listed (one index per line) as ignored.
// Out-of-range indexes are returned so the caller can report them.
func ReadIgnoreFile(r io.Reader, images []Image) ([]int, error) {
	var bad []int
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		s := strings.TrimSpace(sc.Text())
		if s == "" {
			continue
		}
		idx, err := strconv.Atoi(strings.Fields(s)[0])
		if err != nil {
			return bad, fmt.Errorf("ignore file: %w", err)
		}
		if idx < 0 || idx >= len(images) {
			bad = append(bad, idx)
			continue
		}
		images[idx].Ignore = true
	}
	return bad, sc.Err()
}
