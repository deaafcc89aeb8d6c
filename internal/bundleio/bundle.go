// Package bundleio reads and writes bundle files and point clouds, and
// implements the one-shot post-processing modes applied to a finished
// reconstruction.
package bundleio

import (
	"bufio"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"

	"bundler/internal/geometry"
	"bundler/internal/keys"
	"bundler/internal/sfm"
)

const (
	// Version is the format written by Write.
	Version = 0.3

	// MinAdjustedFocal is the focal length at or below which a camera in a
	// bundle file is treated as not adjusted.
	MinAdjustedFocal = 100.0
)

// Bundle is a parsed bundle file.
type Bundle struct {
	Version float64
	Scene   *sfm.Scene
	// Names holds the per-camera image names of v0.4 files.
	Names []string
	// MultiView counts points listed with three or more views.
	MultiView int
}

// Read parses a bundle file. images supplies the image list the file must
// agree with; when nil, placeholder images are created. Cameras with a
// focal of at most MinAdjustedFocal, or whose image is ignored, are loaded
// as not adjusted and their views dropped. Views that fail the chirality
// test for the file's version are dropped too. Files older than v0.3 use the
// reflected convention and are flipped on load.
func Read(r io.Reader, images []keys.Image) (*Bundle, error) {
	br := bufio.NewReader(r)
	version, numCams, numPoints, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	if images == nil {
		images = make([]keys.Image, numCams)
	}
	if numCams != len(images) {
		return nil, fmt.Errorf("bundle has %d cameras, image list has %d", numCams, len(images))
	}

	b := &Bundle{Version: version, Scene: &sfm.Scene{Images: images, Cameras: make([]sfm.Camera, numCams)}}
	for i := range b.Scene.Cameras {
		if version >= 0.4 {
			var name string
			var w, h int
			if _, err := fmt.Fscan(br, &name, &w, &h); err != nil {
				return nil, fmt.Errorf("camera %d name: %w", i, err)
			}
			b.Names = append(b.Names, name)
		}
		var f, k1, k2 float64
		if version > 0.1 {
			_, err = fmt.Fscan(br, &f, &k1, &k2)
		} else {
			_, err = fmt.Fscan(br, &f)
		}
		if err != nil {
			return nil, fmt.Errorf("camera %d intrinsics: %w", i, err)
		}
		var R geometry.Mat3
		for k := range R {
			if _, err := fmt.Fscan(br, &R[k]); err != nil {
				return nil, fmt.Errorf("camera %d rotation: %w", i, err)
			}
		}
		var t r3.Vector
		if _, err := fmt.Fscan(br, &t.X, &t.Y, &t.Z); err != nil {
			return nil, fmt.Errorf("camera %d translation: %w", i, err)
		}
		c := &b.Scene.Cameras[i]
		if f <= MinAdjustedFocal || images[i].Ignore {
			c.Camera = geometry.NewCamera(0)
			continue
		}
		c.Camera = geometry.CameraFromTranslation(R, t, f, k1, k2)
		c.Adjusted = true
		c.State = sfm.Registered
	}

	inFront := version >= 0.3
	b.Scene.Points = make([]sfm.Point, 0, numPoints)
	for k := 0; k < numPoints; k++ {
		p := sfm.Point{Track: -1}
		if _, err := fmt.Fscan(br, &p.Pos.X, &p.Pos.Y, &p.Pos.Z); err != nil {
			return nil, fmt.Errorf("point %d position: %w", k, err)
		}
		var rgb [3]float64
		if _, err := fmt.Fscan(br, &rgb[0], &rgb[1], &rgb[2]); err != nil {
			return nil, fmt.Errorf("point %d colour: %w", k, err)
		}
		p.Color = color.RGBA{R: clampByte(rgb[0]), G: clampByte(rgb[1]), B: clampByte(rgb[2]), A: 255}
		var n int
		if _, err := fmt.Fscan(br, &n); err != nil {
			return nil, fmt.Errorf("point %d view count: %w", k, err)
		}
		if n >= 3 {
			b.MultiView++
		}
		for j := 0; j < n; j++ {
			var v sfm.View
			if _, err := fmt.Fscan(br, &v.Image, &v.Key); err != nil {
				return nil, fmt.Errorf("point %d view %d: %w", k, j, err)
			}
			if version >= 0.3 {
				if _, err := fmt.Fscan(br, &v.P.X, &v.P.Y); err != nil {
					return nil, fmt.Errorf("point %d view %d position: %w", k, j, err)
				}
			}
			if v.Image < 0 || v.Image >= numCams {
				return nil, fmt.Errorf("point %d: view of unknown camera %d", k, v.Image)
			}
			c := b.Scene.Cameras[v.Image]
			if !c.Adjusted {
				continue
			}
			if _, ok := c.Project(p.Pos); ok != inFront {
				continue
			}
			p.Views = append(p.Views, v)
		}
		b.Scene.Points = append(b.Scene.Points, p)
	}
	if version < 0.3 {
		reflect(b.Scene)
	}
	return b, nil
}

// readHeader accepts "# Bundle file v<ver>", "v<ver>" or a bare count line
// (version 0.1) and returns the camera and point counts.
func readHeader(br *bufio.Reader) (float64, int, int, error) {
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return 0, 0, 0, fmt.Errorf("bundle header: %w", err)
	}
	line = strings.TrimSpace(line)
	version := 0.1
	counts := line
	switch {
	case strings.HasPrefix(line, "#"):
		if _, err := fmt.Sscanf(line, "# Bundle file v%g", &version); err != nil {
			return 0, 0, 0, fmt.Errorf("bundle header %q: %w", line, err)
		}
		counts = ""
	case strings.HasPrefix(line, "v"):
		if _, err := fmt.Sscanf(line, "v%g", &version); err != nil {
			return 0, 0, 0, fmt.Errorf("bundle header %q: %w", line, err)
		}
		counts = ""
	}
	var numCams, numPoints int
	if counts != "" {
		_, err = fmt.Sscan(counts, &numCams, &numPoints)
	} else {
		_, err = fmt.Fscan(br, &numCams, &numPoints)
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bundle counts: %w", err)
	}
	if numCams < 0 || numPoints < 0 {
		return 0, 0, 0, fmt.Errorf("bundle counts %d %d", numCams, numPoints)
	}
	return version, numCams, numPoints, nil
}

// reflect flips the z axis of the world, mapping the pre-0.3 convention onto
// the current one.
func reflect(s *sfm.Scene) {
	flip := geometry.Mat3{1, 0, 0, 0, 1, 0, 0, 0, -1}
	for i := range s.Cameras {
		c := &s.Cameras[i]
		if !c.Adjusted {
			continue
		}
		c.R = flip.Mul(c.R).Mul(flip)
		c.C.Z = -c.C.Z
	}
	for k := range s.Points {
		s.Points[k].Pos.Z = -s.Points[k].Pos.Z
	}
}

// ReadFile opens and parses a bundle file.
func ReadFile(path string, images []keys.Image) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()
	b, err := Read(f, images)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// written reports whether a camera is written with its parameters.
func written(c sfm.Camera) bool {
	return c.Adjusted || c.State == sfm.Registered
}

// Write emits a v0.3 bundle file. Cameras that are neither adjusted nor
// registered are written as zeros; points without views are omitted.
func Write(w io.Writer, s *sfm.Scene) error {
	bw := bufio.NewWriter(w)
	visible := 0
	for _, p := range s.Points {
		if len(p.Views) > 0 {
			visible++
		}
	}
	fmt.Fprintf(bw, "# Bundle file v%3.1f\n", Version)
	fmt.Fprintf(bw, "%d %d\n", len(s.Cameras), visible)
	for _, c := range s.Cameras {
		if !written(c) {
			fmt.Fprint(bw, "0 0 0\n0 0 0\n0 0 0\n0 0 0\n0 0 0\n")
			continue
		}
		fmt.Fprintf(bw, "%0.10e %0.10e %0.10e\n", c.Focal, c.K1, c.K2)
		for r := 0; r < 3; r++ {
			fmt.Fprintf(bw, "%0.10e %0.10e %0.10e\n", c.R.At(r, 0), c.R.At(r, 1), c.R.At(r, 2))
		}
		t := c.Translation()
		fmt.Fprintf(bw, "%0.10e %0.10e %0.10e\n", t.X, t.Y, t.Z)
	}
	for _, p := range s.Points {
		if len(p.Views) == 0 {
			continue
		}
		fmt.Fprintf(bw, "%0.10e %0.10e %0.10e\n", p.Pos.X, p.Pos.Y, p.Pos.Z)
		fmt.Fprintf(bw, "%d %d %d\n", p.Color.R, p.Color.G, p.Color.B)
		fmt.Fprintf(bw, "%d", len(p.Views))
		for _, v := range p.Views {
			fmt.Fprintf(bw, " %d %d %0.4f %0.4f", v.Image, v.Key, v.P.X, v.P.Y)
		}
		fmt.Fprint(bw, "\n")
	}
	return bw.Flush()
}

// WriteFile writes the bundle to path through a temporary file renamed into
// place.
func WriteFile(path string, s *sfm.Scene) error {
	return writeAtomic(path, func(w io.Writer) error { return Write(w, s) })
}

func writeAtomic(path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func clampByte(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}

