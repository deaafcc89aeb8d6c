package bundleio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"bundler/internal/geometry"
	"bundler/internal/keys"
	"bundler/internal/sfm"
)

// Output suffixes of the post-processing modes.
const (
	SuffixCompressed = "compressed"
	SuffixReposition = "reposition"
	SuffixPruned     = "pruned"
	SuffixScaled     = "scaled"
	SuffixNoDistort  = "nord"
)

// ErrDegenerateScene is returned when a scene has too few cameras, or all
// of them at one place, for a transform to be defined.
var ErrDegenerateScene = errors.New("degenerate scene")

// Compress returns a scene holding only the written cameras, with point
// views renumbered and points left without views dropped. remap gives the
// new index of each old camera, or −1.
func Compress(s *sfm.Scene) (out *sfm.Scene, remap []int) {
	remap = make([]int, len(s.Cameras))
	out = &sfm.Scene{}
	for i, c := range s.Cameras {
		if !written(c) {
			remap[i] = -1
			continue
		}
		remap[i] = len(out.Cameras)
		out.Cameras = append(out.Cameras, c)
		if i < len(s.Images) {
			out.Images = append(out.Images, s.Images[i])
		} else {
			out.Images = append(out.Images, keys.Image{})
		}
	}
	for _, p := range s.Points {
		var views []sfm.View
		for _, v := range p.Views {
			if n := remap[v.Image]; n >= 0 {
				v.Image = n
				views = append(views, v)
			}
		}
		if len(views) == 0 {
			continue
		}
		p.Views = views
		out.Points = append(out.Points, p)
	}
	return out, remap
}

// OutputPaths returns the bundle and list paths for a suffix.
func OutputPaths(dir, suffix string) (bundle, list string) {
	return filepath.Join(dir, "bundle."+suffix+".out"), filepath.Join(dir, "list."+suffix+".txt")
}

// WriteCompressed compresses s and writes bundle.<suffix>.out and
// list.<suffix>.txt under dir.
func WriteCompressed(dir, suffix string, s *sfm.Scene) (bundlePath, listPath string, err error) {
	out, _ := Compress(s)
	bundlePath, listPath = OutputPaths(dir, suffix)
	if err := WriteFile(bundlePath, out); err != nil {
		return "", "", err
	}
	err = writeAtomic(listPath, func(w io.Writer) error { return keys.WriteList(w, out.Images) })
	if err != nil {
		return "", "", err
	}
	return bundlePath, listPath, nil
}

// Reposition centres the scene on the mean camera position, rotates it so
// the principal axes of the camera positions line up with x, y and z (least
// variance along z) and scales it so the RMS camera distance from the
// centre is one. It returns the applied transform.
func Reposition(s *sfm.Scene) (geometry.Similarity, error) {
	var centres []r3.Vector
	for _, c := range s.Cameras {
		if written(c) {
			centres = append(centres, c.C)
		}
	}
	if len(centres) < 2 {
		return geometry.Similarity{}, fmt.Errorf("reposition with %d cameras: %w", len(centres), ErrDegenerateScene)
	}

	data := mat.NewDense(len(centres), 3, nil)
	var mean r3.Vector
	for k, c := range centres {
		data.SetRow(k, []float64{c.X, c.Y, c.Z})
		mean = mean.Add(c)
	}
	mean = mean.Mul(1 / float64(len(centres)))

	var pc stat.PC
	if !pc.PrincipalComponents(data, nil) {
		return geometry.Similarity{}, fmt.Errorf("principal axes: %w", ErrDegenerateScene)
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	var R geometry.Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			R[3*r+c] = vecs.At(c, r)
		}
	}
	if R.Det() < 0 {
		R[6], R[7], R[8] = -R[6], -R[7], -R[8]
	}

	ss := 0.0
	for _, c := range centres {
		ss += c.Sub(mean).Norm2()
	}
	rms := math.Sqrt(ss / float64(len(centres)))
	if rms == 0 {
		return geometry.Similarity{}, fmt.Errorf("cameras coincide: %w", ErrDegenerateScene)
	}
	sim := geometry.Similarity{R: R, S: 1 / rms}
	sim.T = R.MulVec(mean).Mul(-sim.S)
	Transform(s, sim)
	return sim, nil
}

// Transform moves every written camera and every point by sim.
func Transform(s *sfm.Scene, sim geometry.Similarity) {
	for i := range s.Cameras {
		if written(s.Cameras[i]) {
			s.Cameras[i].Camera = sim.ApplyCamera(s.Cameras[i].Camera)
		}
	}
	for k := range s.Points {
		s.Points[k].Pos = sim.Apply(s.Points[k].Pos)
	}
}

// PruneOptions bounds what Prune keeps.
type PruneOptions struct {
	MinViews        int     // points need at least this many views
	MinCameraPoints int     // cameras need at least this many points
	OutlierSigma    float64 // distance bound in robust standard deviations; 0 disables
}

// DefaultPruneOptions returns the bounds of the prune mode.
func DefaultPruneOptions() PruneOptions {
	return PruneOptions{MinViews: 3, MinCameraPoints: 24, OutlierSigma: 5}
}

// PruneStats reports what Prune removed.
type PruneStats struct {
	Points   int
	Cameras  []int
	Outliers int
}

// Prune drops points with too few views and cameras that see too few of the
// remaining points, repeating until neither changes, then drops points far
// from the median point by more than OutlierSigma robust deviations.
func Prune(s *sfm.Scene, opts PruneOptions) PruneStats {
	var st PruneStats
	before := len(s.Points)
	for {
		kept := s.Points[:0]
		for _, p := range s.Points {
			if len(p.Views) >= opts.MinViews {
				kept = append(kept, p)
			}
		}
		s.Points = kept

		counts := s.PointCounts()
		dropped := make(map[int]bool)
		for i, c := range s.Cameras {
			if written(c) && counts[i] < opts.MinCameraPoints {
				dropped[i] = true
				s.Cameras[i].Adjusted = false
				s.Cameras[i].State = sfm.Unregistered
				st.Cameras = append(st.Cameras, i)
			}
		}
		if len(dropped) == 0 {
			break
		}
		for k := range s.Points {
			views := s.Points[k].Views[:0]
			for _, v := range s.Points[k].Views {
				if !dropped[v.Image] {
					views = append(views, v)
				}
			}
			s.Points[k].Views = views
		}
	}
	st.Points = before - len(s.Points)

	if opts.OutlierSigma > 0 && len(s.Points) > 0 {
		centre := medianPoint(s.Points)
		dist := make([]float64, len(s.Points))
		for k, p := range s.Points {
			dist[k] = p.Pos.Sub(centre).Norm()
		}
		med, mad := medianAbsDeviation(dist)
		bound := med + opts.OutlierSigma*1.4826*mad
		kept := s.Points[:0]
		for k, p := range s.Points {
			if dist[k] <= bound {
				kept = append(kept, p)
			}
		}
		st.Outliers = len(s.Points) - len(kept)
		s.Points = kept
	}
	sort.Ints(st.Cameras)
	return st
}

func medianPoint(pts []sfm.Point) r3.Vector {
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	zs := make([]float64, len(pts))
	for k, p := range pts {
		xs[k], ys[k], zs[k] = p.Pos.X, p.Pos.Y, p.Pos.Z
	}
	return r3.Vector{X: median(xs), Y: median(ys), Z: median(zs)}
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

func medianAbsDeviation(xs []float64) (med, mad float64) {
	med = median(xs)
	dev := make([]float64, len(xs))
	for k, x := range xs {
		dev[k] = math.Abs(x - med)
	}
	return med, median(dev)
}

// Rescale scales the focal length of every written camera and the image
// positions of its views by factor, as if the images had been resized.
func Rescale(s *sfm.Scene, factor float64) error {
	factors := make(map[int]float64, len(s.Cameras))
	for i := range s.Cameras {
		factors[i] = factor
	}
	return RescaleEach(s, factors)
}

// RescaleEach applies a per-image scale factor. Images without an entry
// are left alone.
func RescaleEach(s *sfm.Scene, factors map[int]float64) error {
	for i, f := range factors {
		if i < 0 || i >= len(s.Cameras) {
			return fmt.Errorf("scale factor for unknown image %d", i)
		}
		if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("image %d: invalid scale factor %g", i, f)
		}
	}
	for i, f := range factors {
		if written(s.Cameras[i]) {
			s.Cameras[i].Focal *= f
		}
	}
	for k := range s.Points {
		for j := range s.Points[k].Views {
			v := &s.Points[k].Views[j]
			if f, ok := factors[v.Image]; ok {
				v.P = v.P.Mul(f)
			}
		}
	}
	return nil
}

// ReadScaleFile parses "image factor" lines.
func ReadScaleFile(path string) (map[int]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scale file: %w", err)
	}
	defer f.Close()
	out := make(map[int]float64)
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("scale file line %d: want image and factor", line)
		}
		i, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("scale file line %d: %w", line, err)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("scale file line %d: %w", line, err)
		}
		out[i] = v
	}
	return out, sc.Err()
}

// ZeroDistortion clears the radial distortion of every camera.
func ZeroDistortion(s *sfm.Scene) {
	for i := range s.Cameras {
		s.Cameras[i].K1, s.Cameras[i].K2 = 0, 0
	}
}
