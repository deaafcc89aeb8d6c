// Package sfmtest builds synthetic multi-view datasets with known ground
// truth.
package sfmtest

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"bundler/internal/geometry"
	"bundler/internal/imageinfo"
	"bundler/internal/keys"
	"bundler/internal/matches"
)

// Options shapes a generated dataset.
type Options struct {
	NumCameras int
	NumPoints  int
	Focal      float64
	Spacing    float64 // distance between neighbouring camera centres
	Noise      float64 // pixel noise standard deviation
	Seed       int64
}

// Dataset is a generated scene plus everything the pipeline reads.
type Dataset struct {
	Cameras []geometry.Camera
	Points  []r3.Vector
	Images  []keys.Image
	Keys    [][]keys.Keypoint
	Table   *matches.Table
	Width   int
	Height  int

	// KeyOf[i][p] is the keypoint of point p in image i, or −1.
	KeyOf [][]int
}

func (o *Options) defaults() {
	if o.NumCameras == 0 {
		o.NumCameras = 4
	}
	if o.NumPoints == 0 {
		o.NumPoints = 120
	}
	if o.Focal == 0 {
		o.Focal = 500
	}
	if o.Spacing == 0 {
		o.Spacing = 0.8
	}
}

// Generate places cameras on a line facing a box of points about eight
// units away and records every in-bounds projection as a keypoint. All
// pairs of images that share points are matched.
func Generate(opts Options) *Dataset {
	opts.defaults()
	rng := rand.New(rand.NewSource(opts.Seed))
	d := &Dataset{Width: 1000, Height: 800}

	centre := r3.Vector{Z: -8}
	for k := 0; k < opts.NumCameras; k++ {
		c := r3.Vector{X: (float64(k) - 0.5*float64(opts.NumCameras-1)) * opts.Spacing, Y: 0.1 * float64(k%2)}
		dir := centre.Sub(c)
		theta := math.Atan2(-dir.X, -dir.Z)
		d.Cameras = append(d.Cameras, geometry.Camera{
			R:     geometry.Rodrigues(r3.Vector{Y: -theta}),
			C:     c,
			Focal: opts.Focal,
		})
	}
	for p := 0; p < opts.NumPoints; p++ {
		d.Points = append(d.Points, r3.Vector{
			X: rng.Float64()*6 - 3,
			Y: rng.Float64()*4 - 2,
			Z: -6 - rng.Float64()*4,
		})
	}

	halfW, halfH := 0.5*float64(d.Width-1), 0.5*float64(d.Height-1)
	d.KeyOf = make([][]int, opts.NumCameras)
	for i, cam := range d.Cameras {
		d.KeyOf[i] = make([]int, opts.NumPoints)
		var kps []keys.Keypoint
		for _, p := range rng.Perm(opts.NumPoints) {
			d.KeyOf[i][p] = -1
			proj, ok := cam.Project(d.Points[p])
			if !ok || math.Abs(proj.X) > halfW || math.Abs(proj.Y) > halfH {
				continue
			}
			proj = proj.Add(r2.Point{X: opts.Noise * rng.NormFloat64(), Y: opts.Noise * rng.NormFloat64()})
			d.KeyOf[i][p] = len(kps)
			kps = append(kps, keys.Keypoint{Pos: proj, Scale: 1, Track: -1})
		}
		d.Keys = append(d.Keys, kps)
		d.Images = append(d.Images, keys.Image{
			Name:         fmt.Sprintf("img%03d.jpg", i),
			KeyPath:      fmt.Sprintf("img%03d.key", i),
			InitFocal:    opts.Focal,
			HasInitFocal: true,
			Width:        d.Width,
			Height:       d.Height,
		})
	}

	d.Table = matches.NewTable(opts.NumCameras)
	for i := 0; i < opts.NumCameras; i++ {
		for j := i + 1; j < opts.NumCameras; j++ {
			var list []matches.KeypointMatch
			for p := 0; p < opts.NumPoints; p++ {
				if d.KeyOf[i][p] >= 0 && d.KeyOf[j][p] >= 0 {
					list = append(list, matches.KeypointMatch{Idx1: d.KeyOf[i][p], Idx2: d.KeyOf[j][p]})
				}
			}
			if len(list) > 0 {
				d.Table.SetMatches(i, j, list)
			}
		}
	}
	return d
}

// LimitMatches keeps only the first n matches of pair (i, j), removing the
// pair when n is zero.
func (d *Dataset) LimitMatches(i, j, n int) {
	list := d.Table.Matches(i, j)
	if n <= 0 {
		d.Table.RemoveMatch(i, j)
		return
	}
	if n < len(list) {
		list = list[:n]
	}
	d.Table.SetMatches(i, j, list)
}

// Store returns a key store serving the generated keypoints.
func (d *Dataset) Store(opts ...keys.Option) *keys.Store {
	images := append([]keys.Image(nil), d.Images...)
	base := []keys.Option{
		keys.WithLoader(func(i int, _ keys.Image) ([]keys.Keypoint, error) {
			return append([]keys.Keypoint(nil), d.Keys[i]...), nil
		}),
		keys.WithProber(imageinfo.Static{Width: d.Width, Height: d.Height}),
	}
	return keys.NewStore(images, append(base, opts...)...)
}
