// Package sfm grows a reconstruction one camera at a time from a seed pair.
package sfm

import (
	"fmt"
	"image/color"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"bundler/internal/geometry"
	"bundler/internal/keys"
)

// State is the registration state of an image.
type State int

const (
	Unregistered State = iota
	Candidate
	Registered
)

func (s State) String() string {
	switch s {
	case Candidate:
		return "candidate"
	case Registered:
		return "registered"
	}
	return "unregistered"
}

// Camera is the reconstruction's view of one image.
type Camera struct {
	geometry.Camera
	State    State
	Adjusted bool
	Failures int  // failed registration attempts
	Skipped  bool // excluded after repeated failures
}

// View is one observation of a point.
type View struct {
	Image int
	Key   int
	P     r2.Point
}

// Point is a triangulated scene point.
type Point struct {
	Pos   r3.Vector
	Color color.RGBA
	Views []View
	Track int // −1 when not tied to a track
}

// Scene is the global reconstruction state.
type Scene struct {
	Images  []keys.Image
	Cameras []Camera
	Points  []Point
}

// NewScene returns a scene with every camera unregistered.
func NewScene(images []keys.Image, defaultFocal float64) *Scene {
	s := &Scene{Images: images, Cameras: make([]Camera, len(images))}
	for i, im := range images {
		f := defaultFocal
		if im.HasInitFocal && im.InitFocal > 0 {
			f = im.InitFocal
		}
		s.Cameras[i].Camera = geometry.NewCamera(f)
	}
	return s
}

// NumImages returns the number of images in the scene.
func (s *Scene) NumImages() int { return len(s.Cameras) }

// Registered lists registered images in ascending order.
func (s *Scene) Registered() []int {
	var out []int
	for i, c := range s.Cameras {
		if c.State == Registered {
			out = append(out, i)
		}
	}
	return out
}

// NumRegistered counts registered images.
func (s *Scene) NumRegistered() int {
	n := 0
	for _, c := range s.Cameras {
		if c.State == Registered {
			n++
		}
	}
	return n
}

// NumObservations counts point views.
func (s *Scene) NumObservations() int {
	n := 0
	for _, p := range s.Points {
		n += len(p.Views)
	}
	return n
}

// PointCounts returns how many points each image observes.
func (s *Scene) PointCounts() []int {
	counts := make([]int, len(s.Cameras))
	for _, p := range s.Points {
		for _, v := range p.Views {
			counts[v.Image]++
		}
	}
	return counts
}

// Check verifies that every view references a registered camera with the
// point in front of it.
func (s *Scene) Check() error {
	for k, p := range s.Points {
		for _, v := range p.Views {
			if v.Image < 0 || v.Image >= len(s.Cameras) {
				return fmt.Errorf("point %d: view of unknown image %d", k, v.Image)
			}
			c := s.Cameras[v.Image]
			if c.State != Registered {
				return fmt.Errorf("point %d: view in %s image %d", k, c.State, v.Image)
			}
			if c.Depth(p.Pos) <= 0 {
				return fmt.Errorf("point %d: behind camera %d", k, v.Image)
			}
		}
	}
	return nil
}

// Compact drops points with fewer than two views and returns, for each old
// index, the new index or −1.
func (s *Scene) Compact() []int {
	remap := make([]int, len(s.Points))
	kept := s.Points[:0]
	for k, p := range s.Points {
		if len(p.Views) < 2 {
			remap[k] = -1
			continue
		}
		remap[k] = len(kept)
		kept = append(kept, p)
	}
	for k := len(kept); k < len(s.Points); k++ {
		s.Points[k] = Point{}
	}
	s.Points = kept
	return remap
}

// MeanReprojectionError returns the mean image error over all views.
func (s *Scene) MeanReprojectionError() float64 {
	sum, n := 0.0, 0
	for _, p := range s.Points {
		for _, v := range p.Views {
			sum += s.Cameras[v.Image].ReprojectionError(p.Pos, v.P)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
