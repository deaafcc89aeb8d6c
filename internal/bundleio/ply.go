package bundleio

import (
	"bufio"
	"fmt"
	"io"

	"github.com/golang/geo/r3"

	"bundler/internal/sfm"
)

const plyHeader = `ply
format ascii 1.0
element face 0
property list uchar int vertex_indices
element vertex %d
property float x
property float y
property float z
property uchar diffuse_red
property uchar diffuse_green
property uchar diffuse_blue
end_header
`

// cameraMarker is the offset along the optical axis of the second vertex
// drawn for each camera.
const cameraMarker = 0.05

// WritePly writes the points with views as a coloured ASCII point cloud.
// Each written camera adds two vertices: its centre (green for even
// indexes, red for odd) and a yellow point a short way along its optical
// axis.
func WritePly(w io.Writer, s *sfm.Scene) error {
	bw := bufio.NewWriter(w)
	numPoints, numCams := 0, 0
	for _, p := range s.Points {
		if len(p.Views) > 0 {
			numPoints++
		}
	}
	for _, c := range s.Cameras {
		if written(c) {
			numCams++
		}
	}
	fmt.Fprintf(bw, plyHeader, numPoints+2*numCams)
	for _, p := range s.Points {
		if len(p.Views) == 0 {
			continue
		}
		fmt.Fprintf(bw, "%0.6e %0.6e %0.6e %d %d %d\n", p.Pos.X, p.Pos.Y, p.Pos.Z, p.Color.R, p.Color.G, p.Color.B)
	}
	for i, c := range s.Cameras {
		if !written(c) {
			continue
		}
		rgb := "0 255 0"
		if i%2 == 1 {
			rgb = "255 0 0"
		}
		fmt.Fprintf(bw, "%0.6e %0.6e %0.6e %s\n", c.C.X, c.C.Y, c.C.Z, rgb)
		ahead := c.C.Add(c.R.T().MulVec(r3.Vector{Z: -cameraMarker}))
		fmt.Fprintf(bw, "%0.6e %0.6e %0.6e 255 255 0\n", ahead.X, ahead.Y, ahead.Z)
	}
	return bw.Flush()
}

// WritePlyFile writes the point cloud to path.
func WritePlyFile(path string, s *sfm.Scene) error {
	return writeAtomic(path, func(w io.Writer) error { return WritePly(w, s) })
}
