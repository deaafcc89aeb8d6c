package twoframe

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/golang/geo/r3"

	"bundler/internal/geometry"
)

func writeVector(w io.Writer, v ...float64) error {
	for _, x := range v {
		if _, err := fmt.Fprintf(w, "%0.16e ", x); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

func writeCamera(w io.Writer, c geometry.Camera) error {
	if err := writeVector(w, c.R[:]...); err != nil {
		return err
	}
	if err := writeVector(w, c.C.X, c.C.Y, c.C.Z); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%0.16e\n", c.Focal)
	return err
}

// Write serialises the model: point count, angle and error, one
// "track key1 key2 x y z" line per point, both cameras and both
// covariances.
func (m *Model) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d\n%0.9f\n%0.9f\n", len(m.Points), m.Angle, m.Error); err != nil {
		return err
	}
	for k, X := range m.Points {
		tr, k1, k2 := -1, -1, -1
		if m.Tracks != nil {
			tr = m.Tracks[k]
		}
		if m.Keys1 != nil {
			k1, k2 = m.Keys1[k], m.Keys2[k]
		}
		if _, err := fmt.Fprintf(w, "%d %d %d %0.16e %0.16e %0.16e\n", tr, k1, k2, X.X, X.Y, X.Z); err != nil {
			return err
		}
	}
	for _, c := range []geometry.Camera{m.A.Camera, m.B.Camera} {
		if err := writeCamera(w, c); err != nil {
			return err
		}
	}
	if err := writeVector(w, m.A.Cov[:]...); err != nil {
		return err
	}
	return writeVector(w, m.B.Cov[:]...)
}

func readFloats(r *bufio.Reader, dst []float64) error {
	for k := range dst {
		if _, err := fmt.Fscan(r, &dst[k]); err != nil {
			return err
		}
	}
	return nil
}

func readCamera(r *bufio.Reader) (geometry.Camera, error) {
	var v [13]float64
	if err := readFloats(r, v[:]); err != nil {
		return geometry.Camera{}, err
	}
	var c geometry.Camera
	copy(c.R[:], v[:9])
	c.C = r3.Vector{X: v[9], Y: v[10], Z: v[11]}
	c.Focal = v[12]
	return c, nil
}

// Read parses a model written by Write. When the first point carries a
// track id the model is in track mode and its points are sorted by track.
func Read(r *bufio.Reader) (*Model, error) {
	m := NewModel()
	var n int
	if _, err := fmt.Fscan(r, &n, &m.Angle, &m.Error); err != nil {
		return nil, fmt.Errorf("model header: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("negative point count %d", n)
	}
	type row struct {
		tr, k1, k2 int
		X          r3.Vector
	}
	rows := make([]row, n)
	for k := range rows {
		p := &rows[k]
		if _, err := fmt.Fscan(r, &p.tr, &p.k1, &p.k2, &p.X.X, &p.X.Y, &p.X.Z); err != nil {
			return nil, fmt.Errorf("model point %d: %w", k, err)
		}
	}
	m.Points = make([]r3.Vector, n)
	if n > 0 && rows[0].tr >= 0 {
		sort.SliceStable(rows, func(a, b int) bool { return rows[a].tr < rows[b].tr })
		m.Tracks = make([]int, n)
		for k, p := range rows {
			m.Tracks[k], m.Points[k] = p.tr, p.X
		}
	} else {
		m.Keys1, m.Keys2 = make([]int, n), make([]int, n)
		for k, p := range rows {
			m.Keys1[k], m.Keys2[k], m.Points[k] = p.k1, p.k2, p.X
		}
	}

	var err error
	if m.A.Camera, err = readCamera(r); err != nil {
		return nil, fmt.Errorf("camera A: %w", err)
	}
	if m.B.Camera, err = readCamera(r); err != nil {
		return nil, fmt.Errorf("camera B: %w", err)
	}
	if err := readFloats(r, m.A.Cov[:]); err != nil {
		return nil, fmt.Errorf("covariance A: %w", err)
	}
	if err := readFloats(r, m.B.Cov[:]); err != nil {
		return nil, fmt.Errorf("covariance B: %w", err)
	}
	return m, nil
}

// WriteSparse writes the pose of B relative to A (rotation, then unit
// translation) and the mean scene distance in baseline units.
func (m *Model) WriteSparse(w io.Writer) error {
	pos0, pos1 := m.A.Camera.C, m.B.Camera.C
	R1 := m.RelativeRotation()
	tr := m.A.Camera.R.MulVec(pos1.Sub(pos0))
	norm := tr.Norm()
	if norm > 0 {
		tr = tr.Mul(1 / norm)
	}
	zAvg := 0.0
	for _, X := range m.Points {
		zAvg += 0.5 * (X.Sub(pos0).Norm() + X.Sub(pos1).Norm()) / norm
	}
	if len(m.Points) > 0 {
		zAvg /= float64(len(m.Points))
	}
	if math.IsInf(zAvg, 0) {
		zAvg = math.NaN()
	}
	if err := writeVector(w, R1[:]...); err != nil {
		return err
	}
	if err := writeVector(w, tr.X, tr.Y, tr.Z); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%0.6f\n", zAvg)
	return err
}

// WriteBrief writes the point count, angle, error and both covariances.
func (m *Model) WriteBrief(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d\n%0.5f\n%0.5f\n", len(m.Points), m.Angle, m.Error); err != nil {
		return err
	}
	if err := writeVector(w, m.A.Cov[:]...); err != nil {
		return err
	}
	return writeVector(w, m.B.Cov[:]...)
}
