package keys

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
)

// Keypoint is a feature location in image-centred coordinates with y up.
type Keypoint struct {
	Pos         r2.Point
	Scale       float64
	Orientation float64
	Track       int
}

// ReadKeys parses Lowe's ASCII key format: a "num dim" header, then per key
// "row col scale orientation" and dim descriptor values. Descriptors are
// skipped. Coordinates are centred on an image of the given size.
func ReadKeys(r io.Reader, width, height int) ([]Keypoint, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(bufio.ScanWords)
	next := func() (string, error) {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		return sc.Text(), nil
	}
	readInt := func() (int, error) {
		s, err := next()
		if err != nil {
			return 0, err
		}
		return strconv.Atoi(s)
	}

	num, err := readInt()
	if err != nil {
		return nil, fmt.Errorf("key header: %w", err)
	}
	dim, err := readInt()
	if err != nil {
		return nil, fmt.Errorf("key header: %w", err)
	}
	cx, cy := 0.5*float64(width-1), 0.5*float64(height-1)
	out := make([]Keypoint, 0, num)
	for k := 0; k < num; k++ {
		var v [4]float64
		for i := range v {
			s, err := next()
			if err != nil {
				return nil, fmt.Errorf("key %d: %w", k, err)
			}
			if v[i], err = strconv.ParseFloat(s, 64); err != nil {
				return nil, fmt.Errorf("key %d: %w", k, err)
			}
		}
		for i := 0; i < dim; i++ {
			if _, err := next(); err != nil {
				return nil, fmt.Errorf("key %d descriptor: %w", k, err)
			}
		}
		out = append(out, Keypoint{
			Pos:         r2.Point{X: v[1] - cx, Y: cy - v[0]},
			Scale:       v[2],
			Orientation: v[3],
			Track:       -1,
		})
	}
	return out, nil
}

// ReadKeyFile opens path, transparently decompressing .gz files.
func ReadKeyFile(path string, width, height int) ([]Keypoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keys: %w", err)
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gunzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	keys, err := ReadKeys(r, width, height)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return keys, nil
}

// PixelOf converts a centred y-up keypoint back to (column, row).
func PixelOf(p r2.Point, width, height int) [2]int {
	col := p.X + 0.5*float64(width-1)
	row := 0.5*float64(height-1) - p.Y
	return [2]int{int(col + 0.5), int(row + 0.5)}
}
