package modelmap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"bundler/internal/twoframe"
)

// ReadModels parses a models file. Pairs with a reflected covariance, too
// few points or a NaN angle or error are logged and skipped.
func ReadModels(r io.Reader, log *slog.Logger) (*ModelMap, error) {
	if log == nil {
		log = slog.Default()
	}
	br := bufio.NewReader(r)
	var numImages int
	if _, err := fmt.Fscan(br, &numImages); err != nil {
		return nil, fmt.Errorf("models header: %w", err)
	}
	mm := New(numImages)
	for {
		var i, j int
		_, err := fmt.Fscan(br, &i, &j)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("models pair header: %w", err)
		}
		m, err := twoframe.Read(br)
		if err != nil {
			return nil, fmt.Errorf("model %d-%d: %w", i, j, err)
		}
		switch {
		case m.ComputeTrace(twoframe.A) < 0 || m.ComputeTrace(twoframe.B) < 0:
			log.Warn("skipping model with negative covariance trace", "i", i, "j", j)
			continue
		case m.NumPoints() < twoframe.MinModelPoints:
			log.Debug("skipping model with too few points", "i", i, "j", j, "points", m.NumPoints())
			continue
		case math.IsNaN(m.Angle) || math.IsNaN(m.Error):
			log.Warn("skipping model with NaN angle or error", "i", i, "j", j)
			continue
		}
		if i > j {
			i, j = j, i
		}
		mm.AddModel(i, j, m)
	}
	return mm, nil
}

// WriteModels writes the map in ascending pair order.
func WriteModels(w io.Writer, mm *ModelMap) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d\n", mm.NumImages())
	for _, idx := range mm.Pairs() {
		fmt.Fprintf(bw, "%d %d\n", idx.I, idx.J)
		if err := mm.models[idx].Write(bw); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteModelsSparse writes each pair's relative pose summary.
func WriteModelsSparse(w io.Writer, mm *ModelMap) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d %d\n", mm.NumImages(), mm.Len())
	for _, idx := range mm.Pairs() {
		fmt.Fprintf(bw, "%d %d\n", idx.I, idx.J)
		if err := mm.models[idx].WriteSparse(bw); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadModelsFile opens path and reads it with ReadModels.
func ReadModelsFile(path string, log *slog.Logger) (*ModelMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	mm, err := ReadModels(f, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mm, nil
}

// WriteModelsFile writes the map to path, replacing it atomically.
func WriteModelsFile(path string, mm *ModelMap, sparse bool) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	write := WriteModels
	if sparse {
		write = WriteModelsSparse
	}
	if err := write(f, mm); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
