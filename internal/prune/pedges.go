package prune

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"bundler/internal/matches"
)

// ReadPEdges parses `i j` lines. Blank lines are ignored and pairs are
// normalised so I < J.
func ReadPEdges(r io.Reader) ([]matches.MatchIndex, error) {
	var out []matches.MatchIndex
	seen := make(map[matches.MatchIndex]bool)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var i, j int
		if _, err := fmt.Sscan(text, &i, &j); err != nil {
			return nil, fmt.Errorf("pedges line %d: %w", line, err)
		}
		idx := matches.GetMatchIndex(i, j)
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sortPairs(out)
	return out, nil
}

// WritePEdges writes one `i j` line per pair in ascending order.
func WritePEdges(w io.Writer, pedges []matches.MatchIndex) error {
	sorted := append([]matches.MatchIndex(nil), pedges...)
	sortPairs(sorted)
	bw := bufio.NewWriter(w)
	for _, idx := range sorted {
		fmt.Fprintf(bw, "%d %d\n", idx.I, idx.J)
	}
	return bw.Flush()
}

// ReadPEdgesFile reads a pedges file from disk.
func ReadPEdgesFile(path string) ([]matches.MatchIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pedges: %w", err)
	}
	defer f.Close()
	return ReadPEdges(f)
}

// WritePEdgesFile writes a pedges file to disk.
func WritePEdgesFile(path string, pedges []matches.MatchIndex) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create pedges: %w", err)
	}
	if err := WritePEdges(f, pedges); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func sortInts(s []int) { sort.Ints(s) }

func sortComponents(cc [][]int) {
	sort.Slice(cc, func(a, b int) bool {
		if len(cc[a]) != len(cc[b]) {
			return len(cc[a]) > len(cc[b])
		}
		return cc[a][0] < cc[b][0]
	})
}
