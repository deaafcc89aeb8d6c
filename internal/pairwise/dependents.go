package pairwise

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// DependentsPath returns the file recording the near-duplicate images of
// a models file.
func DependentsPath(modelsFile string) string { return modelsFile + ".deps" }

// WriteDependents writes one "child parent" line per dependent image,
// ordered by child.
func WriteDependents(w io.Writer, deps map[int]int) error {
	children := make([]int, 0, len(deps))
	for c := range deps {
		children = append(children, c)
	}
	sort.Ints(children)
	bw := bufio.NewWriter(w)
	for _, c := range children {
		if _, err := fmt.Fprintf(bw, "%d %d\n", c, deps[c]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadDependents parses the output of WriteDependents.
func ReadDependents(r io.Reader) (map[int]int, error) {
	deps := make(map[int]int)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("dependents line %d: want child and parent", line)
		}
		child, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("dependents line %d: %w", line, err)
		}
		parent, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("dependents line %d: %w", line, err)
		}
		if child < 0 || parent < 0 || child == parent {
			return nil, fmt.Errorf("dependents line %d: bad pair %d %d", line, child, parent)
		}
		deps[child] = parent
	}
	return deps, sc.Err()
}

// ReadDependentsFile reads path. A missing file yields an empty map.
func ReadDependentsFile(path string) (map[int]int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[int]int), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	deps, err := ReadDependents(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return deps, nil
}

// WriteDependentsFile writes deps to path, replacing it atomically.
func WriteDependentsFile(path string, deps map[int]int) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := WriteDependents(f, deps); err != nil {
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
