package matches

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Source names the loader that produced a table.
type Source string

const (
	SourceTable   Source = "table"
	SourceIndex   Source = "index"
	SourceDefault Source = "default"
)

// LoadOptions selects where matches come from. The first available of
// TableFile, IndexDir and Dir wins.
type LoadOptions struct {
	NumImages int
	TableFile string
	IndexDir  string
	Dir       string
	// MinMatches overrides the load-time floor when positive.
	MinMatches int
	// KeepDoubles skips PruneDoubleMatches.
	KeepDoubles bool
}

// Load reads matches from exactly one source, drops pairs below the floor
// and removes double matches.
func Load(opts LoadOptions, log *slog.Logger) (*Table, Source, error) {
	if log == nil {
		log = slog.Default()
	}
	table := NewTable(opts.NumImages)
	var (
		src Source
		err error
	)
	switch {
	case opts.TableFile != "" && exists(opts.TableFile):
		src = SourceTable
		err = loadTableFile(table, opts.TableFile)
	case opts.IndexDir != "" && exists(opts.IndexDir):
		src = SourceIndex
		err = loadIndexDir(table, opts.IndexDir, log)
	default:
		src = SourceDefault
		err = loadDefault(table, opts.Dir, log)
	}
	if err != nil {
		return nil, src, err
	}

	floor := opts.MinMatches
	if floor <= 0 {
		floor = MinMatches
	}
	dropped := table.PruneBelow(floor)
	doubles := 0
	if !opts.KeepDoubles {
		doubles = table.PruneDoubleMatches()
		dropped += table.PruneBelow(floor)
	}
	log.Info("matches loaded",
		"source", string(src),
		"pairs", len(table.lists),
		"dropped_pairs", dropped,
		"double_matches", doubles,
	)
	return table, src, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// tokens reads whitespace-separated integers.
type tokens struct {
	sc *bufio.Scanner
}

func newTokens(r io.Reader) *tokens {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(bufio.ScanWords)
	return &tokens{sc: sc}
}

// next returns the next integer, io.EOF at the end of input.
func (t *tokens) next() (int, error) {
	if !t.sc.Scan() {
		if err := t.sc.Err(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	return strconv.Atoi(t.sc.Text())
}

// maxPrealloc bounds the capacity reserved from a count read off disk.
const maxPrealloc = 1 << 16

// ErrBadCount is returned for a negative match count.
var ErrBadCount = errors.New("negative match count")

func (t *tokens) list(n int) ([]KeypointMatch, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadCount, n)
	}
	out := make([]KeypointMatch, 0, min(n, maxPrealloc))
	for k := 0; k < n; k++ {
		a, err := t.next()
		if err != nil {
			return nil, unexpected(err)
		}
		b, err := t.next()
		if err != nil {
			return nil, unexpected(err)
		}
		if a < 0 || b < 0 {
			return nil, fmt.Errorf("negative keypoint index in match %d: %d %d", k, a, b)
		}
		out = append(out, KeypointMatch{Idx1: a, Idx2: b})
	}
	return out, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ReadTable parses the single-file format: blocks of "i j", "n" and n
// keypoint pairs.
func ReadTable(r io.Reader, table *Table) error {
	tok := newTokens(r)
	for {
		i, err := tok.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		j, err := tok.next()
		if err != nil {
			return unexpected(err)
		}
		n, err := tok.next()
		if err != nil {
			return unexpected(err)
		}
		list, err := tok.list(n)
		if err != nil {
			return fmt.Errorf("pair %d %d: %w", i, j, err)
		}
		if i < 0 || j < 0 || i == j || i >= table.NumImages() || j >= table.NumImages() {
			continue
		}
		table.SetMatches(i, j, list)
	}
}

func loadTableFile(table *Table, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open match table: %w", err)
	}
	defer f.Close()
	if err := ReadTable(f, table); err != nil {
		return fmt.Errorf("read match table %s: %w", path, err)
	}
	return nil
}

func loadIndexDir(table *Table, dir string, log *slog.Logger) error {
	for i := 0; i < table.NumImages(); i++ {
		path := filepath.Join(dir, fmt.Sprintf("match-%03d.txt", i))
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("open match index: %w", err)
		}
		err = readIndexFile(f, table, i, log)
		f.Close()
		if err != nil {
			return fmt.Errorf("read match index %s: %w", path, err)
		}
	}
	return nil
}

func readIndexFile(r io.Reader, table *Table, i int, log *slog.Logger) error {
	tok := newTokens(r)
	for {
		j, err := tok.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		n, err := tok.next()
		if err != nil {
			return unexpected(err)
		}
		list, err := tok.list(n)
		if err != nil {
			return err
		}
		if j >= table.NumImages() || j < 0 || j == i {
			log.Warn("match index out of range", "image", i, "index", j, "num_images", table.NumImages())
			continue
		}
		table.SetMatches(i, j, list)
	}
}

func loadDefault(table *Table, dir string, log *slog.Logger) error {
	var pairs []MatchIndex
	indexPath := filepath.Join(dir, "match-index.txt")
	if f, err := os.Open(indexPath); err == nil {
		tok := newTokens(f)
		for {
			i, err := tok.next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				f.Close()
				return fmt.Errorf("read %s: %w", indexPath, err)
			}
			j, err := tok.next()
			if err != nil {
				f.Close()
				return fmt.Errorf("read %s: %w", indexPath, unexpected(err))
			}
			pairs = append(pairs, MatchIndex{I: i, J: j})
		}
		f.Close()
	} else {
		for i := 0; i < table.NumImages(); i++ {
			for j := i + 1; j < table.NumImages(); j++ {
				pairs = append(pairs, MatchIndex{I: i, J: j})
			}
		}
	}

	missing := 0
	for _, p := range pairs {
		path := filepath.Join(dir, fmt.Sprintf("match-%03d-%03d.txt", p.I, p.J))
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			missing++
			continue
		}
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		tok := newTokens(f)
		n, err := tok.next()
		if err == nil {
			var list []KeypointMatch
			list, err = tok.list(n)
			if err == nil && p.I >= 0 && p.J >= 0 && p.I != p.J && p.I < table.NumImages() && p.J < table.NumImages() {
				table.SetMatches(p.I, p.J, list)
			}
		}
		f.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
	if missing > 0 {
		log.Debug("per-pair match files missing", "count", missing)
	}
	return nil
}

// WriteTable writes every pair in the single-file format.
func WriteTable(w io.Writer, table *Table) error {
	bw := bufio.NewWriter(w)
	for _, idx := range table.Pairs() {
		list := table.lists[idx]
		fmt.Fprintf(bw, "%d %d\n%d\n", idx.I, idx.J, len(list))
		for _, m := range list {
			fmt.Fprintf(bw, "%d %d\n", m.Idx1, m.Idx2)
		}
	}
	return bw.Flush()
}
