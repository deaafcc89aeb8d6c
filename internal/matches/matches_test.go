package matches

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n, offset int) []KeypointMatch {
	out := make([]KeypointMatch, n)
	for k := range out {
		out[k] = KeypointMatch{Idx1: k, Idx2: k + offset}
	}
	return out
}

func TestGetMatchIndexCanonical(t *testing.T) {
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			a, b := GetMatchIndex(i, j), GetMatchIndex(j, i)
			assert.Equal(t, a, b)
			assert.LessOrEqual(t, a.I, a.J)
			assert.Equal(t, a, GetMatchIndexUnordered(j, i))
		}
	}
}

func TestTableOrientation(t *testing.T) {
	table := NewTable(3)
	table.SetMatches(2, 0, []KeypointMatch{{Idx1: 7, Idx2: 1}})

	assert.True(t, table.ImagesMatch(0, 2))
	assert.Equal(t, []KeypointMatch{{Idx1: 1, Idx2: 7}}, table.Matches(0, 2))
	assert.Equal(t, []KeypointMatch{{Idx1: 7, Idx2: 1}}, table.Matches(2, 0))
	assert.Equal(t, 0, table.NumMatches(0, 1))

	table.RemoveMatch(0, 2)
	assert.False(t, table.ImagesMatch(2, 0))
	assert.Empty(t, table.Neighbors(0))
	assert.Equal(t, 0, table.NumMatches(2, 0))
}

func TestPruneDoubleMatches(t *testing.T) {
	table := NewTable(2)
	table.SetMatches(0, 1, []KeypointMatch{{0, 0}, {1, 1}, {1, 2}, {3, 3}, {4, 3}, {5, 5}})
	removed := table.PruneDoubleMatches()
	assert.Equal(t, 4, removed)
	assert.Equal(t, []KeypointMatch{{0, 0}, {5, 5}}, table.Matches(0, 1))
}

func TestReadTableDropsSmallPairs(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	src := NewTable(3)
	src.SetMatches(0, 1, seq(12, 0))
	src.SetMatches(1, 2, seq(9, 0))
	require.NoError(t, WriteTable(&buf, src))
	path := filepath.Join(dir, "matches.txt")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	table, source, err := Load(LoadOptions{NumImages: 3, TableFile: path, Dir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, SourceTable, source)
	assert.Equal(t, 12, table.NumMatches(0, 1))
	assert.Equal(t, 0, table.NumMatches(1, 2))
	assert.False(t, table.ImagesMatch(1, 2))
	assert.Equal(t, []MatchIndex{{0, 1}}, table.Pairs())
}

func TestLoadIndexDirSkipsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	var b strings.Builder
	writeBlock := func(j int, list []KeypointMatch) {
		fmt.Fprintf(&b, "%d\n%d\n", j, len(list))
		for _, m := range list {
			fmt.Fprintf(&b, "%d %d\n", m.Idx1, m.Idx2)
		}
	}
	writeBlock(1, seq(15, 1))
	writeBlock(5, seq(20, 0))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "match-000.txt"), []byte(b.String()), 0o644))

	table, source, err := Load(LoadOptions{NumImages: 2, IndexDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, SourceIndex, source)
	assert.Equal(t, 15, table.NumMatches(1, 0))
	assert.Len(t, table.Pairs(), 1)
}

func TestLoadDefaultConvention(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, list []KeypointMatch) {
		var b strings.Builder
		fmt.Fprintf(&b, "%d\n", len(list))
		for _, m := range list {
			fmt.Fprintf(&b, "%d %d\n", m.Idx1, m.Idx2)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644))
	}
	write("match-000-001.txt", seq(30, 0))
	write("match-001-002.txt", seq(11, 2))

	t.Run("all pairs", func(t *testing.T) {
		table, source, err := Load(LoadOptions{NumImages: 3, Dir: dir}, nil)
		require.NoError(t, err)
		assert.Equal(t, SourceDefault, source)
		assert.Equal(t, 30, table.NumMatches(0, 1))
		assert.Equal(t, 11, table.NumMatches(1, 2))
		assert.Equal(t, 0, table.NumMatches(0, 2))
	})

	t.Run("index file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "match-index.txt"), []byte("1 2\n"), 0o644))
		defer os.Remove(filepath.Join(dir, "match-index.txt"))
		table, _, err := Load(LoadOptions{NumImages: 3, Dir: dir}, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, table.NumMatches(0, 1))
		assert.Equal(t, 11, table.NumMatches(1, 2))
	})
}

func TestReadTableTruncated(t *testing.T) {
	table := NewTable(2)
	err := ReadTable(strings.NewReader("0 1\n3\n0 0\n1 1\n"), table)
	assert.Error(t, err)
}

func TestMalformedCountsAreErrors(t *testing.T) {
	err := ReadTable(strings.NewReader("0 1\n-3\n"), NewTable(2))
	assert.ErrorIs(t, err, ErrBadCount)

	err = ReadTable(strings.NewReader("0 1\n1\n-1 4\n"), NewTable(2))
	assert.ErrorContains(t, err, "negative keypoint index")

	// a huge count with no data fails on input, not on allocation
	err = ReadTable(strings.NewReader("0 1\n9223372036854775807\n"), NewTable(2))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "match-000.txt"), []byte("1\n-2\n"), 0o644))
	_, _, err = Load(LoadOptions{NumImages: 2, IndexDir: dir}, nil)
	assert.ErrorIs(t, err, ErrBadCount)

	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "match-000-001.txt"), []byte("-5\n"), 0o644))
	_, _, err = Load(LoadOptions{NumImages: 2, Dir: dir}, nil)
	assert.ErrorIs(t, err, ErrBadCount)
}
