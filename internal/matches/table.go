package matches

import (
	"sort"

	"bundler/internal/sparse"
)

// MinMatches is the load-time floor: pairs with fewer correspondences are
// dropped.
const MinMatches = 10

// MatchIndex identifies an unordered image pair. I is always the smaller
// index.
type MatchIndex struct {
	I, J int
}

// GetMatchIndex returns the canonical index for the pair (i, j).
func GetMatchIndex(i, j int) MatchIndex {
	if i > j {
		i, j = j, i
	}
	return MatchIndex{I: i, J: j}
}

// GetMatchIndexUnordered is GetMatchIndex; both orders map to the same key.
func GetMatchIndexUnordered(i, j int) MatchIndex {
	return GetMatchIndex(i, j)
}

// Less orders indexes by I then J.
func (m MatchIndex) Less(o MatchIndex) bool {
	if m.I != o.I {
		return m.I < o.I
	}
	return m.J < o.J
}

// KeypointMatch links keypoint Idx1 in the first image to Idx2 in the
// second.
type KeypointMatch struct {
	Idx1, Idx2 int
}

// Table stores raw correspondences per pair together with the symmetric
// "images match" relation.
type Table struct {
	graph *sparse.Graph
	lists map[MatchIndex][]KeypointMatch
}

// NewTable returns an empty table over numImages images.
func NewTable(numImages int) *Table {
	return &Table{graph: sparse.New(numImages), lists: make(map[MatchIndex][]KeypointMatch)}
}

// NumImages returns the number of image nodes.
func (t *Table) NumImages() int { return t.graph.Len() }

// SetMatch marks i and j as matched.
func (t *Table) SetMatch(i, j int) { t.graph.AddEdge(i, j) }

// RemoveMatch unmarks the pair and drops its correspondences.
func (t *Table) RemoveMatch(i, j int) {
	t.graph.RemoveEdge(i, j)
	delete(t.lists, GetMatchIndex(i, j))
}

// ImagesMatch reports whether the pair is marked as matched.
func (t *Table) ImagesMatch(i, j int) bool { return t.graph.HasEdge(i, j) }

// SetMatches stores the correspondences for (i, j), with Idx1 referring to
// image i, and marks the pair as matched.
func (t *Table) SetMatches(i, j int, list []KeypointMatch) {
	if i == j {
		return
	}
	t.graph.Grow(max(i, j) + 1)
	t.lists[GetMatchIndex(i, j)] = orient(list, i > j)
	t.SetMatch(i, j)
}

// Matches returns the correspondences of (i, j) with Idx1 in image i. The
// slice is a copy when the pair is requested in reverse order.
func (t *Table) Matches(i, j int) []KeypointMatch {
	list := t.lists[GetMatchIndex(i, j)]
	if i > j {
		return orient(list, true)
	}
	return list
}

// NumMatches returns the correspondence count, 0 when the pair is absent.
func (t *Table) NumMatches(i, j int) int {
	return len(t.lists[GetMatchIndex(i, j)])
}

// Neighbors returns the images matched with i in ascending order.
func (t *Table) Neighbors(i int) []int { return t.graph.Neighbors(i) }

// Pairs returns every stored pair in ascending order.
func (t *Table) Pairs() []MatchIndex {
	out := make([]MatchIndex, 0, len(t.lists))
	for idx := range t.lists {
		out = append(out, idx)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Less(out[b]) })
	return out
}

// RemoveAll clears every pair.
func (t *Table) RemoveAll() {
	t.graph.Clear()
	t.lists = make(map[MatchIndex][]KeypointMatch)
}

// PruneBelow removes pairs with fewer than min correspondences and returns
// how many were removed.
func (t *Table) PruneBelow(min int) int {
	removed := 0
	for _, idx := range t.Pairs() {
		if len(t.lists[idx]) < min {
			t.RemoveMatch(idx.I, idx.J)
			removed++
		}
	}
	return removed
}

// PruneDoubleMatches drops every correspondence whose keypoint, in either
// image, takes part in more than one correspondence of the same pair. It
// returns the number of correspondences removed.
func (t *Table) PruneDoubleMatches() int {
	removed := 0
	for _, idx := range t.Pairs() {
		list := t.lists[idx]
		count1 := make(map[int]int, len(list))
		count2 := make(map[int]int, len(list))
		for _, m := range list {
			count1[m.Idx1]++
			count2[m.Idx2]++
		}
		kept := list[:0]
		for _, m := range list {
			if count1[m.Idx1] > 1 || count2[m.Idx2] > 1 {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			t.RemoveMatch(idx.I, idx.J)
			continue
		}
		t.lists[idx] = kept
	}
	return removed
}

func orient(list []KeypointMatch, swap bool) []KeypointMatch {
	out := make([]KeypointMatch, len(list))
	for k, m := range list {
		if swap {
			m.Idx1, m.Idx2 = m.Idx2, m.Idx1
		}
		out[k] = m
	}
	return out
}
