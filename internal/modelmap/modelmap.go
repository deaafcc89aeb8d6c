// Package modelmap stores two-frame models as edges of a sparse image
// graph.
package modelmap

import (
	"sort"

	"bundler/internal/matches"
	"bundler/internal/sparse"
	"bundler/internal/twoframe"
)

// ModelMap maps an image pair to its two-frame model. A model exists for
// (i, j) exactly when i and j are neighbours of each other.
type ModelMap struct {
	graph  *sparse.Graph
	models map[matches.MatchIndex]*twoframe.Model
}

// New returns an empty map over numImages images.
func New(numImages int) *ModelMap {
	return &ModelMap{
		graph:  sparse.New(numImages),
		models: make(map[matches.MatchIndex]*twoframe.Model),
	}
}

func (mm *ModelMap) NumImages() int { return mm.graph.Len() }

// Len returns the number of stored models.
func (mm *ModelMap) Len() int { return len(mm.models) }

// AddModel stores m for the pair. Side A of m must belong to min(i, j). An
// existing model for the pair is kept.
func (mm *ModelMap) AddModel(i, j int, m *twoframe.Model) {
	if i == j {
		return
	}
	idx := matches.GetMatchIndex(i, j)
	if _, ok := mm.models[idx]; ok {
		return
	}
	mm.graph.Grow(idx.J + 1)
	mm.models[idx] = m
	mm.graph.AddEdge(idx.I, idx.J)
}

// RemoveModel drops the pair's model and both neighbour links.
func (mm *ModelMap) RemoveModel(i, j int) {
	idx := matches.GetMatchIndex(i, j)
	if _, ok := mm.models[idx]; !ok {
		return
	}
	delete(mm.models, idx)
	mm.graph.RemoveEdge(idx.I, idx.J)
}

// Contains reports whether the pair has a model.
func (mm *ModelMap) Contains(i, j int) bool {
	_, ok := mm.models[matches.GetMatchIndex(i, j)]
	return ok
}

// GetModel returns the pair's model.
func (mm *ModelMap) GetModel(i, j int) (*twoframe.Model, bool) {
	m, ok := mm.models[matches.GetMatchIndex(i, j)]
	return m, ok
}

// Neighbors returns the images sharing a model with i, ascending.
func (mm *ModelMap) Neighbors(i int) []int { return mm.graph.Neighbors(i) }

// Degree returns the number of models involving i.
func (mm *ModelMap) Degree(i int) int { return mm.graph.Degree(i) }

// Pairs returns every stored pair in ascending order.
func (mm *ModelMap) Pairs() []matches.MatchIndex {
	out := make([]matches.MatchIndex, 0, len(mm.models))
	for idx := range mm.models {
		out = append(out, idx)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Less(out[b]) })
	return out
}

// RemoveImage drops every model involving i and returns the removed pairs.
func (mm *ModelMap) RemoveImage(i int) []matches.MatchIndex {
	var removed []matches.MatchIndex
	for _, j := range mm.graph.Isolate(i) {
		idx := matches.GetMatchIndex(i, j)
		delete(mm.models, idx)
		removed = append(removed, idx)
	}
	return removed
}

// RemoveAll clears the map.
func (mm *ModelMap) RemoveAll() {
	mm.graph.Clear()
	mm.models = make(map[matches.MatchIndex]*twoframe.Model)
}

// ResetSearch clears shortest-path scratch state on every model.
func (mm *ModelMap) ResetSearch() {
	for _, m := range mm.models {
		m.ResetSearch()
	}
}
