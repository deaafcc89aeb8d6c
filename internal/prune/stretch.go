package prune

import (
	"math"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"bundler/internal/modelmap"
)

// VerifyStretch recomputes all-pairs shortest paths over the spanner edges
// and returns the largest ratio of spanner distance to direct weight over
// every model in mm. It is +Inf when the spanner disconnects a model's
// endpoints.
func VerifyStretch(mm *modelmap.ModelMap, sp *Spanner) float64 {
	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for i := 0; i < mm.NumImages(); i++ {
		g.AddNode(simple.Node(i))
	}
	for _, idx := range sp.Edges {
		g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(idx.I), simple.Node(idx.J), sp.Weight(idx)))
	}
	all := path.DijkstraAllPaths(g)

	worst := 1.0
	for _, idx := range mm.Pairs() {
		w := sp.Weight(idx)
		if w <= 0 {
			continue
		}
		d := all.Weight(int64(idx.I), int64(idx.J))
		if math.IsInf(d, 1) {
			return d
		}
		worst = math.Max(worst, d/w)
	}
	return worst
}

// Components returns the connected components of the model graph that
// contain at least one model, largest first.
func Components(mm *modelmap.ModelMap) [][]int {
	g := simple.NewUndirectedGraph()
	for _, idx := range mm.Pairs() {
		g.SetEdge(g.NewEdge(simple.Node(idx.I), simple.Node(idx.J)))
	}
	var out [][]int
	for _, cc := range topo.ConnectedComponents(g) {
		out = append(out, nodeIDs(cc))
	}
	sortComponents(out)
	return out
}

func nodeIDs(nodes []graph.Node) []int {
	ids := make([]int, len(nodes))
	for k, n := range nodes {
		ids[k] = int(n.ID())
	}
	sortInts(ids)
	return ids
}
