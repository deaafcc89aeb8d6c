// Package sparse holds the undirected adjacency used by the match table and
// the model map: an arena of nodes indexed by image, each with a sorted,
// duplicate-free neighbour set.
package sparse

import "sort"

// Graph is an undirected graph over the nodes [0, Len()).
type Graph struct {
	adj [][]int
}

// New returns a graph with n isolated nodes.
func New(n int) *Graph {
	return &Graph{adj: make([][]int, n)}
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.adj) }

// Grow extends the arena to at least n nodes.
func (g *Graph) Grow(n int) {
	for len(g.adj) < n {
		g.adj = append(g.adj, nil)
	}
}

func (g *Graph) valid(i int) bool { return i >= 0 && i < len(g.adj) }

// AddEdge links i and j. Self loops and out-of-range nodes are ignored.
func (g *Graph) AddEdge(i, j int) {
	if i == j || !g.valid(i) || !g.valid(j) {
		return
	}
	g.adj[i] = insert(g.adj[i], j)
	g.adj[j] = insert(g.adj[j], i)
}

// RemoveEdge unlinks i and j in both directions.
func (g *Graph) RemoveEdge(i, j int) {
	if !g.valid(i) || !g.valid(j) {
		return
	}
	g.adj[i] = remove(g.adj[i], j)
	g.adj[j] = remove(g.adj[j], i)
}

// HasEdge reports whether i and j are linked.
func (g *Graph) HasEdge(i, j int) bool {
	if !g.valid(i) || !g.valid(j) {
		return false
	}
	s := g.adj[i]
	k := sort.SearchInts(s, j)
	return k < len(s) && s[k] == j
}

// Neighbors returns a copy of the sorted neighbour set of i.
func (g *Graph) Neighbors(i int) []int {
	if !g.valid(i) {
		return nil
	}
	return append([]int(nil), g.adj[i]...)
}

// Degree returns the number of neighbours of i.
func (g *Graph) Degree(i int) int {
	if !g.valid(i) {
		return 0
	}
	return len(g.adj[i])
}

// Isolate removes every edge incident to i and returns the former
// neighbours.
func (g *Graph) Isolate(i int) []int {
	if !g.valid(i) {
		return nil
	}
	nbrs := g.adj[i]
	for _, j := range nbrs {
		g.adj[j] = remove(g.adj[j], i)
	}
	g.adj[i] = nil
	return nbrs
}

// Clear drops every edge and keeps the nodes.
func (g *Graph) Clear() {
	for i := range g.adj {
		g.adj[i] = nil
	}
}

// Edges returns every edge once as (i, j) with i < j, in ascending order.
func (g *Graph) Edges() [][2]int {
	var out [][2]int
	for i, nbrs := range g.adj {
		for _, j := range nbrs {
			if i < j {
				out = append(out, [2]int{i, j})
			}
		}
	}
	return out
}

func insert(s []int, v int) []int {
	k := sort.SearchInts(s, v)
	if k < len(s) && s[k] == v {
		return s
	}
	s = append(s, 0)
	copy(s[k+1:], s[k:])
	s[k] = v
	return s
}

func remove(s []int, v int) []int {
	k := sort.SearchInts(s, v)
	if k == len(s) || s[k] != v {
		return s
	}
	return append(s[:k], s[k+1:]...)
}
