package prune

import (
	"container/heap"
	"math"
	"sort"

	"bundler/internal/matches"
	"bundler/internal/modelmap"
	"bundler/internal/sparse"
	"bundler/internal/twoframe"
)

// Color is the search state of a node during EdgeIsShortestPath.
type Color int

const (
	White Color = iota // not reached
	Gray               // reached, distance tentative
	Black              // settled
	PNode              // on the reconstructed path
)

// WeightFunc assigns a positive length to a model edge.
type WeightFunc func(m *twoframe.Model) float64

// QualityWeight makes well-conditioned models short: wide angles and many
// points give small weights.
func QualityWeight(m *twoframe.Model) float64 {
	q := math.Max(m.Angle, 1e-3) * float64(max(m.NumPoints(), 1))
	return 1 / q
}

// Spanner is the outcome of TSpanner.
type Spanner struct {
	T      float64
	Edges  []matches.MatchIndex // kept in the spanner
	PEdges []matches.MatchIndex // covered by a spanner path within the stretch bound
	weight map[matches.MatchIndex]float64
}

// Weight returns the weight TSpanner assigned to idx.
func (s *Spanner) Weight(idx matches.MatchIndex) float64 { return s.weight[idx] }

// TSpanner builds a greedy t-spanner of the model graph. Edges are visited
// in ascending weight and kept unless the spanner built so far already
// connects their endpoints within t times their weight. The model map is
// not modified apart from search scratch state; see RemovePEdges.
func TSpanner(mm *modelmap.ModelMap, t float64, weight WeightFunc) *Spanner {
	if weight == nil {
		weight = QualityWeight
	}
	sp := &Spanner{T: t, weight: make(map[matches.MatchIndex]float64)}
	pairs := mm.Pairs()
	for _, idx := range pairs {
		m, _ := mm.GetModel(idx.I, idx.J)
		sp.weight[idx] = weight(m)
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		wa, wb := sp.weight[pairs[a]], sp.weight[pairs[b]]
		if wa != wb {
			return wa < wb
		}
		return pairs[a].Less(pairs[b])
	})

	g := sparse.New(mm.NumImages())
	for _, idx := range pairs {
		if EdgeIsShortestPath(mm, g, sp.weight, idx, t) {
			g.AddEdge(idx.I, idx.J)
			sp.Edges = append(sp.Edges, idx)
		} else {
			sp.PEdges = append(sp.PEdges, idx)
		}
	}
	sortPairs(sp.Edges)
	sortPairs(sp.PEdges)
	return sp
}

// EdgeIsShortestPath reports whether no path in g from idx.I to idx.J is
// within t times the edge's own weight, in which case the edge is needed.
// The search is a Dijkstra bounded by that length. Search links are left
// on the model sides: the side of the settled image records the image it
// was reached from (Previous) and that image's own predecessor
// (Predecessor). Models along the found path get OnPath set.
func EdgeIsShortestPath(mm *modelmap.ModelMap, g *sparse.Graph, weight map[matches.MatchIndex]float64, idx matches.MatchIndex, t float64) bool {
	bound := t * weight[idx]
	mm.ResetSearch()

	n := g.Len()
	color := make([]Color, n)
	dist := make([]float64, n)
	prev := make([]int, n)
	for i := range dist {
		dist[i], prev[i] = math.Inf(1), -1
	}

	src, dst := idx.I, idx.J
	dist[src] = 0
	color[src] = Gray
	q := &frontier{{node: src}}

	for q.Len() > 0 {
		it := heap.Pop(q).(item)
		u := it.node
		if color[u] == Black || it.dist > dist[u] {
			continue
		}
		if it.dist > bound {
			break
		}
		color[u] = Black
		if p := prev[u]; p >= 0 {
			markSettled(mm, p, u, prev[p])
		}
		if u == dst {
			markPath(mm, color, prev, dst)
			return false
		}
		for _, v := range g.Neighbors(u) {
			if color[v] == Black {
				continue
			}
			d := dist[u] + weight[matches.GetMatchIndex(u, v)]
			if d < dist[v] && d <= bound {
				dist[v], prev[v] = d, u
				color[v] = Gray
				heap.Push(q, item{node: v, dist: d})
			}
		}
	}
	return true
}

func markSettled(mm *modelmap.ModelMap, from, to, before int) {
	m, ok := mm.GetModel(from, to)
	if !ok {
		return
	}
	s := m.Side(sideOf(from, to))
	s.Previous, s.Predecessor = from, before
	s.Flag = int(Black)
	s.Computed = true
}

func markPath(mm *modelmap.ModelMap, color []Color, prev []int, dst int) {
	for v := dst; v >= 0; v = prev[v] {
		color[v] = PNode
		p := prev[v]
		if p < 0 {
			break
		}
		if m, ok := mm.GetModel(p, v); ok {
			m.A.OnPath, m.B.OnPath = true, true
			m.Side(sideOf(p, v)).Flag = int(PNode)
		}
	}
}

// sideOf returns the side of the model (from, to) that belongs to image to.
func sideOf(from, to int) twoframe.Which {
	if to < from {
		return twoframe.A
	}
	return twoframe.B
}

// RemovePEdges drops the non-spanner models from mm.
func RemovePEdges(mm *modelmap.ModelMap, pedges []matches.MatchIndex) {
	for _, idx := range pedges {
		mm.RemoveModel(idx.I, idx.J)
	}
}

func sortPairs(p []matches.MatchIndex) {
	sort.Slice(p, func(a, b int) bool { return p[a].Less(p[b]) })
}

type item struct {
	node int
	dist float64
}

type frontier []item

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].dist != f[j].dist {
		return f[i].dist < f[j].dist
	}
	return f[i].node < f[j].node
}
func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)   { *f = append(*f, x.(item)) }
func (f *frontier) Pop() any {
	old := *f
	it := old[len(old)-1]
	*f = old[:len(old)-1]
	return it
}
