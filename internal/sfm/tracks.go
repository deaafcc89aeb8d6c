package sfm

import (
	"sort"

	"bundler/internal/matches"
)

// TrackView is one (image, keypoint) member of a track.
type TrackView struct {
	Image int
	Key   int
}

// Track is a set of keypoints believed to see the same scene point.
type Track struct {
	Views []TrackView // ascending by image
	Point int         // triangulated point, or −1
}

// Key returns the keypoint of img in the track.
func (t *Track) Key(img int) (int, bool) {
	k := sort.Search(len(t.Views), func(n int) bool { return t.Views[n].Image >= img })
	if k < len(t.Views) && t.Views[k].Image == img {
		return t.Views[k].Key, true
	}
	return 0, false
}

// Tracks holds every track and, per image, the keypoint to track map.
type Tracks struct {
	List     []Track
	KeyTrack []map[int]int
}

// TrackOf returns the track of keypoint key in image img.
func (ts *Tracks) TrackOf(img, key int) (int, bool) {
	if img < 0 || img >= len(ts.KeyTrack) {
		return 0, false
	}
	t, ok := ts.KeyTrack[img][key]
	return t, ok
}

// ResetPoints detaches every track from its point.
func (ts *Tracks) ResetPoints() {
	for k := range ts.List {
		ts.List[k].Point = -1
	}
}

// Shared counts, for every image pair, the tracks seen by both images.
func (ts *Tracks) Shared() map[matches.MatchIndex]int {
	out := make(map[matches.MatchIndex]int)
	for _, t := range ts.List {
		for a := 0; a < len(t.Views); a++ {
			for b := a + 1; b < len(t.Views); b++ {
				out[matches.GetMatchIndex(t.Views[a].Image, t.Views[b].Image)]++
			}
		}
	}
	return out
}

type unionFind struct {
	parent []int
	rank   []int
}

func (u *unionFind) add() int {
	u.parent = append(u.parent, len(u.parent))
	u.rank = append(u.rank, 0)
	return len(u.parent) - 1
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}

// ComputeTracks chains pairwise matches into tracks. A track holding two
// different keypoints of one image is inconsistent and dropped, as are
// tracks with fewer than minViews or more than maxViews images
// (maxViews ≤ 0 means unbounded). Matches touching an image for which
// exclude reports true are ignored; exclude may be nil.
func ComputeTracks(table *matches.Table, numImages, minViews, maxViews int, exclude func(int) bool) *Tracks {
	if minViews < 2 {
		minViews = 2
	}
	var (
		uf    unionFind
		nodes []TrackView
		ids   = make(map[TrackView]int)
	)
	node := func(v TrackView) int {
		if id, ok := ids[v]; ok {
			return id
		}
		id := uf.add()
		ids[v] = id
		nodes = append(nodes, v)
		return id
	}
	for _, idx := range table.Pairs() {
		if idx.J >= numImages || (exclude != nil && (exclude(idx.I) || exclude(idx.J))) {
			continue
		}
		for _, m := range table.Matches(idx.I, idx.J) {
			uf.union(node(TrackView{idx.I, m.Idx1}), node(TrackView{idx.J, m.Idx2}))
		}
	}

	groups := make(map[int][]TrackView)
	var roots []int
	for id, v := range nodes {
		r := uf.find(id)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], v)
	}

	ts := &Tracks{KeyTrack: make([]map[int]int, numImages)}
	for i := range ts.KeyTrack {
		ts.KeyTrack[i] = make(map[int]int)
	}
	for _, r := range roots {
		views := groups[r]
		sort.Slice(views, func(a, b int) bool {
			if views[a].Image != views[b].Image {
				return views[a].Image < views[b].Image
			}
			return views[a].Key < views[b].Key
		})
		consistent := true
		for k := 1; k < len(views); k++ {
			if views[k].Image == views[k-1].Image {
				consistent = false
				break
			}
		}
		if !consistent || len(views) < minViews || (maxViews > 0 && len(views) > maxViews) {
			continue
		}
		t := len(ts.List)
		ts.List = append(ts.List, Track{Views: views, Point: -1})
		for _, v := range views {
			ts.KeyTrack[v.Image][v.Key] = t
		}
	}
	return ts
}
