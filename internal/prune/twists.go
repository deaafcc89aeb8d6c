// Package prune filters and sparsifies the pairwise model graph.
package prune

import (
	"log/slog"
	"math"

	"bundler/internal/geometry"
	"bundler/internal/modelmap"
)

const (
	// LargeTwist is the in-plane rotation, in degrees, counted as large.
	LargeTwist = 12.0
	// MaxTwistFraction is the share of large-twist models an image may have.
	MaxTwistFraction = 0.4
	minAspect        = 0.4
	maxAspect        = 2.5
)

// Sizer reports image dimensions. *keys.Store satisfies it.
type Sizer interface {
	Dimensions(i int) (int, int, error)
}

// TwistStat is the per-image tally computed by ThresholdTwists.
type TwistStat struct {
	Image    int
	Degree   int
	Large    int
	Fraction float64
	Aspect   float64
	Removed  bool
}

// Twist returns the in-plane rotation of the model's relative rotation, in
// degrees.
func Twist(mm *modelmap.ModelMap, i, j int) (float64, bool) {
	m, ok := mm.GetModel(i, j)
	if !ok {
		return 0, false
	}
	return geometry.Deg(geometry.GetTwist(m.RelativeRotation())), true
}

// ThresholdTwists removes every model of an image whose models show too
// many large twists or whose aspect ratio is implausible. With panosOnly
// the twist fraction is ignored. It returns the per-image tallies of
// images with at least one model.
func ThresholdTwists(mm *modelmap.ModelMap, sizes Sizer, panosOnly bool, log *slog.Logger) []TwistStat {
	if log == nil {
		log = slog.Default()
	}
	n := mm.NumImages()
	large := make([]int, n)
	degree := make([]int, n)
	for _, idx := range mm.Pairs() {
		t, _ := Twist(mm, idx.I, idx.J)
		if math.Abs(t) >= LargeTwist {
			large[idx.I]++
			large[idx.J]++
		}
		degree[idx.I]++
		degree[idx.J]++
	}

	var stats []TwistStat
	for i := 0; i < n; i++ {
		if degree[i] == 0 {
			continue
		}
		st := TwistStat{Image: i, Degree: degree[i], Large: large[i], Aspect: 1}
		st.Fraction = float64(large[i]) / float64(degree[i])
		if sizes != nil {
			w, h, err := sizes.Dimensions(i)
			if err != nil {
				log.Warn("image size unknown, aspect check skipped", "image", i, "error", err)
			} else if h > 0 {
				st.Aspect = float64(w) / float64(h)
			}
		}
		keep := (panosOnly || st.Fraction < MaxTwistFraction) && st.Aspect >= minAspect && st.Aspect <= maxAspect
		if !keep {
			st.Removed = true
			removed := mm.RemoveImage(i)
			log.Info("removing image for twist", "image", i, "fraction", st.Fraction,
				"aspect", st.Aspect, "models", len(removed))
		}
		stats = append(stats, st)
	}
	return stats
}
