package sfm

import "math"

// ThresholdState is what a ThresholdPolicy sees when asked for the current
// reprojection error bound.
type ThresholdState struct {
	Registered int // registered images
	Total      int // images that could be registered
	Stalled    int // consecutive rounds without a new camera
}

// ThresholdPolicy yields the reprojection error bound, in pixels, used for
// pose acceptance, triangulation and outlier removal.
type ThresholdPolicy interface {
	Threshold(s ThresholdState) float64
}

// AdaptiveThreshold starts at Max with only the seed pair registered and
// moves linearly to Min as the registered fraction reaches one. Each
// stalled round loosens it by Step. The result is clamped to [Min, Max].
type AdaptiveThreshold struct {
	Min, Max float64
	Step     float64 // defaults to a quarter of Max − Min
}

func (a AdaptiveThreshold) Threshold(s ThresholdState) float64 {
	lo, hi := math.Min(a.Min, a.Max), math.Max(a.Min, a.Max)
	frac := 0.0
	if s.Total > 2 {
		frac = float64(s.Registered-2) / float64(s.Total-2)
	}
	frac = math.Max(0, math.Min(1, frac))
	step := a.Step
	if step <= 0 {
		step = (hi - lo) / 4
	}
	t := hi - (hi-lo)*frac + float64(s.Stalled)*step
	return math.Max(lo, math.Min(hi, t))
}

// FixedThreshold always returns the same bound.
type FixedThreshold float64

func (f FixedThreshold) Threshold(ThresholdState) float64 { return float64(f) }
