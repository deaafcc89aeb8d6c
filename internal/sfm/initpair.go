package sfm

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"bundler/internal/config"
	"bundler/internal/geometry"
	"bundler/internal/keys"
	"bundler/internal/matches"
)

// ErrNoInitialPair is returned when no pair shares enough tracks to seed
// the reconstruction.
var ErrNoInitialPair = errors.New("no suitable initial pair")

// maxSeedCandidates bounds how many pairs get a homography test.
const maxSeedCandidates = 50

// SeedCandidate is a ranked initial pair.
type SeedCandidate struct {
	Pair               matches.MatchIndex
	Matches            int
	HomographyFraction float64
	Tier               int // 0 baseline, 1 focal agreement, 2 match count
}

// InitialPairs ranks image pairs for seeding. A configured pair is returned
// alone. Otherwise pairs need InitPairMinMatches shared tracks, halving
// down to MinNumFeatMatches when none qualify. Pairs that a homography
// explains poorly come first, then pairs whose focal estimates agree
// within 30%, then the rest; each tier is ordered by shared tracks.
func InitialPairs(ts *Tracks, store *keys.Store, h geometry.HomographyEstimator, opts config.Registration, log *slog.Logger) ([]SeedCandidate, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(opts.InitialPair) == 2 {
		i, j := opts.InitialPair[0], opts.InitialPair[1]
		if i == j || i < 0 || j < 0 || i >= store.NumImages() || j >= store.NumImages() {
			return nil, fmt.Errorf("initial pair %d %d out of range", i, j)
		}
		return []SeedCandidate{{Pair: matches.GetMatchIndex(i, j)}}, nil
	}
	if h == nil {
		h = geometry.DefaultHomographyEstimator
	}

	shared := ts.Shared()
	floor := max(opts.MinNumFeatMatches, 1)
	need := max(opts.InitPairMinMatches, floor)
	var cands []SeedCandidate
	for {
		cands = cands[:0]
		for idx, n := range shared {
			if n >= need {
				cands = append(cands, SeedCandidate{Pair: idx, Matches: n})
			}
		}
		if len(cands) > 0 || need <= floor {
			break
		}
		need = max(need/2, floor)
	}
	if len(cands) == 0 {
		return nil, ErrNoInitialPair
	}
	sort.Slice(cands, func(a, b int) bool { return byMatches(cands[a], cands[b]) })
	if len(cands) > maxSeedCandidates {
		cands = cands[:maxSeedCandidates]
	}

	for k := range cands {
		c := &cands[k]
		frac, err := homographyFraction(ts, store, h, c.Pair, opts)
		if err != nil {
			log.Debug("homography test failed", "i", c.Pair.I, "j", c.Pair.J, "error", err)
			frac = 1
		}
		c.HomographyFraction = frac
		switch {
		case frac < opts.InitPairMaxHomographyFraction:
			c.Tier = 0
		case focalsAgree(store.Image(c.Pair.I), store.Image(c.Pair.J)):
			c.Tier = 1
		default:
			c.Tier = 2
		}
	}
	sort.SliceStable(cands, func(a, b int) bool {
		if cands[a].Tier != cands[b].Tier {
			return cands[a].Tier < cands[b].Tier
		}
		return byMatches(cands[a], cands[b])
	})
	return cands, nil
}

// PickInitialPair returns the best ranked seed pair.
func PickInitialPair(ts *Tracks, store *keys.Store, h geometry.HomographyEstimator, opts config.Registration, log *slog.Logger) (int, int, error) {
	cands, err := InitialPairs(ts, store, h, opts, log)
	if err != nil {
		return 0, 0, err
	}
	return cands[0].Pair.I, cands[0].Pair.J, nil
}

func byMatches(a, b SeedCandidate) bool {
	if a.Matches != b.Matches {
		return a.Matches > b.Matches
	}
	return a.Pair.Less(b.Pair)
}

func focalsAgree(a, b keys.Image) bool {
	if !a.HasInitFocal || !b.HasInitFocal || a.InitFocal <= 0 || b.InitFocal <= 0 {
		return false
	}
	return math.Abs(a.InitFocal-b.InitFocal)/math.Max(a.InitFocal, b.InitFocal) <= 0.3
}

func homographyFraction(ts *Tracks, store *keys.Store, h geometry.HomographyEstimator, idx matches.MatchIndex, opts config.Registration) (float64, error) {
	ki, releaseI, err := store.Acquire(idx.I)
	if err != nil {
		return 0, err
	}
	defer releaseI()
	kj, releaseJ, err := store.Acquire(idx.J)
	if err != nil {
		return 0, err
	}
	defer releaseJ()

	var corrs []geometry.Correspondence
	for key, t := range ts.KeyTrack[idx.I] {
		other, ok := ts.List[t].Key(idx.J)
		if !ok || key >= len(ki) || other >= len(kj) {
			continue
		}
		corrs = append(corrs, geometry.Correspondence{P1: ki[key].Pos, P2: kj[other].Pos})
	}
	if len(corrs) == 0 {
		return 0, fmt.Errorf("pair %d %d: no shared tracks", idx.I, idx.J)
	}
	sort.Slice(corrs, func(a, b int) bool {
		if corrs[a].P1.X != corrs[b].P1.X {
			return corrs[a].P1.X < corrs[b].P1.X
		}
		return corrs[a].P1.Y < corrs[b].P1.Y
	})
	_, inliers, err := h.EstimateHomography(corrs, geometry.RANSACOptions{
		Rounds:    opts.HomographyRounds,
		Threshold: opts.HomographyThreshold,
		Rand:      rand.New(rand.NewSource(opts.Seed + int64(idx.I)*7919 + int64(idx.J))),
	})
	if err != nil && !errors.Is(err, geometry.ErrRANSACFailed) {
		return 0, err
	}
	// a homography that cannot be fitted at all is the best baseline
	return float64(len(inliers)) / float64(len(corrs)), nil
}
