// Package pairwise reconstructs every well-matched image pair and collects
// the results into a model map.
package pairwise

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"bundler/internal/keys"
	"bundler/internal/logging"
	"bundler/internal/matches"
	"bundler/internal/modelmap"
	"bundler/internal/storage"
	"bundler/internal/twoframe"
)

// Recorder persists pair outcomes. *storage.Store satisfies it, including
// as a nil pointer.
type Recorder interface {
	RecordPair(p storage.PairSummary) error
}

// Options configures a Builder.
type Options struct {
	PairThreshold int  // matches a pair needs to be attempted
	RequireFocal  bool // skip pairs with an image lacking a focal estimate
	ModelsFile    string
	WriteSparse   bool // also write <ModelsFile>.sparse
	RunID         string
}

// Result summarises a BundleAllPairs call.
type Result struct {
	Connectivity []int
	Attempted    int
	Models       int
	Failed       int
	Skipped      int
	Dependents   map[int]int // child image -> parent image
	Cached       bool
}

// Builder runs two-frame reconstruction over all qualifying pairs.
type Builder struct {
	Table      *matches.Table
	Images     []keys.Image
	Estimator  twoframe.PairEstimator
	Duplicates DuplicatePolicy
	Store      Recorder
	Opts       Options
	Log        *slog.Logger
}

// Connectivity counts, per image, the neighbours whose match count reaches
// threshold.
func Connectivity(table *matches.Table, threshold int) []int {
	conn := make([]int, table.NumImages())
	for _, idx := range table.Pairs() {
		if table.NumMatches(idx.I, idx.J) >= threshold {
			conn[idx.I]++
			conn[idx.J]++
		}
	}
	return conn
}

// BundleAllPairs builds the model map. When ModelsFile exists it is read
// instead and no pair is reconstructed; otherwise the new map is written
// to it. Dependent images are kept next to it in DependentsPath. The file
// is guarded by an advisory lock for the whole call.
func (b *Builder) BundleAllPairs(ctx context.Context) (*modelmap.ModelMap, Result, error) {
	log := b.Log
	if log == nil {
		log = slog.Default()
	}
	res := Result{
		Connectivity: Connectivity(b.Table, b.Opts.PairThreshold),
		Dependents:   make(map[int]int),
	}

	if path := b.Opts.ModelsFile; path != "" {
		lock := flock.New(path + ".lock")
		if err := lock.Lock(); err != nil {
			return nil, res, fmt.Errorf("lock models file: %w", err)
		}
		defer lock.Unlock()

		if _, err := os.Stat(path); err == nil {
			mm, err := modelmap.ReadModelsFile(path, log)
			if err != nil {
				return nil, res, err
			}
			deps, err := ReadDependentsFile(DependentsPath(path))
			if err != nil {
				return nil, res, err
			}
			res.Cached, res.Models, res.Dependents = true, mm.Len(), deps
			log.Info("models loaded from cache", "file", path, "models", mm.Len(), "dependents", len(deps))
			for _, idx := range mm.Pairs() {
				m, _ := mm.GetModel(idx.I, idx.J)
				b.record(idx, m, "cached", nil)
			}
			return mm, res, nil
		}
	}

	mm := b.build(ctx, &res, log)

	if path := b.Opts.ModelsFile; path != "" {
		if err := modelmap.WriteModelsFile(path, mm, false); err != nil {
			return mm, res, err
		}
		if err := WriteDependentsFile(DependentsPath(path), res.Dependents); err != nil {
			return mm, res, err
		}
		if b.Opts.WriteSparse {
			if err := modelmap.WriteModelsFile(path+".sparse", mm, true); err != nil {
				return mm, res, err
			}
		}
	}
	return mm, res, nil
}

func (b *Builder) build(ctx context.Context, res *Result, log *slog.Logger) *modelmap.ModelMap {
	mm := modelmap.New(b.Table.NumImages())

	var pairs []matches.MatchIndex
	for _, idx := range b.Table.Pairs() {
		if b.Table.NumMatches(idx.I, idx.J) >= b.Opts.PairThreshold {
			pairs = append(pairs, idx)
		}
	}
	sort.SliceStable(pairs, func(a, c int) bool {
		na, nc := b.Table.NumMatches(pairs[a].I, pairs[a].J), b.Table.NumMatches(pairs[c].I, pairs[c].J)
		if na != nc {
			return na > nc
		}
		return pairs[a].Less(pairs[c])
	})

	start := time.Now()
	for _, idx := range pairs {
		_, depI := res.Dependents[idx.I]
		_, depJ := res.Dependents[idx.J]
		if depI || depJ || (b.Opts.RequireFocal && !(b.hasFocal(idx.I) && b.hasFocal(idx.J))) {
			res.Skipped++
			continue
		}

		res.Attempted++
		n := b.Table.NumMatches(idx.I, idx.J)
		m, err := b.Estimator.Bundle(ctx, idx.I, idx.J)
		if err != nil {
			res.Failed++
			logging.LogPairResult(log, idx.I, idx.J, n, 0, 0, 0, err)
			b.record(idx, nil, "failed", err)
			continue
		}
		logging.LogPairResult(log, idx.I, idx.J, n, m.NumPoints(), m.Angle, m.Error, nil)
		mm.AddModel(idx.I, idx.J, m)

		if b.Duplicates != nil && b.Duplicates.IsDuplicate(m, n) {
			if child, parent, ok := b.collapse(mm, res.Connectivity, idx); ok {
				res.Dependents[child] = parent
				log.Info("near-duplicate image", "child", child, "parent", parent, "angle", m.Angle, "matches", n)
				b.record(idx, m, "duplicate", nil)
				continue
			}
		}
		b.record(idx, m, "model", nil)
	}
	res.Models = mm.Len()
	log.Info("pairwise models built", "pairs", len(pairs), "models", res.Models, "failed", res.Failed,
		"dependents", len(res.Dependents), "elapsed", time.Since(start).Round(time.Millisecond))
	return mm
}

// collapse makes the less connected endpoint of idx depend on the other
// and purges its models, unless the child is well matched to an image the
// parent is not. Links come from the match table so the outcome does not
// depend on which models happen to be built already.
func (b *Builder) collapse(mm *modelmap.ModelMap, conn []int, idx matches.MatchIndex) (child, parent int, ok bool) {
	child, parent = idx.J, idx.I
	if conn[idx.I] < conn[idx.J] {
		child, parent = idx.I, idx.J
	}
	th := b.Opts.PairThreshold
	for _, k := range b.Table.Neighbors(child) {
		if k == parent {
			continue
		}
		if b.Table.NumMatches(child, k) >= th && b.Table.NumMatches(parent, k) < th {
			return child, parent, false
		}
	}
	mm.RemoveImage(child)
	return child, parent, true
}

func (b *Builder) hasFocal(i int) bool {
	return i < len(b.Images) && b.Images[i].HasInitFocal
}

func (b *Builder) record(idx matches.MatchIndex, m *twoframe.Model, status string, err error) {
	if b.Store == nil {
		return
	}
	p := storage.PairSummary{
		RunID:   b.Opts.RunID,
		I:       idx.I,
		J:       idx.J,
		Matches: b.Table.NumMatches(idx.I, idx.J),
		Status:  status,
	}
	if m != nil {
		p.Points, p.Angle, p.Error = m.NumPoints(), m.Angle, m.Error
	}
	if err != nil {
		p.Reason = err.Error()
	}
	if rerr := b.Store.RecordPair(p); rerr != nil {
		slog.Default().Warn("record pair", "i", idx.I, "j", idx.J, "error", rerr)
	}
}
