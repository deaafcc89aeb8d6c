package config

// Options is the resolved, read-only view of a Config handed to each
// pipeline stage by value.
type Options struct {
	Paths        Paths
	Matching     Matching
	TwoFrame     TwoFrame
	Pairwise     Pairwise
	Registration Registration
	Bundle       Bundle
	Prune        Prune
	Report       Report
}

// Options snapshots the configuration.
func (c *Config) Options() Options {
	o := Options{
		Paths:        c.Paths,
		Matching:     c.Matching,
		TwoFrame:     c.TwoFrame,
		Pairwise:     c.Pairwise,
		Registration: c.Registration,
		Bundle:       c.Bundle,
		Prune:        c.Prune,
		Report:       c.Report,
	}
	o.Registration.InitialPair = append([]int(nil), c.Registration.InitialPair...)
	// Two-frame reconstruction honours the same focal policy as registration.
	if !c.Registration.FixedFocal {
		o.TwoFrame.AdjustFocal = true
	}
	return o
}

// InitialPair returns the configured seed pair, if any.
func (o Options) InitialPair() (int, int, bool) {
	if len(o.Registration.InitialPair) != 2 {
		return 0, 0, false
	}
	return o.Registration.InitialPair[0], o.Registration.InitialPair[1], true
}
