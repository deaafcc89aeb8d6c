package pairwise

import "bundler/internal/twoframe"

// DuplicatePolicy decides whether a freshly built model shows two
// near-identical views.
type DuplicatePolicy interface {
	IsDuplicate(m *twoframe.Model, numMatches int) bool
}

// AnglePolicy flags pairs with almost no relative rotation and many
// matches.
type AnglePolicy struct {
	MaxAngle   float64 // degrees
	MinMatches int
}

// DefaultDuplicatePolicy flags pairs under half a degree with more than 64
// matches.
func DefaultDuplicatePolicy() AnglePolicy {
	return AnglePolicy{MaxAngle: 0.5, MinMatches: 64}
}

func (p AnglePolicy) IsDuplicate(m *twoframe.Model, numMatches int) bool {
	return m.Angle < p.MaxAngle && numMatches > p.MinMatches
}
