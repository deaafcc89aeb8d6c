//go:build !withcv
// +build !withcv

package geometry

// DefaultHomographyEstimator is the pure-Go estimator unless the binary is
// built with the withcv tag.
var DefaultHomographyEstimator HomographyEstimator = DLTHomography{}
