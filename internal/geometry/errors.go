package geometry

import "github.com/pkg/errors"

// Degeneracy sentinels. Callers reject the pair, point or camera involved and
// carry on.
var (
	ErrDegenerate     = errors.New("degenerate configuration")
	ErrRANSACFailed   = errors.New("ransac found no model with enough inliers")
	ErrBehindCamera   = errors.New("point behind camera")
	ErrRayAngle       = errors.New("ray angle below threshold")
	ErrReprojection   = errors.New("reprojection error above threshold")
	ErrTooFewPoints   = errors.New("not enough correspondences")
	ErrNotImplemented = errors.New("estimator not available in this build")
)
