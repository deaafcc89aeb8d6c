package sfm

import (
	"math/rand"

	"bundler/internal/geometry"
)

// PoseEstimator recovers a camera from 2D-3D correspondences and returns
// the indices of the inliers.
type PoseEstimator interface {
	EstimatePose(corrs []geometry.PointCorrespondence, focal float64, adjustFocal bool) (geometry.Camera, []int, error)
}

// RANSACPose is the default PoseEstimator.
type RANSACPose struct {
	Threshold  float64 // pixels
	Rounds     int
	MinInliers int
	Seed       int64
}

func (p RANSACPose) EstimatePose(corrs []geometry.PointCorrespondence, focal float64, adjustFocal bool) (geometry.Camera, []int, error) {
	return geometry.EstimatePose(corrs, focal, adjustFocal, geometry.RANSACOptions{
		Rounds:     p.Rounds,
		Threshold:  p.Threshold,
		MinInliers: p.MinInliers,
		Rand:       rand.New(rand.NewSource(p.Seed + int64(len(corrs)))),
	})
}
