//go:build withcv
// +build withcv

package geometry

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// OpenCVHomography delegates to cv::findHomography.
type OpenCVHomography struct {
	Confidence float64
}

// DefaultHomographyEstimator is OpenCV when built with the withcv tag.
var DefaultHomographyEstimator HomographyEstimator = OpenCVHomography{Confidence: 0.995}

func (o OpenCVHomography) EstimateHomography(corrs []Correspondence, opts RANSACOptions) (Mat3, []int, error) {
	if len(corrs) < 4 {
		return Mat3{}, nil, errors.Wrapf(ErrTooFewPoints, "homography needs 4, have %d", len(corrs))
	}
	src := make([]gocv.Point2f, len(corrs))
	dst := make([]gocv.Point2f, len(corrs))
	for i, c := range corrs {
		src[i] = gocv.Point2f{X: float32(c.P1.X), Y: float32(c.P1.Y)}
		dst[i] = gocv.Point2f{X: float32(c.P2.X), Y: float32(c.P2.Y)}
	}
	srcVec := gocv.NewPoint2fVectorFromPoints(src)
	defer srcVec.Close()
	dstVec := gocv.NewPoint2fVectorFromPoints(dst)
	defer dstVec.Close()
	srcMat := gocv.NewMatFromPoint2fVector(srcVec, true)
	defer srcMat.Close()
	dstMat := gocv.NewMatFromPoint2fVector(dstVec, true)
	defer dstMat.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	rounds := opts.Rounds
	if rounds <= 0 {
		rounds = 256
	}
	hm := gocv.FindHomography(srcMat, &dstMat, gocv.HomograpyMethodRANSAC, opts.Threshold, &mask, rounds, o.Confidence)
	defer hm.Close()
	if hm.Empty() {
		return Mat3{}, nil, errors.Wrap(ErrRANSACFailed, "findHomography returned no model")
	}

	var H Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			H[3*r+c] = hm.GetDoubleAt(r, c)
		}
	}
	var inliers []int
	for i := 0; i < mask.Rows(); i++ {
		if mask.GetUCharAt(i, 0) != 0 {
			inliers = append(inliers, i)
		}
	}
	if len(inliers) < opts.MinInliers {
		return Mat3{}, inliers, errors.Wrapf(ErrRANSACFailed, "homography: %d inliers", len(inliers))
	}
	return H, inliers, nil
}
