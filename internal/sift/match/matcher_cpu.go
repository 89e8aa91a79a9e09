package match

import (
	"fmt"
	"math"

	"github.com/cwbudde/siftgpu/internal/sift"
)

// CPUMatcher streams every query through all train descriptors, tracking the
// best and second-best squared distances. It is the reference the GPU
// kernels are checked against and the fallback when no device is available.
type CPUMatcher struct{}

// NewCPUMatcher creates a CPU-based matcher.
func NewCPUMatcher() *CPUMatcher {
	return &CPUMatcher{}
}

// Match implements the plain brute-force search.
func (m *CPUMatcher) Match(a, b []sift.Descriptor) ([]Candidate, error) {
	candidates := make([]Candidate, len(a))
	for i := range a {
		c := Candidate{BestIndex: -1, BestSq: math.MaxFloat32, SecondSq: math.MaxFloat32}
		for j := range b {
			d := a[i].DistanceSq(&b[j])
			if d < c.BestSq {
				c.SecondSq = c.BestSq
				c.BestSq = d
				c.BestIndex = int32(j)
			} else if d < c.SecondSq {
				c.SecondSq = d
			}
		}
		candidates[i] = c
	}
	return candidates, nil
}

// MatchQuantized implements the brute-force search on byte descriptors.
// Squared differences on the [0,255] scale preserve the float ordering.
func (m *CPUMatcher) MatchQuantized(a, b []sift.QuantizedDescriptor) ([]Candidate, error) {
	candidates := make([]Candidate, len(a))
	for i := range a {
		c := Candidate{BestIndex: -1, BestSq: math.MaxFloat32, SecondSq: math.MaxFloat32}
		for j := range b {
			d := a[i].DistanceSq(&b[j])
			if d < c.BestSq {
				c.SecondSq = c.BestSq
				c.BestSq = d
				c.BestIndex = int32(j)
			} else if d < c.SecondSq {
				c.SecondSq = d
			}
		}
		candidates[i] = c
	}
	return candidates, nil
}

// MatchGuided implements the epipolar-guided search: candidates farther than
// epiThreshold from the query's epipolar line are skipped before the
// distance computation. An empty surviving set leaves BestIndex at -1.
func (m *CPUMatcher) MatchGuided(a []sift.Descriptor, kpA []sift.Keypoint, b []sift.Descriptor, kpB []sift.Keypoint, f Fundamental, epiThreshold float64) ([]Candidate, error) {
	if len(a) != len(kpA) {
		return nil, fmt.Errorf("%w: %d query descriptors but %d keypoints", sift.ErrBadConfig, len(a), len(kpA))
	}
	if len(b) != len(kpB) {
		return nil, fmt.Errorf("%w: %d train descriptors but %d keypoints", sift.ErrBadConfig, len(b), len(kpB))
	}

	candidates := make([]Candidate, len(a))
	for i := range a {
		c := Candidate{BestIndex: -1, BestSq: math.MaxFloat32, SecondSq: math.MaxFloat32}
		l0, l1, l2 := f.EpipolarLine(float64(kpA[i].X), float64(kpA[i].Y))
		for j := range b {
			if LineDistance(l0, l1, l2, float64(kpB[j].X), float64(kpB[j].Y)) > epiThreshold {
				continue
			}
			d := a[i].DistanceSq(&b[j])
			if d < c.BestSq {
				c.SecondSq = c.BestSq
				c.BestSq = d
				c.BestIndex = int32(j)
			} else if d < c.SecondSq {
				c.SecondSq = d
			}
		}
		candidates[i] = c
	}
	return candidates, nil
}

// Close is a no-op for the CPU matcher.
func (m *CPUMatcher) Close() {}
