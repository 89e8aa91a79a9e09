// Package match implements brute-force L2 descriptor matching with Lowe's
// ratio test, in plain, byte-quantized and epipolar-guided variants.
package match

import (
	"fmt"
	"math"
	"strings"

	"github.com/cwbudde/siftgpu/internal/sift"
)

// DefaultRatio is Lowe's ratio threshold applied when the caller passes 0.
const DefaultRatio = 0.75

// Candidate is the per-query result of the brute-force search before the
// ratio test: best index, best and second-best squared distances. BestIndex
// is -1 when no candidate was considered.
type Candidate struct {
	BestIndex int32
	BestSq    float32
	SecondSq  float32
}

// Matcher runs the brute-force search for one variant. Implementations
// return one candidate per query; the ratio test is applied on the host by
// the package-level entry points.
type Matcher interface {
	// Match searches B for the two nearest neighbors of every query in A.
	Match(a, b []sift.Descriptor) ([]Candidate, error)

	// MatchQuantized does the same on byte descriptors, with distances on
	// the [0,255] scale.
	MatchQuantized(a, b []sift.QuantizedDescriptor) ([]Candidate, error)

	// MatchGuided restricts candidates to those within epiThreshold of the
	// epipolar line F*(x,y,1) of each query keypoint.
	MatchGuided(a []sift.Descriptor, kpA []sift.Keypoint, b []sift.Descriptor, kpB []sift.Keypoint, f Fundamental, epiThreshold float64) ([]Candidate, error)

	// Close releases device resources.
	Close()
}

// Fundamental is a 3x3 fundamental matrix in column-major order, matching
// the uniform layout of the guided kernel.
type Fundamental [9]float64

// EpipolarLine returns the line l = F*(x,y,1) in the train image for a query
// pixel.
func (f Fundamental) EpipolarLine(x, y float64) (l0, l1, l2 float64) {
	l0 = f[0]*x + f[3]*y + f[6]
	l1 = f[1]*x + f[4]*y + f[7]
	l2 = f[2]*x + f[5]*y + f[8]
	return
}

// LineDistance returns the point-to-line distance for an epipolar line, or
// +Inf when the line is degenerate.
func LineDistance(l0, l1, l2, x, y float64) float64 {
	denom := math.Sqrt(l0*l0 + l1*l1)
	if denom == 0 {
		return math.Inf(1)
	}
	return math.Abs(l0*x+l1*y+l2) / denom
}

// Backend identifies a matcher implementation.
type Backend string

const (
	BackendCPU    Backend = "cpu"
	BackendOpenCL Backend = "opencl"
)

var noopCleanup = func() {}

// NormalizeBackend maps arbitrary user input to a canonical backend identifier.
func NormalizeBackend(name string) Backend {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return BackendCPU
	case "gpu", "opencl", "cl":
		return BackendOpenCL
	default:
		return Backend(name)
	}
}

// NewMatcherForBackend constructs the requested matcher and returns an
// optional cleanup hook.
func NewMatcherForBackend(name string) (Matcher, func(), error) {
	switch NormalizeBackend(name) {
	case BackendCPU:
		return NewCPUMatcher(), noopCleanup, nil
	case BackendOpenCL:
		return newOpenCLMatcher()
	default:
		return nil, noopCleanup, fmt.Errorf("%w: %s", sift.ErrUnknownBackend, name)
	}
}

// RatioTest filters candidates with Lowe's ratio test: accept iff the best
// squared distance is below ratio^2 times the second-best. Ties, including
// identical best and second-best descriptors, fail by construction.
func RatioTest(candidates []Candidate, ratio float64) []sift.Match {
	if ratio <= 0 {
		ratio = DefaultRatio
	}
	r2 := float32(ratio * ratio)

	matches := make([]sift.Match, 0, len(candidates))
	for i, c := range candidates {
		if c.BestIndex < 0 {
			continue
		}
		if c.BestSq < r2*c.SecondSq {
			matches = append(matches, sift.Match{
				Query:    i,
				Train:    int(c.BestIndex),
				Distance: float32(math.Sqrt(float64(c.BestSq))),
			})
		}
	}
	return matches
}

// Match is the plain entry point over a CPU matcher.
func Match(a, b []sift.Descriptor, ratio float64) []sift.Match {
	m := NewCPUMatcher()
	candidates, _ := m.Match(a, b)
	return RatioTest(candidates, ratio)
}

// MatchQuantized is the byte-descriptor entry point over a CPU matcher.
func MatchQuantized(a, b []sift.QuantizedDescriptor, ratio float64) []sift.Match {
	m := NewCPUMatcher()
	candidates, _ := m.MatchQuantized(a, b)
	return RatioTest(candidates, ratio)
}

// MatchGuided is the epipolar-guided entry point over a CPU matcher.
func MatchGuided(a []sift.Descriptor, kpA []sift.Keypoint, b []sift.Descriptor, kpB []sift.Keypoint, f Fundamental, epiThreshold, ratio float64) ([]sift.Match, error) {
	m := NewCPUMatcher()
	candidates, err := m.MatchGuided(a, kpA, b, kpB, f, epiThreshold)
	if err != nil {
		return nil, err
	}
	return RatioTest(candidates, ratio), nil
}
