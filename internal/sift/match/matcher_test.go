package match

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/siftgpu/internal/sift"
)

// unitDesc builds a unit descriptor concentrated on one bin, with a small
// leak into a second bin to keep descriptors distinct.
func unitDesc(mainBin, leakBin int, leak float32) sift.Descriptor {
	var d sift.Descriptor
	main := float32(math.Sqrt(float64(1 - leak*leak)))
	d[mainBin] = main
	d[leakBin] = leak
	return d
}

func TestMatchBestAndSecond(t *testing.T) {
	m := NewCPUMatcher()

	a := []sift.Descriptor{unitDesc(0, 1, 0)}
	b := []sift.Descriptor{
		unitDesc(0, 1, 0.1), // close
		unitDesc(5, 6, 0),   // far
		unitDesc(0, 1, 0.4), // middle
	}

	candidates, err := m.Match(a, b)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, int32(0), c.BestIndex)
	assert.Less(t, c.BestSq, c.SecondSq)

	wantBest := a[0].DistanceSq(&b[0])
	wantSecond := a[0].DistanceSq(&b[2])
	assert.InDelta(t, float64(wantBest), float64(c.BestSq), 1e-6)
	assert.InDelta(t, float64(wantSecond), float64(c.SecondSq), 1e-6)
}

func TestMatchEmptyTrainSet(t *testing.T) {
	m := NewCPUMatcher()
	candidates, err := m.Match([]sift.Descriptor{unitDesc(0, 1, 0)}, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, int32(-1), candidates[0].BestIndex)

	assert.Empty(t, RatioTest(candidates, DefaultRatio))
}

func TestRatioTestAcceptance(t *testing.T) {
	candidates := []Candidate{
		{BestIndex: 2, BestSq: 0.01, SecondSq: 1.0},  // clear winner
		{BestIndex: 3, BestSq: 0.9, SecondSq: 1.0},   // ambiguous
		{BestIndex: -1, BestSq: 0, SecondSq: 0},      // no candidate
		{BestIndex: 4, BestSq: 0.25, SecondSq: 0.25}, // tie fails
	}
	matches := RatioTest(candidates, 0.75)

	require.Len(t, matches, 1)
	assert.Equal(t, 0, matches[0].Query)
	assert.Equal(t, 2, matches[0].Train)
	assert.InDelta(t, 0.1, float64(matches[0].Distance), 1e-6)

	// Property 5: accepted matches satisfy d^2 < ratio^2 * second^2.
	for _, m := range matches {
		c := candidates[m.Query]
		assert.Less(t, float64(c.BestSq), 0.75*0.75*float64(c.SecondSq))
	}
}

func TestIdenticalDescriptorsProduceNoMatches(t *testing.T) {
	// Every train candidate identical: best == second == 0, the strict
	// inequality fails.
	d := unitDesc(0, 1, 0.2)
	a := []sift.Descriptor{d}
	b := []sift.Descriptor{d, d, d}

	matches := Match(a, b, DefaultRatio)
	assert.Empty(t, matches)
}

func TestMatchQuantizedOrderingAgreesWithFloat(t *testing.T) {
	a := []sift.Descriptor{unitDesc(0, 1, 0.05)}
	b := []sift.Descriptor{
		unitDesc(0, 1, 0.1),
		unitDesc(0, 1, 0.6),
		unitDesc(7, 2, 0),
	}

	qa := []sift.QuantizedDescriptor{a[0].Quantize()}
	qb := make([]sift.QuantizedDescriptor, len(b))
	for i := range b {
		qb[i] = b[i].Quantize()
	}

	m := NewCPUMatcher()
	floatCand, err := m.Match(a, b)
	require.NoError(t, err)
	quantCand, err := m.MatchQuantized(qa, qb)
	require.NoError(t, err)

	assert.Equal(t, floatCand[0].BestIndex, quantCand[0].BestIndex)

	// Quantized distances live on the [0,255] scale.
	assert.InDelta(t, float64(floatCand[0].BestSq)*512*512, float64(quantCand[0].BestSq), float64(quantCand[0].BestSq)*0.1+128)
}

func TestMatchGuidedFiltersByEpipolarLine(t *testing.T) {
	m := NewCPUMatcher()

	a := []sift.Descriptor{unitDesc(0, 1, 0)}
	kpA := []sift.Keypoint{{X: 10, Y: 20}}

	// Near-identical descriptors, index 1 the closer one; geometry decides.
	b := []sift.Descriptor{unitDesc(0, 1, 0.1), unitDesc(0, 1, 0.05)}
	kpB := []sift.Keypoint{
		{X: 10, Y: 20}, // on the line y = 20
		{X: 10, Y: 90}, // far off the line
	}

	// F maps (x, y, 1) to the horizontal line through y: l = (0, 1, -y).
	// Column-major layout: l0 = f[3]*y ... build l = (0, -1, y) * sign.
	f := Fundamental{0, 0, 0, 0, 0, -1, 0, 1, 0}
	l0, l1, l2 := f.EpipolarLine(10, 20)
	require.InDelta(t, 0.0, LineDistance(l0, l1, l2, 10, 20), 1e-9)
	require.Greater(t, LineDistance(l0, l1, l2, 10, 90), 3.0)

	candidates, err := m.MatchGuided(a, kpA, b, kpB, f, 3.0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	// Only the on-line candidate survives, so index 0 wins even though
	// index 1 is closer in descriptor space.
	assert.Equal(t, int32(0), candidates[0].BestIndex)
	assert.Equal(t, float32(math.MaxFloat32), candidates[0].SecondSq)
}

func TestMatchGuidedDegenerateFundamental(t *testing.T) {
	m := NewCPUMatcher()

	a := []sift.Descriptor{unitDesc(0, 1, 0)}
	kpA := []sift.Keypoint{{X: 1, Y: 1}}
	b := []sift.Descriptor{unitDesc(0, 1, 0)}
	kpB := []sift.Keypoint{{X: 1, Y: 1}}

	// The zero matrix produces a degenerate line; every candidate fails.
	candidates, err := m.MatchGuided(a, kpA, b, kpB, Fundamental{}, 100.0)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), candidates[0].BestIndex)
	assert.Empty(t, RatioTest(candidates, DefaultRatio))
}

func TestMatchGuidedLengthValidation(t *testing.T) {
	m := NewCPUMatcher()
	_, err := m.MatchGuided(
		[]sift.Descriptor{unitDesc(0, 1, 0)}, nil,
		nil, nil, Fundamental{}, 1.0)
	assert.ErrorIs(t, err, sift.ErrBadConfig)
}

func TestRatioTestSingleCandidate(t *testing.T) {
	// With one candidate the second-best stays at the sentinel and the
	// ratio test passes.
	candidates := []Candidate{{BestIndex: 0, BestSq: 0.3, SecondSq: math.MaxFloat32}}
	matches := RatioTest(candidates, DefaultRatio)
	require.Len(t, matches, 1)
}
