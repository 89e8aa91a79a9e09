package match_test

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/siftgpu/internal/sift"
	"github.com/cwbudde/siftgpu/internal/sift/detect"
	"github.com/cwbudde/siftgpu/internal/sift/match"
)

// textureImage renders a smooth aperiodic GRAY8 texture shifted by
// (dx, dy). Incommensurate frequencies keep local neighborhoods distinct so
// the ratio test has unambiguous winners.
func textureImage(n int, dx, dy float64) []byte {
	pixels := make([]byte, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			fx := float64(x) - dx
			fy := float64(y) - dy
			v := 0.5 +
				0.18*math.Sin(0.37*fx+0.70)*math.Cos(0.23*fy) +
				0.15*math.Sin(0.11*fx+0.53*fy+1.3) +
				0.12*math.Cos(0.29*fx-0.41*fy+0.4) +
				0.08*math.Sin(0.61*fx+0.17*fy)
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			pixels[y*n+x] = uint8(v*255 + 0.5)
		}
	}
	return pixels
}

func detectAndCompute(t *testing.T, pixels []byte, n int) *sift.Result {
	t.Helper()
	opts := sift.DefaultOptions()
	opts.NumOctaves = 3
	opts.ContrastThreshold = 0.01

	d := detect.NewCPUDetector(opts)
	require.NoError(t, d.LoadImage(pixels, n, n, n, sift.FormatGray8))
	res, err := d.DetectAndCompute()
	require.NoError(t, err)
	require.NotEmpty(t, res.Keypoints)
	return res
}

// TestMatchRecoversTranslation detects the same texture twice, shifted
// by a known offset, matches the descriptors and fits an affine transform
// to the correspondences. The fit must recover the shift.
func TestMatchRecoversTranslation(t *testing.T) {
	const n = 96
	const shiftX, shiftY = 7.0, 4.0

	resA := detectAndCompute(t, textureImage(n, 0, 0), n)
	resB := detectAndCompute(t, textureImage(n, shiftX, shiftY), n)

	matches := match.Match(resA.Descriptors, resB.Descriptors, 0.8)
	require.NotEmpty(t, matches, "no matches between shifted copies")

	// Displacement consensus: keep matches within 3 px of the median
	// displacement.
	dxs := make([]float64, len(matches))
	dys := make([]float64, len(matches))
	for i, m := range matches {
		dxs[i] = float64(resB.Keypoints[m.Train].X - resA.Keypoints[m.Query].X)
		dys[i] = float64(resB.Keypoints[m.Train].Y - resA.Keypoints[m.Query].Y)
	}
	medDx := median(dxs)
	medDy := median(dys)

	var inliers []sift.Match
	for i, m := range matches {
		if math.Abs(dxs[i]-medDx) <= 3 && math.Abs(dys[i]-medDy) <= 3 {
			inliers = append(inliers, m)
		}
	}
	require.GreaterOrEqual(t, len(inliers), (len(matches)+1)/2, "fewer than half the matches agree on a displacement")

	// Least-squares affine fit over the inliers.
	rows := len(inliers)
	if rows < 3 {
		// Translation alone is still checkable.
		assert.InDelta(t, shiftX, medDx, 1.5)
		assert.InDelta(t, shiftY, medDy, 1.5)
		return
	}

	a := mat.NewDense(rows, 3, nil)
	bx := mat.NewVecDense(rows, nil)
	by := mat.NewVecDense(rows, nil)
	for i, m := range inliers {
		a.SetRow(i, []float64{float64(resA.Keypoints[m.Query].X), float64(resA.Keypoints[m.Query].Y), 1})
		bx.SetVec(i, float64(resB.Keypoints[m.Train].X))
		by.SetVec(i, float64(resB.Keypoints[m.Train].Y))
	}

	var qr mat.QR
	qr.Factorize(a)

	var px, py mat.VecDense
	require.NoError(t, qr.SolveVecTo(&px, false, bx))
	require.NoError(t, qr.SolveVecTo(&py, false, by))

	// Linear part close to identity, translation close to the shift.
	assert.InDelta(t, 1.0, px.AtVec(0), 0.15)
	assert.InDelta(t, 0.0, px.AtVec(1), 0.15)
	assert.InDelta(t, shiftX, px.AtVec(2), 1.5)

	assert.InDelta(t, 0.0, py.AtVec(0), 0.15)
	assert.InDelta(t, 1.0, py.AtVec(1), 0.15)
	assert.InDelta(t, shiftY, py.AtVec(2), 1.5)
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}
