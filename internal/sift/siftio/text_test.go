package siftio

import (
	"bytes"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/siftgpu/internal/sift"
)

// normalizedResult builds unit-norm clamped descriptors like the pipeline
// emits.
func normalizedResult(n int, seed int64) *sift.Result {
	res := randomResult(n, seed, false)
	for i := range res.Descriptors {
		var norm float64
		for _, v := range res.Descriptors[i] {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			continue
		}
		inv := float32(1 / math.Sqrt(norm))
		for k := range res.Descriptors[i] {
			res.Descriptors[i][k] *= inv
			if res.Descriptors[i][k] > 0.2 {
				res.Descriptors[i][k] = 0.2
			}
		}
	}
	return res
}

func TestTextHeader(t *testing.T) {
	res := normalizedResult(3, 11)
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, res))

	first := strings.SplitN(buf.String(), "\n", 2)[0]
	assert.Equal(t, "3 128", first)
}

func TestTextRoundTripWithinQuantum(t *testing.T) {
	res := normalizedResult(8, 13)
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, res))

	got, err := ReadText(&buf)
	require.NoError(t, err)
	require.Len(t, got.Keypoints, len(res.Keypoints))

	for i := range res.Keypoints {
		assert.InDelta(t, float64(res.Keypoints[i].X), float64(got.Keypoints[i].X), 1e-4)
		assert.InDelta(t, float64(res.Keypoints[i].Sigma), float64(got.Keypoints[i].Sigma), 1e-4)

		// Loaded descriptors are re-normalized; each component agrees with
		// the original to within one quantization step.
		var norm float64
		for k := range got.Descriptors[i] {
			norm += float64(got.Descriptors[i][k]) * float64(got.Descriptors[i][k])
		}
		assert.InDelta(t, 1.0, norm, 1e-3, "descriptor %d not unit after load", i)

		for k := range res.Descriptors[i] {
			assert.InDelta(t, float64(res.Descriptors[i][k]), float64(got.Descriptors[i][k]), 1.0/512.0)
		}
	}
}

func TestTextRejectsBadHeader(t *testing.T) {
	_, err := ReadText(strings.NewReader("2 64\n"))
	assert.ErrorContains(t, err, "dim")

	_, err = ReadText(strings.NewReader("not a header"))
	assert.Error(t, err)

	_, err = ReadText(strings.NewReader("-1 128\n"))
	assert.Error(t, err)
}

func TestTextTruncatedRow(t *testing.T) {
	res := normalizedResult(1, 17)
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, res))

	data := buf.String()
	_, err := ReadText(strings.NewReader(data[:len(data)/2]))
	assert.Error(t, err)
}

func TestSaveLoadText(t *testing.T) {
	res := normalizedResult(4, 19)
	path := filepath.Join(t.TempDir(), "features.txt")

	require.NoError(t, SaveText(path, res))
	got, err := LoadText(path)
	require.NoError(t, err)
	assert.Len(t, got.Keypoints, 4)
}
