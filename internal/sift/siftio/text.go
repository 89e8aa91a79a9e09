package siftio

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cwbudde/siftgpu/internal/sift"
)

// textScale maps the [0,1] descriptor range onto integer rows. Components
// saturate at 255, matching the Lowe/VisualSFM convention.
const textScale = 512.0

// WriteText writes the text format: a "<count> 128" header line, then one
// row per keypoint with x, y, scale, orientation and 128 integer bins.
func WriteText(w io.Writer, res *sift.Result) error {
	if len(res.Descriptors) != len(res.Keypoints) {
		return fmt.Errorf("%d keypoints but %d descriptors", len(res.Keypoints), len(res.Descriptors))
	}

	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%d %d\n", len(res.Keypoints), sift.DescriptorSize); err != nil {
		return err
	}

	for i, kp := range res.Keypoints {
		if _, err := fmt.Fprintf(bw, "%g %g %g %g", kp.X, kp.Y, kp.Sigma, kp.Orientation); err != nil {
			return err
		}
		for _, v := range res.Descriptors[i] {
			q := int(math.Round(float64(clamp01(v)) * textScale))
			if q > 255 {
				q = 255
			}
			if _, err := fmt.Fprintf(bw, " %d", q); err != nil {
				return err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadText parses the text format. Loaded descriptors divide by the save
// scale and re-normalize to unit L2, so a write/read cycle agrees with the
// original descriptor to within one quantization step per component.
func ReadText(r io.Reader) (*sift.Result, error) {
	br := bufio.NewReader(r)

	var count, dim int
	if _, err := fmt.Fscan(br, &count, &dim); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if dim != sift.DescriptorSize {
		return nil, fmt.Errorf("unsupported descriptor dim %d", dim)
	}
	if count < 0 {
		return nil, fmt.Errorf("negative keypoint count %d", count)
	}

	res := &sift.Result{
		Keypoints:   make([]sift.Keypoint, count),
		Descriptors: make([]sift.Descriptor, count),
	}

	for i := 0; i < count; i++ {
		kp := &res.Keypoints[i]
		if _, err := fmt.Fscan(br, &kp.X, &kp.Y, &kp.Sigma, &kp.Orientation); err != nil {
			return nil, fmt.Errorf("failed to read keypoint %d: %w", i, err)
		}

		var norm float64
		for k := 0; k < dim; k++ {
			var q int
			if _, err := fmt.Fscan(br, &q); err != nil {
				return nil, fmt.Errorf("failed to read descriptor %d: %w", i, err)
			}
			v := float64(q) / textScale
			res.Descriptors[i][k] = float32(v)
			norm += v * v
		}
		if norm > 0 {
			inv := float32(1.0 / math.Sqrt(norm))
			for k := 0; k < dim; k++ {
				res.Descriptors[i][k] *= inv
			}
		}
	}
	return res, nil
}

// SaveText writes the text format atomically.
func SaveText(path string, res *sift.Result) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create descriptor file: %w", err)
	}

	if err := WriteText(f, res); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write descriptor file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close descriptor file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename descriptor file: %w", err)
	}
	return nil
}

// LoadText reads a text descriptor file from disk.
func LoadText(path string) (*sift.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open descriptor file: %w", err)
	}
	defer f.Close()
	return ReadText(f)
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
