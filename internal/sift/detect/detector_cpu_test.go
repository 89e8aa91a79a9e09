package detect

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/cwbudde/siftgpu/internal/sift"
)

// grayImage renders a w*h GRAY8 buffer from a float intensity function.
func grayImage(w, h int, f func(x, y int) float64) []byte {
	pixels := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := f(x, y)
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			pixels[y*w+x] = uint8(v*255 + 0.5)
		}
	}
	return pixels
}

func noiseImage(w, h int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	pixels := make([]byte, w*h)
	for i := range pixels {
		pixels[i] = uint8(r.Intn(256))
	}
	return pixels
}

func TestDetectBlankImageNoKeypoints(t *testing.T) {
	d := NewCPUDetector(sift.DefaultOptions())
	pixels := grayImage(64, 64, func(x, y int) float64 { return 0.5 })

	if err := d.LoadImage(pixels, 64, 64, 64, sift.FormatGray8); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	res, err := d.DetectKeypoints()
	if err != nil {
		t.Fatalf("DetectKeypoints: %v", err)
	}
	if len(res.Keypoints) != 0 {
		t.Errorf("blank image produced %d keypoints, want 0", len(res.Keypoints))
	}
	if res.Truncated {
		t.Error("blank image reported truncation")
	}
}

func TestDetectDiskKeypointNearCenter(t *testing.T) {
	opts := sift.DefaultOptions()
	opts.ContrastThreshold = 0.01

	d := NewCPUDetector(opts)
	pixels := grayImage(64, 64, func(x, y int) float64 {
		dx := float64(x) - 32
		dy := float64(y) - 32
		if dx*dx+dy*dy <= 20*20 {
			return 1.0
		}
		return 0.0
	})

	if err := d.LoadImage(pixels, 64, 64, 64, sift.FormatGray8); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	res, err := d.DetectKeypoints()
	if err != nil {
		t.Fatalf("DetectKeypoints: %v", err)
	}
	if len(res.Keypoints) == 0 {
		t.Fatal("disk image produced no keypoints")
	}

	found := false
	for _, kp := range res.Keypoints {
		dx := float64(kp.X) - 32
		dy := float64(kp.Y) - 32
		if math.Sqrt(dx*dx+dy*dy) <= 2.0 {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("no keypoint within 2 px of (32,32); got %d keypoints", len(res.Keypoints))
	}
}

func TestDetectRespectsMaxKeypoints(t *testing.T) {
	opts := sift.DefaultOptions()
	opts.MaxKeypoints = 5
	opts.ContrastThreshold = 0.005

	d := NewCPUDetector(opts)
	pixels := noiseImage(96, 96, 11)

	if err := d.LoadImage(pixels, 96, 96, 96, sift.FormatGray8); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	res, err := d.DetectKeypoints()
	if err != nil {
		t.Fatalf("DetectKeypoints: %v", err)
	}
	if len(res.Keypoints) > opts.MaxKeypoints {
		t.Errorf("%d keypoints exceed cap %d", len(res.Keypoints), opts.MaxKeypoints)
	}
	if len(res.Keypoints) == opts.MaxKeypoints && !res.Truncated {
		t.Error("cap reached but truncation not reported")
	}
}

func TestSigmaInvariant(t *testing.T) {
	opts := sift.DefaultOptions()
	opts.ContrastThreshold = 0.005

	d := NewCPUDetector(opts)
	pixels := noiseImage(96, 96, 21)

	if err := d.LoadImage(pixels, 96, 96, 96, sift.FormatGray8); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	res, err := d.DetectKeypoints()
	if err != nil {
		t.Fatalf("DetectKeypoints: %v", err)
	}
	if len(res.Keypoints) == 0 {
		t.Fatal("noise image produced no keypoints")
	}

	for _, kp := range res.Keypoints {
		want := opts.SigmaBase *
			math.Pow(2, float64(kp.Scale)/float64(opts.ScalesPerOctave)) *
			math.Pow(2, float64(kp.Octave))
		if math.Abs(float64(kp.Sigma)-want)/want > 1e-5 {
			t.Fatalf("keypoint sigma %g, want %g (octave %d scale %d)", kp.Sigma, want, kp.Octave, kp.Scale)
		}
		if kp.Orientation < 0 || kp.Orientation >= 2*math.Pi {
			t.Fatalf("orientation %g outside [0, 2pi)", kp.Orientation)
		}
	}
}

func TestScaleRestoreFactor(t *testing.T) {
	// The same disk detected with and without host downscaling must land
	// at the same original-frame position and sigma scaled accordingly.
	disk := func(w int) []byte {
		c := float64(w) / 2
		r := float64(w) * 0.3
		return grayImage(w, w, func(x, y int) float64 {
			dx := float64(x) - c
			dy := float64(y) - c
			if dx*dx+dy*dy <= r*r {
				return 1.0
			}
			return 0.0
		})
	}

	opts := sift.DefaultOptions()
	opts.ContrastThreshold = 0.01
	opts.MaxImageDimension = 64

	d := NewCPUDetector(opts)
	if err := d.LoadImage(disk(128), 128, 128, 128, sift.FormatGray8); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	res, err := d.DetectKeypoints()
	if err != nil {
		t.Fatalf("DetectKeypoints: %v", err)
	}
	if len(res.Keypoints) == 0 {
		t.Fatal("downscaled disk produced no keypoints")
	}

	// All coordinates must be reported in the 128x128 frame.
	found := false
	for _, kp := range res.Keypoints {
		if kp.X < 0 || kp.X >= 128 || kp.Y < 0 || kp.Y >= 128 {
			t.Fatalf("keypoint (%g,%g) outside original frame", kp.X, kp.Y)
		}
		dx := float64(kp.X) - 64
		dy := float64(kp.Y) - 64
		if math.Sqrt(dx*dx+dy*dy) <= 4.0 {
			found = true
		}
	}
	if !found {
		t.Error("no keypoint near the disk center in original coordinates")
	}

	// Sigma carries the restore factor: twice the working-frame sigma.
	for _, kp := range res.Keypoints {
		base := opts.SigmaBase *
			math.Pow(2, float64(kp.Scale)/float64(opts.ScalesPerOctave)) *
			math.Pow(2, float64(kp.Octave))
		want := base * 2.0
		if math.Abs(float64(kp.Sigma)-want)/want > 1e-5 {
			t.Fatalf("restored sigma %g, want %g", kp.Sigma, want)
		}
	}
}

func TestDetectAndComputeParallelArrays(t *testing.T) {
	opts := sift.DefaultOptions()
	opts.ContrastThreshold = 0.005
	opts.NumOctaves = 2

	d := NewCPUDetector(opts)
	pixels := noiseImage(64, 64, 5)
	if err := d.LoadImage(pixels, 64, 64, 64, sift.FormatGray8); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	res, err := d.DetectAndCompute()
	if err != nil {
		t.Fatalf("DetectAndCompute: %v", err)
	}
	if len(res.Descriptors) != len(res.Keypoints) {
		t.Fatalf("%d descriptors for %d keypoints", len(res.Descriptors), len(res.Keypoints))
	}

	// Same keypoints as the descriptor-free path.
	kpOnly, err := d.DetectKeypoints()
	if err != nil {
		t.Fatalf("DetectKeypoints: %v", err)
	}
	if len(kpOnly.Keypoints) != len(res.Keypoints) {
		t.Fatalf("keypoint count differs: %d vs %d", len(kpOnly.Keypoints), len(res.Keypoints))
	}
	for i := range res.Keypoints {
		if res.Keypoints[i] != kpOnly.Keypoints[i] {
			t.Fatalf("keypoint %d differs between paths", i)
		}
	}
}

func TestComputeDescriptorsIdempotent(t *testing.T) {
	opts := sift.DefaultOptions()
	opts.ContrastThreshold = 0.005
	opts.NumOctaves = 2

	d := NewCPUDetector(opts)
	pixels := noiseImage(64, 64, 9)
	if err := d.LoadImage(pixels, 64, 64, 64, sift.FormatGray8); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	res, err := d.DetectAndCompute()
	if err != nil {
		t.Fatalf("DetectAndCompute: %v", err)
	}
	if len(res.Keypoints) == 0 {
		t.Fatal("no keypoints to recompute")
	}

	first, err := d.ComputeDescriptors(res.Keypoints)
	if err != nil {
		t.Fatalf("ComputeDescriptors: %v", err)
	}
	second, err := d.ComputeDescriptors(res.Keypoints)
	if err != nil {
		t.Fatalf("ComputeDescriptors: %v", err)
	}

	for i := range first.Descriptors {
		if first.Descriptors[i] != second.Descriptors[i] {
			t.Fatalf("descriptor %d differs between identical calls", i)
		}
	}
}

func TestOddDimensionsSafe(t *testing.T) {
	// Odd widths and heights pack with ceil division; detection at the
	// packed boundary is suppressed and nothing reads out of bounds.
	opts := sift.DefaultOptions()
	opts.ContrastThreshold = 0.005

	d := NewCPUDetector(opts)
	pixels := noiseImage(63, 65, 13)
	if err := d.LoadImage(pixels, 63, 65, 63, sift.FormatGray8); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	res, err := d.DetectAndCompute()
	if err != nil {
		t.Fatalf("DetectAndCompute: %v", err)
	}
	for _, kp := range res.Keypoints {
		if kp.X < 0 || kp.Y < 0 || kp.X >= 63 || kp.Y >= 65 {
			t.Fatalf("keypoint (%g,%g) outside 63x65 image", kp.X, kp.Y)
		}
	}
}

func TestLoadImageRejectsBadInput(t *testing.T) {
	d := NewCPUDetector(sift.DefaultOptions())

	if err := d.LoadImage(make([]byte, 7*7), 7, 7, 7, sift.FormatGray8); !errors.Is(err, sift.ErrBadConfig) {
		t.Errorf("7x7 image error = %v, want ErrBadConfig", err)
	}
	if err := d.LoadImage(make([]byte, 64*64), 64, 64, 64, sift.PixelFormat(99)); !errors.Is(err, sift.ErrBadConfig) {
		t.Errorf("unknown format error = %v, want ErrBadConfig", err)
	}
	if _, err := d.DetectKeypoints(); !errors.Is(err, sift.ErrBadConfig) {
		t.Errorf("detect without image error = %v, want ErrBadConfig", err)
	}
}

func TestValidateRejectsOutOfRangeKeypoints(t *testing.T) {
	d := NewCPUDetector(sift.DefaultOptions())
	pixels := noiseImage(32, 32, 1)
	if err := d.LoadImage(pixels, 32, 32, 32, sift.FormatGray8); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	bad := []sift.Keypoint{{X: 4, Y: 4, Octave: 99, Scale: 1, Sigma: 1.6}}
	if _, err := d.ComputeDescriptors(bad); !errors.Is(err, sift.ErrBadConfig) {
		t.Errorf("bad octave error = %v, want ErrBadConfig", err)
	}

	bad[0].Octave = 0
	bad[0].Scale = 0
	if _, err := d.ComputeDescriptors(bad); !errors.Is(err, sift.ErrBadConfig) {
		t.Errorf("bad scale error = %v, want ErrBadConfig", err)
	}
}
