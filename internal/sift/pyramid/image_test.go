package pyramid

import (
	"errors"
	"math"
	"testing"

	"github.com/cwbudde/siftgpu/internal/sift"
)

func TestPlaneFromPixelsGray(t *testing.T) {
	pixels := []byte{0, 128, 255, 64}
	p, err := PlaneFromPixels(pixels, 2, 2, 2, sift.FormatGray8)
	if err != nil {
		t.Fatalf("PlaneFromPixels: %v", err)
	}
	want := []float32{0, 128.0 / 255, 1, 64.0 / 255}
	for i := range want {
		if math.Abs(float64(p.Pix[i]-want[i])) > 1e-6 {
			t.Errorf("pixel %d = %g, want %g", i, p.Pix[i], want[i])
		}
	}
}

func TestPlaneFromPixelsLuma(t *testing.T) {
	// Pure red, green, blue pixels map through the BT.601 weights.
	pixels := []byte{
		255, 0, 0, 255, 0, 255, 0, 255,
		0, 0, 255, 255, 255, 255, 255, 255,
	}
	p, err := PlaneFromPixels(pixels, 2, 2, 8, sift.FormatRGBA8)
	if err != nil {
		t.Fatalf("PlaneFromPixels: %v", err)
	}
	want := []float32{0.299, 0.587, 0.114, 1.0}
	for i := range want {
		if math.Abs(float64(p.Pix[i]-want[i])) > 1e-6 {
			t.Errorf("pixel %d = %g, want %g", i, p.Pix[i], want[i])
		}
	}
}

func TestPlaneFromPixelsStrideAndErrors(t *testing.T) {
	// Stride below the row size is rejected.
	if _, err := PlaneFromPixels(make([]byte, 100), 4, 4, 8, sift.FormatRGB8); err == nil {
		t.Error("short stride accepted")
	} else if !errors.Is(err, sift.ErrBadConfig) {
		t.Errorf("short stride error = %v, want ErrBadConfig", err)
	}

	// Undersized buffer is rejected.
	if _, err := PlaneFromPixels(make([]byte, 10), 4, 4, 16, sift.FormatRGBA8); !errors.Is(err, sift.ErrBadConfig) {
		t.Errorf("short buffer error = %v, want ErrBadConfig", err)
	}

	// Padded rows are honored.
	pixels := make([]byte, 2*10)
	pixels[0] = 255  // (0,0)
	pixels[10] = 255 // (0,1) at stride 10
	p, err := PlaneFromPixels(pixels, 2, 2, 10, sift.FormatGray8)
	if err != nil {
		t.Fatalf("PlaneFromPixels: %v", err)
	}
	if p.At(0, 0) != 1.0 || p.At(0, 1) != 1.0 {
		t.Errorf("stride handling wrong: (0,0)=%g (0,1)=%g", p.At(0, 0), p.At(0, 1))
	}
}

func TestDownscaleNoop(t *testing.T) {
	p := randomPlane(100, 50, 2)
	out, factor := Downscale(p, 100)
	if factor != 1.0 || out != p {
		t.Errorf("in-bounds image was resampled (factor %g)", factor)
	}
	out, factor = Downscale(p, 0)
	if factor != 1.0 || out != p {
		t.Errorf("maxDim 0 must disable downscaling (factor %g)", factor)
	}
}

func TestDownscaleFactor(t *testing.T) {
	p := randomPlane(200, 100, 4)
	out, factor := Downscale(p, 50)
	if math.Abs(factor-0.25) > 1e-9 {
		t.Fatalf("factor = %g, want 0.25", factor)
	}
	if out.W != 50 || out.H != 25 {
		t.Fatalf("downscaled dims %dx%d, want 50x25", out.W, out.H)
	}

	// Values stay in range.
	for i, v := range out.Pix {
		if v < 0 || v > 1 {
			t.Fatalf("pixel %d out of range: %g", i, v)
		}
	}
}

func TestBilinearClampAndInterpolation(t *testing.T) {
	p := NewPlane(2, 2)
	p.Set(0, 0, 0)
	p.Set(1, 0, 1)
	p.Set(0, 1, 0)
	p.Set(1, 1, 1)

	if got := p.Bilinear(0.5, 0.5); math.Abs(float64(got)-0.5) > 1e-6 {
		t.Errorf("center sample = %g, want 0.5", got)
	}
	if got := p.Bilinear(-3, -3); got != 0 {
		t.Errorf("clamped corner = %g, want 0", got)
	}
	if got := p.Bilinear(5, 5); got != 1 {
		t.Errorf("clamped corner = %g, want 1", got)
	}
}
