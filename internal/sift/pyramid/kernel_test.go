package pyramid

import (
	"math"
	"testing"
)

func TestGaussianKernelNormalized(t *testing.T) {
	for _, sigma := range []float64{0.5, 1.0, 1.6, 3.2} {
		radius := KernelRadius(sigma)
		taps := GaussianKernel(sigma, radius)

		if len(taps) != 2*radius+1 {
			t.Fatalf("sigma %g: got %d taps, want %d", sigma, len(taps), 2*radius+1)
		}

		var sum float64
		for _, w := range taps {
			sum += float64(w)
		}
		if math.Abs(sum-1.0) > 1e-5 {
			t.Errorf("sigma %g: taps sum to %g, want 1", sigma, sum)
		}

		// Symmetry
		for i := 0; i < radius; i++ {
			if taps[i] != taps[len(taps)-1-i] {
				t.Errorf("sigma %g: tap %d (%g) != tap %d (%g)", sigma, i, taps[i], len(taps)-1-i, taps[len(taps)-1-i])
			}
		}

		// Center is the maximum
		for i, w := range taps {
			if w > taps[radius] {
				t.Errorf("sigma %g: tap %d exceeds center", sigma, i)
			}
		}
	}
}

func TestKernelRadius(t *testing.T) {
	if got := KernelRadius(1.6); got != 5 {
		t.Errorf("KernelRadius(1.6) = %d, want 5", got)
	}
	if got := KernelRadius(0.01); got != 1 {
		t.Errorf("KernelRadius(0.01) = %d, want 1 (floor)", got)
	}
}

func TestKernelKeyQuantization(t *testing.T) {
	// Keys computed from slightly different float paths must collide.
	a := MakeKernelKey(1.60000001, 5)
	b := MakeKernelKey(1.6, 5)
	if a != b {
		t.Errorf("keys %v and %v should collide under 4-decimal quantization", a, b)
	}

	c := MakeKernelKey(1.6001, 5)
	if a == c {
		t.Errorf("keys for 1.6 and 1.6001 should differ")
	}
	d := MakeKernelKey(1.6, 6)
	if a == d {
		t.Errorf("keys for different radii should differ")
	}
}

func TestKernelCachePrecomputesDeterministicSet(t *testing.T) {
	const scales = 3
	cache := NewKernelCache(1.6, scales)

	// sigmaBase plus delta sigma for every scale transition of one octave.
	want := 1 + (scales + 2)
	if got := cache.Len(); got != want {
		t.Fatalf("cache primed with %d kernels, want %d", got, want)
	}

	// Getting a primed kernel must not grow the cache.
	cache.Get(1.6, KernelRadius(1.6))
	if got := cache.Len(); got != want {
		t.Errorf("cache grew to %d after re-get, want %d", got, want)
	}

	// A new sigma does.
	cache.Get(4.2, KernelRadius(4.2))
	if got := cache.Len(); got != want+1 {
		t.Errorf("cache has %d kernels after new sigma, want %d", got, want+1)
	}
}

func TestSigmaProgression(t *testing.T) {
	const base = 1.6
	const scales = 3

	if got := Sigma(base, scales, 0); math.Abs(got-base) > 1e-12 {
		t.Errorf("Sigma(0) = %g, want %g", got, base)
	}
	if got := Sigma(base, scales, scales); math.Abs(got-2*base) > 1e-12 {
		t.Errorf("Sigma(S) = %g, want %g (one doubling per octave)", got, 2*base)
	}

	// DeltaSigma must satisfy sigma(s-1)^2 + delta^2 = sigma(s)^2.
	for s := 1; s < scales+3; s++ {
		prev := Sigma(base, scales, s-1)
		cur := Sigma(base, scales, s)
		delta := DeltaSigma(base, scales, s)
		if got := math.Sqrt(prev*prev + delta*delta); math.Abs(got-cur) > 1e-9 {
			t.Errorf("scale %d: composed sigma %g, want %g", s, got, cur)
		}
	}
}
