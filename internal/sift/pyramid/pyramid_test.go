package pyramid

import (
	"math"
	"math/rand"
	"testing"
)

func randomPlane(w, h int, seed int64) *Plane {
	r := rand.New(rand.NewSource(seed))
	p := NewPlane(w, h)
	for i := range p.Pix {
		p.Pix[i] = r.Float32()
	}
	return p
}

func TestSeparableBlurPreservesConstant(t *testing.T) {
	p := NewPlane(16, 16)
	for i := range p.Pix {
		p.Pix[i] = 0.5
	}
	kernel := GaussianKernel(1.6, KernelRadius(1.6))
	out := SeparableBlur(p, kernel, KernelRadius(1.6))

	for i, v := range out.Pix {
		if math.Abs(float64(v)-0.5) > 1e-5 {
			t.Fatalf("pixel %d: blurred constant = %g, want 0.5", i, v)
		}
	}
}

func TestSeparableBlurImpulseSymmetric(t *testing.T) {
	p := NewPlane(31, 31)
	p.Set(15, 15, 1.0)

	radius := KernelRadius(1.6)
	out := SeparableBlur(p, GaussianKernel(1.6, radius), radius)

	// The response to a centered impulse is radially symmetric along axes.
	for d := 1; d <= radius; d++ {
		l := out.At(15-d, 15)
		r := out.At(15+d, 15)
		u := out.At(15, 15-d)
		dn := out.At(15, 15+d)
		if l != r || u != dn || math.Abs(float64(l-u)) > 1e-7 {
			t.Errorf("offset %d: asymmetric response l=%g r=%g u=%g d=%g", d, l, r, u, dn)
		}
	}

	// Mass is preserved away from borders.
	var sum float64
	for _, v := range out.Pix {
		sum += float64(v)
	}
	if math.Abs(sum-1.0) > 1e-4 {
		t.Errorf("blurred impulse mass = %g, want 1", sum)
	}
}

func TestDecimateKeepsTopLeft(t *testing.T) {
	src := NewPlane(8, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			src.Set(x, y, float32(y*8+x))
		}
	}
	dst := Decimate(src, 4, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			want := float32(y*2*8 + x*2)
			if got := dst.At(x, y); got != want {
				t.Errorf("decimated (%d,%d) = %g, want %g", x, y, got, want)
			}
		}
	}
}

func TestBuildShapes(t *testing.T) {
	const octaves = 3
	const scales = 3

	base := randomPlane(40, 32, 1)
	ss := Build(base, octaves, scales, 1.6, NewKernelCache(1.6, scales))

	if len(ss.Gaussian) != octaves || len(ss.DoG) != octaves {
		t.Fatalf("got %d/%d octaves, want %d", len(ss.Gaussian), len(ss.DoG), octaves)
	}
	logical := OctaveLogicalDims(40, 32, octaves)
	for o := 0; o < octaves; o++ {
		if len(ss.Gaussian[o]) != scales+3 {
			t.Errorf("octave %d: %d gaussian scales, want %d", o, len(ss.Gaussian[o]), scales+3)
		}
		if len(ss.DoG[o]) != scales+2 {
			t.Errorf("octave %d: %d dog scales, want %d", o, len(ss.DoG[o]), scales+2)
		}
		for s, g := range ss.Gaussian[o] {
			if g.W != logical[o][0] || g.H != logical[o][1] {
				t.Errorf("octave %d scale %d: dims %dx%d, want %dx%d", o, s, g.W, g.H, logical[o][0], logical[o][1])
			}
		}
	}
}

func TestBuildDoGInvariant(t *testing.T) {
	const octaves = 3
	const scales = 3

	base := randomPlane(48, 48, 7)
	ss := Build(base, octaves, scales, 1.6, NewKernelCache(1.6, scales))

	for o := 0; o < octaves; o++ {
		for s := 0; s < scales+2; s++ {
			upper := ss.Gaussian[o][s+1]
			lower := ss.Gaussian[o][s]
			dog := ss.DoG[o][s]
			for i := range dog.Pix {
				want := upper.Pix[i] - lower.Pix[i]
				if math.Abs(float64(dog.Pix[i]-want)) > 1e-4 {
					t.Fatalf("octave %d scale %d pixel %d: DoG %g, want %g", o, s, i, dog.Pix[i], want)
				}
			}
		}
	}
}

func TestBuildSmallestOctaveBounded(t *testing.T) {
	// Deep octaves collapse to 1x1 packed grids without going out of
	// bounds.
	base := randomPlane(8, 8, 3)
	ss := Build(base, 4, 3, 1.6, NewKernelCache(1.6, 3))
	last := ss.Gaussian[3][0]
	if last.W < 1 || last.H < 1 {
		t.Fatalf("deepest octave dims %dx%d", last.W, last.H)
	}
}
