package pyramid

// ScaleSpace holds the Gaussian and Difference-of-Gaussians pyramids for one
// image. Gaussian[o] has ScalesPerOctave+3 planes, DoG[o] has
// ScalesPerOctave+2, with DoG[o][s] = Gaussian[o][s+1] - Gaussian[o][s].
type ScaleSpace struct {
	Octaves         int
	ScalesPerOctave int
	SigmaBase       float64

	Gaussian [][]*Plane
	DoG      [][]*Plane
}

// Build constructs the full scale space from a base luminance plane.
// The octave-0 seed is the base blurred with sigmaBase; each further octave
// seeds from a 2x decimation of Gaussian[o-1][S].
func Build(base *Plane, octaves, scalesPerOctave int, sigmaBase float64, kernels *KernelCache) *ScaleSpace {
	ss := &ScaleSpace{
		Octaves:         octaves,
		ScalesPerOctave: scalesPerOctave,
		SigmaBase:       sigmaBase,
		Gaussian:        make([][]*Plane, octaves),
		DoG:             make([][]*Plane, octaves),
	}

	logical := OctaveLogicalDims(base.W, base.H, octaves)
	scales := scalesPerOctave + 3

	var seed *Plane
	for o := 0; o < octaves; o++ {
		w, h := logical[o][0], logical[o][1]
		ss.Gaussian[o] = make([]*Plane, scales)
		ss.DoG[o] = make([]*Plane, scales-1)

		if o == 0 {
			r := KernelRadius(sigmaBase)
			seed = SeparableBlur(base, kernels.Get(sigmaBase, r), r)
		} else {
			seed = Decimate(ss.Gaussian[o-1][scalesPerOctave], w, h)
		}
		ss.Gaussian[o][0] = seed

		for s := 1; s < scales; s++ {
			d := DeltaSigma(sigmaBase, scalesPerOctave, s)
			r := KernelRadius(d)
			ss.Gaussian[o][s] = SeparableBlur(ss.Gaussian[o][s-1], kernels.Get(d, r), r)
		}
		for s := 0; s < scales-1; s++ {
			ss.DoG[o][s] = Subtract(ss.Gaussian[o][s+1], ss.Gaussian[o][s])
		}
	}
	return ss
}

// SeparableBlur convolves the plane with a 1-D kernel horizontally then
// vertically, clamping at the edges. The kernel has 2*radius+1 taps.
func SeparableBlur(src *Plane, kernel []float32, radius int) *Plane {
	tmp := NewPlane(src.W, src.H)
	dst := NewPlane(src.W, src.H)

	for y := 0; y < src.H; y++ {
		row := y * src.W
		for x := 0; x < src.W; x++ {
			var acc float32
			for k := -radius; k <= radius; k++ {
				acc += kernel[k+radius] * src.At(x+k, y)
			}
			tmp.Pix[row+x] = acc
		}
	}
	for y := 0; y < src.H; y++ {
		row := y * src.W
		for x := 0; x < src.W; x++ {
			var acc float32
			for k := -radius; k <= radius; k++ {
				acc += kernel[k+radius] * tmp.At(x, y+k)
			}
			dst.Pix[row+x] = acc
		}
	}
	return dst
}

// Decimate keeps the top-left logical sample of each 2x2 block, producing a
// plane of the requested dimensions. Source reads clamp at the edges so a
// dropped odd row or column never reads out of bounds.
func Decimate(src *Plane, w, h int) *Plane {
	dst := NewPlane(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Pix[y*w+x] = src.At(x*2, y*2)
		}
	}
	return dst
}

// Subtract returns a-b element-wise. Both planes must share dimensions.
func Subtract(a, b *Plane) *Plane {
	dst := NewPlane(a.W, a.H)
	for i := range dst.Pix {
		dst.Pix[i] = a.Pix[i] - b.Pix[i]
	}
	return dst
}
