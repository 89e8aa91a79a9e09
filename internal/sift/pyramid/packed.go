package pyramid

// The GPU pipeline stores grayscale data with four logical pixels per texel:
// each texel holds a 2x2 block in (top-left, top-right, bottom-left,
// bottom-right) channel order. The mapping here is the single source of
// truth; the OpenCL kernels mirror it exactly.

// PackedDims returns the packed-grid dimensions for a logical image.
func PackedDims(w, h int) (pw, ph int) {
	return (w + 1) / 2, (h + 1) / 2
}

// PackedCoord maps a logical pixel to its packed texel and channel index.
func PackedCoord(lx, ly int) (px, py, channel int) {
	return lx / 2, ly / 2, (ly%2)*2 + (lx % 2)
}

// LogicalCoord maps a packed texel and channel back to the logical pixel.
func LogicalCoord(px, py, channel int) (lx, ly int) {
	return px*2 + channel%2, py*2 + channel/2
}

// OctavePackedDims returns the packed dimensions of each octave. Octave 0
// packs the full-resolution image; every further octave halves the packed
// grid with flooring, clamped at 1.
func OctavePackedDims(w, h, octaves int) [][2]int {
	dims := make([][2]int, octaves)
	pw, ph := PackedDims(w, h)
	for o := 0; o < octaves; o++ {
		dims[o] = [2]int{pw, ph}
		pw /= 2
		ph /= 2
		if pw < 1 {
			pw = 1
		}
		if ph < 1 {
			ph = 1
		}
	}
	return dims
}

// OctaveLogicalDims returns the logical dimensions of each octave. Octave 0
// keeps the input dimensions (possibly odd); deeper octaves span exactly the
// packed grid, so a trailing odd row or column is dropped at each transition.
func OctaveLogicalDims(w, h, octaves int) [][2]int {
	packed := OctavePackedDims(w, h, octaves)
	dims := make([][2]int, octaves)
	dims[0] = [2]int{w, h}
	for o := 1; o < octaves; o++ {
		dims[o] = [2]int{packed[o][0] * 2, packed[o][1] * 2}
	}
	return dims
}
