package detect

import (
	"math"

	"github.com/cwbudde/siftgpu/internal/sift"
	"github.com/cwbudde/siftgpu/internal/sift/pyramid"
)

const (
	descGridSize  = 16 // sampling grid is 16x16 around the keypoint
	descHistWidth = 4  // 4x4 spatial cells
	descOriBins   = 8  // orientation bins per cell
	descStep      = 0.75
	descClamp     = 0.2
)

// computeDescriptor extracts the 128-bin descriptor for one keypoint. The
// keypoint's orientation must already be assigned; the sampling frame is
// rotated into it so the descriptor is rotation-invariant.
func computeDescriptor(ss *pyramid.ScaleSpace, opts sift.Options, kp *sift.Keypoint) sift.Descriptor {
	o := int(kp.Octave)
	scaleFactor := float64(int32(1) << uint(o))
	g := ss.Gaussian[o][kp.Scale]

	cx := float64(kp.X) / scaleFactor
	cy := float64(kp.Y) / scaleFactor

	theta := float64(kp.Orientation)
	cosT := math.Cos(theta)
	sinT := math.Sin(theta)

	sigma := pyramid.Sigma(opts.SigmaBase, opts.ScalesPerOctave, int(kp.Scale))
	step := descStep * sigma

	var hist [descHistWidth * descHistWidth * descOriBins]float64

	for r := -descGridSize / 2; r < descGridSize/2; r++ {
		for c := -descGridSize / 2; c < descGridSize/2; c++ {
			// Rotate the grid offset into the keypoint frame.
			fx := float64(c)*cosT - float64(r)*sinT
			fy := float64(c)*sinT + float64(r)*cosT
			sx := cx + step*fx
			sy := cy + step*fy

			// The gradient below reads bilinear taps one pixel out in each
			// direction; keep the whole support inside a 2-pixel band.
			if sx < 2 || sy < 2 || sx > float64(g.W-3) || sy > float64(g.H-3) {
				continue
			}

			gx := float64(g.Bilinear(float32(sx+1), float32(sy))-g.Bilinear(float32(sx-1), float32(sy))) * 0.5
			gy := float64(g.Bilinear(float32(sx), float32(sy+1))-g.Bilinear(float32(sx), float32(sy-1))) * 0.5
			mag := math.Sqrt(gx*gx + gy*gy)
			if mag == 0 {
				continue
			}

			ori := math.Atan2(gy, gx) - theta
			for ori < 0 {
				ori += 2 * math.Pi
			}
			for ori >= 2*math.Pi {
				ori -= 2 * math.Pi
			}

			weight := mag * math.Exp(-float64(r*r+c*c)/128.0)

			rbin := (float64(r)+8)/4 - 0.5
			cbin := (float64(c)+8)/4 - 0.5
			obin := ori * descOriBins / (2 * math.Pi)

			accumulateTrilinear(&hist, rbin, cbin, obin, weight)
		}
	}

	return normalizeDescriptor(&hist)
}

// accumulateTrilinear splits one weighted sample across the eight
// neighboring (row, column, orientation) cells. Spatial cells outside the
// 4x4 grid are skipped; orientation wraps.
func accumulateTrilinear(hist *[descHistWidth * descHistWidth * descOriBins]float64, rbin, cbin, obin, weight float64) {
	r0 := int(math.Floor(rbin))
	c0 := int(math.Floor(cbin))
	o0 := int(math.Floor(obin))
	fr := rbin - float64(r0)
	fc := cbin - float64(c0)
	fo := obin - float64(o0)

	for dr := 0; dr <= 1; dr++ {
		ri := r0 + dr
		if ri < 0 || ri >= descHistWidth {
			continue
		}
		wr := weight
		if dr == 0 {
			wr *= 1 - fr
		} else {
			wr *= fr
		}
		for dc := 0; dc <= 1; dc++ {
			ci := c0 + dc
			if ci < 0 || ci >= descHistWidth {
				continue
			}
			wc := wr
			if dc == 0 {
				wc *= 1 - fc
			} else {
				wc *= fc
			}
			for do := 0; do <= 1; do++ {
				oi := ((o0+do)%descOriBins + descOriBins) % descOriBins
				wo := wc
				if do == 0 {
					wo *= 1 - fo
				} else {
					wo *= fo
				}
				hist[(ri*descHistWidth+ci)*descOriBins+oi] += wo
			}
		}
	}
}

// normalizeDescriptor applies the two-stage normalization: unit L2, clamp
// each bin at 0.2, renormalize to unit L2.
func normalizeDescriptor(hist *[descHistWidth * descHistWidth * descOriBins]float64) sift.Descriptor {
	var d sift.Descriptor

	var norm float64
	for _, v := range hist {
		norm += v * v
	}
	if norm > 0 {
		inv := 1.0 / math.Sqrt(norm)
		for i := range hist {
			hist[i] *= inv
			if hist[i] > descClamp {
				hist[i] = descClamp
			}
		}
	}

	norm = 0
	for _, v := range hist {
		norm += v * v
	}
	if norm > 0 {
		inv := 1.0 / math.Sqrt(norm)
		for i, v := range hist {
			d[i] = float32(v * inv)
		}
	}
	return d
}
