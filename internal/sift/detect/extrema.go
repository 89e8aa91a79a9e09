package detect

import (
	"math"

	"github.com/cwbudde/siftgpu/internal/sift"
	"github.com/cwbudde/siftgpu/internal/sift/pyramid"
)

// scanExtrema inspects every middle scale s in [1,S] of the DoG pyramid and
// appends passing candidates. Appending stops silently once the cap is
// reached; the caller reports truncation through the result.
//
// A candidate at (x,y,s) passes iff it clears the per-scale contrast
// threshold, is a strict extremum over its 26 scale-space neighbors, and
// survives the principal-curvature edge test.
func scanExtrema(ss *pyramid.ScaleSpace, opts sift.Options) (kps []sift.Keypoint, truncated bool) {
	threshold := float32(opts.ContrastThreshold / float64(opts.ScalesPerOctave))
	edge := opts.EdgeThreshold

	for o := 0; o < ss.Octaves; o++ {
		scaleFactor := float32(int32(1) << uint(o))
		for s := 1; s <= opts.ScalesPerOctave; s++ {
			below, mid, above := ss.DoG[o][s-1], ss.DoG[o][s], ss.DoG[o][s+1]
			sigma := pyramid.Sigma(opts.SigmaBase, opts.ScalesPerOctave, s)

			for y := 1; y < mid.H-1; y++ {
				for x := 1; x < mid.W-1; x++ {
					v := mid.Pix[y*mid.W+x]
					if v > -threshold && v < threshold {
						continue
					}
					if !isStrictExtremum(below, mid, above, x, y, v) {
						continue
					}
					if !passesEdgeTest(mid, x, y, edge) {
						continue
					}
					if len(kps) >= opts.MaxKeypoints {
						return kps, true
					}
					kps = append(kps, sift.Keypoint{
						X:      float32(x) * scaleFactor,
						Y:      float32(y) * scaleFactor,
						Octave: int32(o),
						Scale:  int32(s),
						Sigma:  float32(sigma) * scaleFactor,
					})
				}
			}
		}
	}
	return kps, false
}

// isStrictExtremum checks the 3x3x3 neighborhood. The center value must be
// strictly greater than all 26 neighbors, or strictly smaller than all.
func isStrictExtremum(below, mid, above *pyramid.Plane, x, y int, v float32) bool {
	if v > 0 {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if v <= below.At(x+dx, y+dy) || v <= above.At(x+dx, y+dy) {
					return false
				}
				if dx == 0 && dy == 0 {
					continue
				}
				if v <= mid.At(x+dx, y+dy) {
					return false
				}
			}
		}
		return true
	}
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if v >= below.At(x+dx, y+dy) || v >= above.At(x+dx, y+dy) {
				return false
			}
			if dx == 0 && dy == 0 {
				continue
			}
			if v >= mid.At(x+dx, y+dy) {
				return false
			}
		}
	}
	return true
}

// passesEdgeTest rejects candidates whose principal-curvature ratio exceeds
// r: with the 2-D Hessian at (x,y), require det > 0 and
// tr^2 * r < (r+1)^2 * det.
func passesEdgeTest(d *pyramid.Plane, x, y int, r float64) bool {
	c := float64(d.At(x, y))
	dxx := float64(d.At(x+1, y)) + float64(d.At(x-1, y)) - 2*c
	dyy := float64(d.At(x, y+1)) + float64(d.At(x, y-1)) - 2*c
	dxy := (float64(d.At(x+1, y+1)) - float64(d.At(x+1, y-1)) -
		float64(d.At(x-1, y+1)) + float64(d.At(x-1, y-1))) / 4

	tr := dxx + dyy
	det := dxx*dyy - dxy*dxy
	if det <= 0 {
		return false
	}
	return tr*tr*r < (r+1)*(r+1)*det
}

// restoreScale maps keypoints back to the pre-downscale image frame.
func restoreScale(kps []sift.Keypoint, factor float64) {
	if factor == 1 {
		return
	}
	restore := float32(1.0 / factor)
	if math.IsInf(float64(restore), 0) || restore <= 0 {
		return
	}
	for i := range kps {
		kps[i].X *= restore
		kps[i].Y *= restore
		kps[i].Sigma *= restore
	}
}
