package detect

import (
	"math"

	"github.com/cwbudde/siftgpu/internal/sift"
	"github.com/cwbudde/siftgpu/internal/sift/pyramid"
)

const orientationBins = 36

// assignOrientations fills kp.Orientation for every keypoint. The keypoint's
// position and sigma are interpreted at the keypoint's own octave, matching
// the per-octave GPU dispatch: gradients come from the Gaussian plane at the
// keypoint's scale index.
func assignOrientations(ss *pyramid.ScaleSpace, opts sift.Options, kps []sift.Keypoint) {
	for i := range kps {
		kps[i].Orientation = dominantOrientation(ss, opts, &kps[i])
	}
}

// dominantOrientation builds a 36-bin gradient histogram in a circular
// window around the keypoint, smooths it once with [0.25, 0.5, 0.25], and
// refines the peak bin by parabolic interpolation. Only the dominant peak is
// assigned.
func dominantOrientation(ss *pyramid.ScaleSpace, opts sift.Options, kp *sift.Keypoint) float32 {
	o := int(kp.Octave)
	scaleFactor := float64(int32(1) << uint(o))
	g := ss.Gaussian[o][kp.Scale]

	x := int(math.Round(float64(kp.X) / scaleFactor))
	y := int(math.Round(float64(kp.Y) / scaleFactor))

	sigma := pyramid.Sigma(opts.SigmaBase, opts.ScalesPerOctave, int(kp.Scale))
	radius := int(math.Round(sigma * 1.5 * 3))
	if radius < 1 {
		radius = 1
	}
	invDenom := 1.0 / (2 * (1.5 * sigma) * (1.5 * sigma))

	var hist [orientationBins]float64
	r2 := radius * radius
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > r2 {
				continue
			}
			px, py := x+dx, y+dy
			if px < 1 || py < 1 || px >= g.W-1 || py >= g.H-1 {
				continue
			}
			gx := float64(g.At(px+1, py)-g.At(px-1, py)) * 0.5
			gy := float64(g.At(px, py+1)-g.At(px, py-1)) * 0.5
			mag := math.Sqrt(gx*gx + gy*gy)
			if mag == 0 {
				continue
			}
			theta := math.Atan2(gy, gx)
			if theta < 0 {
				theta += 2 * math.Pi
			}
			w := mag * math.Exp(-float64(dx*dx+dy*dy)*invDenom)
			bin := int(theta*orientationBins/(2*math.Pi)) % orientationBins
			hist[bin] += w
		}
	}

	smoothHistogram(&hist)

	best := 0
	for i := 1; i < orientationBins; i++ {
		if hist[i] > hist[best] {
			best = i
		}
	}

	l := hist[(best+orientationBins-1)%orientationBins]
	r := hist[(best+1)%orientationBins]
	m := hist[best]
	peak := float64(best)
	if denom := l - 2*m + r; denom != 0 {
		peak += 0.5 * (l - r) / denom
	}

	angle := peak * 2 * math.Pi / orientationBins
	for angle < 0 {
		angle += 2 * math.Pi
	}
	for angle >= 2*math.Pi {
		angle -= 2 * math.Pi
	}
	return float32(angle)
}

// smoothHistogram applies the circular three-tap kernel [0.25, 0.5, 0.25]
// in place.
func smoothHistogram(hist *[orientationBins]float64) {
	var prev [orientationBins]float64
	copy(prev[:], hist[:])
	for i := 0; i < orientationBins; i++ {
		l := prev[(i+orientationBins-1)%orientationBins]
		r := prev[(i+1)%orientationBins]
		hist[i] = 0.25*l + 0.5*prev[i] + 0.25*r
	}
}
