package pyramid

import (
	"math"
	"sync"
)

// MaxRadiusPacked is the halo radius, in packed texels, reserved by the
// tiled blur shaders. Kernels whose packed radius would exceed it cannot be
// run on the GPU path.
const MaxRadiusPacked = 16

// KernelRadius returns the tap radius used for a Gaussian of the given
// sigma, ceil(3*sigma).
func KernelRadius(sigma float64) int {
	r := int(math.Ceil(3 * sigma))
	if r < 1 {
		r = 1
	}
	return r
}

// KernelKey identifies a cached Gaussian kernel. Sigma is quantized to four
// decimal places so that keys computed from slightly different float paths
// still collide.
type KernelKey struct {
	SigmaQ uint32 // sigma * 10000, rounded
	Radius int
}

// MakeKernelKey quantizes (sigma, radius) into a cache key.
func MakeKernelKey(sigma float64, radius int) KernelKey {
	return KernelKey{SigmaQ: uint32(math.Round(sigma * 10000)), Radius: radius}
}

// GaussianKernel samples the 1-D Gaussian at integer offsets -radius..radius
// and normalizes the taps to sum 1.
func GaussianKernel(sigma float64, radius int) []float32 {
	taps := make([]float32, 2*radius+1)
	inv := 1.0 / (2 * sigma * sigma)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) * inv)
		taps[i+radius] = float32(w)
		sum += w
	}
	scale := float32(1.0 / sum)
	for i := range taps {
		taps[i] *= scale
	}
	return taps
}

// KernelCache memoizes Gaussian kernels by quantized (sigma, radius).
// Shared across detect calls on the same device; safe for concurrent use.
type KernelCache struct {
	mu      sync.Mutex
	kernels map[KernelKey][]float32
}

// NewKernelCache builds a cache pre-populated with the deterministic kernel
// set of the sigma progression: the base sigma plus every incremental
// delta-sigma of one octave.
func NewKernelCache(sigmaBase float64, scalesPerOctave int) *KernelCache {
	c := &KernelCache{kernels: make(map[KernelKey][]float32)}
	c.Get(sigmaBase, KernelRadius(sigmaBase))
	for s := 1; s < scalesPerOctave+3; s++ {
		d := DeltaSigma(sigmaBase, scalesPerOctave, s)
		c.Get(d, KernelRadius(d))
	}
	return c
}

// Get returns the kernel for (sigma, radius), computing and caching it on
// first use.
func (c *KernelCache) Get(sigma float64, radius int) []float32 {
	key := MakeKernelKey(sigma, radius)
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.kernels[key]; ok {
		return k
	}
	k := GaussianKernel(sigma, radius)
	c.kernels[key] = k
	return k
}

// Len reports the number of cached kernels.
func (c *KernelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.kernels)
}

// Sigma returns the blur level assigned to scale index s within an octave,
// sigmaBase * 2^(s/S), in octave-local pixels.
func Sigma(sigmaBase float64, scalesPerOctave, s int) float64 {
	return sigmaBase * math.Pow(2, float64(s)/float64(scalesPerOctave))
}

// DeltaSigma returns the incremental blur that takes scale s-1 to scale s,
// sqrt(sigma(s)^2 - sigma(s-1)^2).
func DeltaSigma(sigmaBase float64, scalesPerOctave, s int) float64 {
	cur := Sigma(sigmaBase, scalesPerOctave, s)
	prev := Sigma(sigmaBase, scalesPerOctave, s-1)
	return math.Sqrt(cur*cur - prev*prev)
}
