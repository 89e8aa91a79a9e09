package sift

import "fmt"

// Options configures a detector instance. The zero value is not usable;
// start from DefaultOptions and override fields as needed.
type Options struct {
	// NumOctaves is the number of pyramid octaves built per image.
	NumOctaves int `yaml:"numOctaves"`

	// ScalesPerOctave is the number of usable scales per octave. The
	// Gaussian pyramid stores ScalesPerOctave+3 images per octave so that
	// every middle DoG scale has both scale-space neighbors.
	ScalesPerOctave int `yaml:"scalesPerOctave"`

	// SigmaBase is the blur applied to the base of octave 0, and the
	// anchor of the per-scale sigma progression sigma(s) = SigmaBase * 2^(s/S).
	SigmaBase float64 `yaml:"sigmaBase"`

	// ContrastThreshold rejects low-contrast extrema. The per-scale test
	// uses ContrastThreshold / ScalesPerOctave.
	ContrastThreshold float64 `yaml:"contrastThreshold"`

	// EdgeThreshold is the principal-curvature ratio limit r; candidates
	// with tr^2 * r >= (r+1)^2 * det are rejected as edge responses.
	EdgeThreshold float64 `yaml:"edgeThreshold"`

	// MaxKeypoints caps the keypoint append buffer. Overflow truncates
	// silently and is reported via Result.Truncated, not as an error.
	MaxKeypoints int `yaml:"maxKeypoints"`

	// MaxImageDimension, when > 0, downscales inputs whose longer side
	// exceeds it. Returned coordinates and sigmas are restored to the
	// original image frame.
	MaxImageDimension int `yaml:"maxImageDimension"`

	// QuantizeDescriptors selects the byte-quantized descriptor variant
	// (round(min(255, d*512)) per bin) instead of unit-norm float32.
	QuantizeDescriptors bool `yaml:"quantizeDescriptors"`

	// RingDepth is the staging-ring depth used by the streaming GPU
	// readback path. Minimum 3.
	RingDepth int `yaml:"ringDepth"`
}

// DefaultOptions returns the standard detector configuration.
func DefaultOptions() Options {
	return Options{
		NumOctaves:          4,
		ScalesPerOctave:     3,
		SigmaBase:           1.6,
		ContrastThreshold:   0.03,
		EdgeThreshold:       10.0,
		MaxKeypoints:        100000,
		MaxImageDimension:   3000,
		QuantizeDescriptors: false,
		RingDepth:           3,
	}
}

// Validate checks the options against sane ranges. Violations are reported
// as ErrBadConfig.
func (o Options) Validate() error {
	if o.NumOctaves < 1 || o.NumOctaves > 16 {
		return fmt.Errorf("%w: numOctaves %d outside [1,16]", ErrBadConfig, o.NumOctaves)
	}
	if o.ScalesPerOctave < 1 || o.ScalesPerOctave > 8 {
		return fmt.Errorf("%w: scalesPerOctave %d outside [1,8]", ErrBadConfig, o.ScalesPerOctave)
	}
	if o.SigmaBase <= 0 || o.SigmaBase > 8 {
		return fmt.Errorf("%w: sigmaBase %g outside (0,8]", ErrBadConfig, o.SigmaBase)
	}
	if o.ContrastThreshold < 0 || o.ContrastThreshold >= 1 {
		return fmt.Errorf("%w: contrastThreshold %g outside [0,1)", ErrBadConfig, o.ContrastThreshold)
	}
	if o.EdgeThreshold < 1 {
		return fmt.Errorf("%w: edgeThreshold %g below 1", ErrBadConfig, o.EdgeThreshold)
	}
	if o.MaxKeypoints < 1 {
		return fmt.Errorf("%w: maxKeypoints %d below 1", ErrBadConfig, o.MaxKeypoints)
	}
	if o.MaxImageDimension < 0 {
		return fmt.Errorf("%w: maxImageDimension %d negative", ErrBadConfig, o.MaxImageDimension)
	}
	if o.RingDepth < 3 {
		return fmt.Errorf("%w: ringDepth %d below 3", ErrBadConfig, o.RingDepth)
	}
	return nil
}
