package detect

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/siftgpu/internal/sift"
	"github.com/cwbudde/siftgpu/internal/sift/pyramid"
	"github.com/cwbudde/siftgpu/internal/trace"
)

// CPUDetector is the reference implementation. It mirrors the GPU pipeline
// stage for stage on logical-pixel float planes and is the ground truth the
// GPU path is verified against.
type CPUDetector struct {
	opts    sift.Options
	kernels *pyramid.KernelCache

	// Pyramid cache: built afresh on every LoadImage and reused by the
	// detect/compute calls that follow it.
	space         *pyramid.ScaleSpace
	width, height int
	restoreFactor float64

	tracer *trace.Writer
}

// SetTrace attaches a stage-timing trace writer. Pass nil to detach.
func (d *CPUDetector) SetTrace(w *trace.Writer) { d.tracer = w }

// record logs one stage duration when tracing is enabled.
func (d *CPUDetector) record(stage string, start time.Time) {
	if d.tracer == nil {
		return
	}
	if err := d.tracer.Record(stage, time.Since(start)); err != nil {
		slog.Warn("trace write failed", "stage", stage, "reason", err)
	}
}

// NewCPUDetector creates a CPU-based detector. Options must already be
// validated by the caller.
func NewCPUDetector(opts sift.Options) *CPUDetector {
	return &CPUDetector{
		opts:    opts,
		kernels: pyramid.NewKernelCache(opts.SigmaBase, opts.ScalesPerOctave),
	}
}

// LoadImage converts the raster to luminance, downscales oversized inputs
// and rebuilds the scale space.
func (d *CPUDetector) LoadImage(pixels []byte, w, h, strideBytes int, format sift.PixelFormat) error {
	if w < 8 || h < 8 {
		return fmt.Errorf("%w: image %dx%d below minimum side 8", sift.ErrBadConfig, w, h)
	}

	plane, err := pyramid.PlaneFromPixels(pixels, w, h, strideBytes, format)
	if err != nil {
		return err
	}

	plane, factor := pyramid.Downscale(plane, d.opts.MaxImageDimension)
	if factor != 1 {
		slog.Info("input downscaled",
			"original_w", w, "original_h", h,
			"working_w", plane.W, "working_h", plane.H,
			"factor", factor,
		)
	}
	d.restoreFactor = factor

	if d.tracer != nil {
		d.tracer.NextFrame()
	}
	start := time.Now()
	d.space = pyramid.Build(plane, d.opts.NumOctaves, d.opts.ScalesPerOctave, d.opts.SigmaBase, d.kernels)
	d.width, d.height = plane.W, plane.H
	d.record("pyramid", start)

	slog.Debug("scale space built",
		"octaves", d.opts.NumOctaves,
		"scales", d.opts.ScalesPerOctave,
		"elapsed", time.Since(start),
	)
	return nil
}

// DetectKeypoints runs extremum detection and orientation assignment.
func (d *CPUDetector) DetectKeypoints() (*sift.Result, error) {
	if d.space == nil {
		return nil, fmt.Errorf("%w: no image loaded", sift.ErrBadConfig)
	}

	start := time.Now()
	kps, truncated := scanExtrema(d.space, d.opts)
	d.record("extrema", start)

	start = time.Now()
	assignOrientations(d.space, d.opts, kps)
	d.record("orientation", start)
	restoreScale(kps, d.restoreFactor)

	if truncated {
		slog.Warn("keypoint buffer overflow, result truncated", "cap", d.opts.MaxKeypoints)
	}
	return &sift.Result{Keypoints: kps, Truncated: truncated}, nil
}

// DetectAndCompute runs the full pipeline including descriptor extraction.
func (d *CPUDetector) DetectAndCompute() (*sift.Result, error) {
	if d.space == nil {
		return nil, fmt.Errorf("%w: no image loaded", sift.ErrBadConfig)
	}

	start := time.Now()
	kps, truncated := scanExtrema(d.space, d.opts)
	d.record("extrema", start)

	start = time.Now()
	assignOrientations(d.space, d.opts, kps)
	d.record("orientation", start)

	res := &sift.Result{Keypoints: kps, Truncated: truncated}
	start = time.Now()
	d.fillDescriptors(res)
	d.record("descriptor", start)
	restoreScale(kps, d.restoreFactor)

	if truncated {
		slog.Warn("keypoint buffer overflow, result truncated", "cap", d.opts.MaxKeypoints)
	}
	return res, nil
}

// ComputeDescriptors extracts descriptors for user-supplied keypoints,
// reusing the cached pyramid. Keypoint coordinates arrive in the original
// image frame; orientation is taken as given.
func (d *CPUDetector) ComputeDescriptors(kps []sift.Keypoint) (*sift.Result, error) {
	if d.space == nil {
		return nil, fmt.Errorf("%w: no image loaded", sift.ErrBadConfig)
	}

	working := make([]sift.Keypoint, len(kps))
	copy(working, kps)
	// Descriptor extraction runs in the working (downscaled) frame.
	if d.restoreFactor != 1 {
		f := float32(d.restoreFactor)
		for i := range working {
			working[i].X *= f
			working[i].Y *= f
			working[i].Sigma *= f
		}
	}
	for i := range working {
		if working[i].Octave < 0 || int(working[i].Octave) >= d.space.Octaves {
			return nil, fmt.Errorf("%w: keypoint %d octave %d out of range", sift.ErrBadConfig, i, working[i].Octave)
		}
		if working[i].Scale < 1 || int(working[i].Scale) > d.opts.ScalesPerOctave {
			return nil, fmt.Errorf("%w: keypoint %d scale %d out of range", sift.ErrBadConfig, i, working[i].Scale)
		}
	}

	res := &sift.Result{Keypoints: append([]sift.Keypoint(nil), kps...)}
	tmp := &sift.Result{Keypoints: working}
	d.fillDescriptors(tmp)
	res.Descriptors = tmp.Descriptors
	res.Quantized = tmp.Quantized
	return res, nil
}

// fillDescriptors writes descriptor slot i for keypoint slot i. Keypoints
// must still be in the working frame.
func (d *CPUDetector) fillDescriptors(res *sift.Result) {
	if d.opts.QuantizeDescriptors {
		res.Quantized = make([]sift.QuantizedDescriptor, len(res.Keypoints))
		for i := range res.Keypoints {
			desc := computeDescriptor(d.space, d.opts, &res.Keypoints[i])
			res.Quantized[i] = desc.Quantize()
		}
		return
	}
	res.Descriptors = make([]sift.Descriptor, len(res.Keypoints))
	for i := range res.Keypoints {
		res.Descriptors[i] = computeDescriptor(d.space, d.opts, &res.Keypoints[i])
	}
}

// Close releases nothing for the CPU detector; it exists to satisfy the
// detector contract.
func (d *CPUDetector) Close() {}
