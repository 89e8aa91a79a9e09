//go:build gpu

package detect

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
	"unsafe"

	"github.com/cwbudde/siftgpu/internal/sift"
	"github.com/cwbudde/siftgpu/internal/sift/gpu"
	"github.com/cwbudde/siftgpu/internal/sift/pyramid"
	"github.com/cwbudde/siftgpu/internal/trace"
)

const (
	blurTile       = 16
	extremaGroup   = 64
	oriGroup       = 256
	kpRecordWords  = 8
	kpHeaderWords  = 4
	indirectWords  = 6
	descFloatWords = 128
	descQuantWords = 32
)

// octavePlanes holds the device buffers of one octave: all Gaussian scales
// in one buffer, all DoG scales in another, planes addressed by float4
// offset.
type octavePlanes struct {
	gauss *gpu.Buffer
	dog   *gpu.Buffer
	pw    int
	ph    int
	lw    int
	lh    int
}

// stagingSlot is one ring entry of host scratch the async readbacks land in.
type stagingSlot struct {
	header  [kpHeaderWords]uint32
	records []float32
	desc    []float32
	descQ   []uint32
}

// openCLDetector runs the full pipeline as OpenCL dispatches. A CPU
// detector shadows it: classified errors (capacity, device loss) propagate,
// anything else degrades the instance to the CPU path with a warning.
type openCLDetector struct {
	opts    sift.Options
	runtime *gpu.Runtime
	program *gpu.Program

	fallback *CPUDetector
	degraded bool

	kernels    *pyramid.KernelCache
	kernelBufs map[pyramid.KernelKey]*gpu.Buffer

	// Pyramid cache, rebuilt only when working dimensions change.
	width, height int
	octaves       []octavePlanes
	inputBuf      *gpu.Buffer
	baseBuf       *gpu.Buffer
	tmpBuf        *gpu.Buffer
	kpBuf         *gpu.Buffer
	indirectBuf   *gpu.Buffer
	descBuf       *gpu.Buffer

	restoreFactor float64
	loaded        bool

	// Copy of the last input so a degrade mid-stream can replay it on the
	// CPU fallback.
	lastPixels []byte
	lastW      int
	lastH      int
	lastStride int
	lastFormat sift.PixelFormat

	ring  *stagingRing
	slots []stagingSlot

	tracer *trace.Writer
}

// newOpenCLDetector initializes the device, builds the pipeline program and
// warms the kernel caches.
func newOpenCLDetector(opts sift.Options) (sift.Detector, func(), error) {
	rt, err := gpu.InitOpenCL(gpu.PreferHighPerformance)
	if err != nil {
		return nil, noopCleanup, fmt.Errorf("%w: %v", sift.ErrUnavailable, err)
	}

	program, err := rt.BuildProgram(kernelProgramSource)
	if err != nil {
		rt.Close()
		return nil, noopCleanup, fmt.Errorf("%w: %v", sift.ErrShaderLoad, err)
	}

	d := &openCLDetector{
		opts:       opts,
		runtime:    rt,
		program:    program,
		fallback:   NewCPUDetector(opts),
		kernels:    pyramid.NewKernelCache(opts.SigmaBase, opts.ScalesPerOctave),
		kernelBufs: make(map[pyramid.KernelKey]*gpu.Buffer),
		ring:       newStagingRing(opts.RingDepth),
		slots:      make([]stagingSlot, opts.RingDepth),
	}

	// Compile every stage up front so a bad kernel fails at init, not
	// mid-frame.
	for _, name := range []string{
		"grayscale_pack", "blur_h_packed", "blur_v_packed", "downsample_packed",
		"dog_packed", "detect_extrema_packed", "prepare_dispatch",
		"orientation", "descriptor",
	} {
		if _, err := program.Kernel(name); err != nil {
			program.Release()
			rt.Close()
			return nil, noopCleanup, fmt.Errorf("%w: %v", sift.ErrShaderLoad, err)
		}
	}

	// Pre-upload the deterministic kernel set.
	if err := d.uploadKernel(opts.SigmaBase); err != nil {
		d.release()
		return nil, noopCleanup, err
	}
	for s := 1; s < opts.ScalesPerOctave+3; s++ {
		if err := d.uploadKernel(pyramid.DeltaSigma(opts.SigmaBase, opts.ScalesPerOctave, s)); err != nil {
			d.release()
			return nil, noopCleanup, err
		}
	}

	slog.Info("OpenCL detector initialised",
		"device", rt.Device.Name,
		"vendor", rt.Device.Vendor,
		"compute_units", rt.Device.MaxComputeUnits,
	)

	return d, d.release, nil
}

// SetTrace attaches a stage-timing trace writer.
func (d *openCLDetector) SetTrace(w *trace.Writer) {
	d.tracer = w
	d.fallback.SetTrace(w)
}

func (d *openCLDetector) record(stage string, start time.Time) {
	if d.tracer == nil {
		return
	}
	if err := d.tracer.Record(stage, time.Since(start)); err != nil {
		slog.Warn("trace write failed", "stage", stage, "reason", err)
	}
}

func (d *openCLDetector) uploadKernel(sigma float64) error {
	radius := pyramid.KernelRadius(sigma)
	if radius > 2*pyramid.MaxRadiusPacked {
		return fmt.Errorf("%w: kernel radius %d exceeds blur halo", sift.ErrBadConfig, radius)
	}
	key := pyramid.MakeKernelKey(sigma, radius)
	if _, ok := d.kernelBufs[key]; ok {
		return nil
	}
	taps := d.kernels.Get(sigma, radius)
	buf, err := d.runtime.NewBufferFrom(unsafe.Pointer(&taps[0]), len(taps)*4)
	if err != nil {
		return d.classify("kernel upload", err)
	}
	d.kernelBufs[key] = buf
	return nil
}

// classify maps OpenCL failures onto the error taxonomy. A nil mapping
// means the error is eligible for CPU degradation.
func (d *openCLDetector) classify(stage string, err error) error {
	switch {
	case gpu.IsAllocFailure(err):
		return fmt.Errorf("%w: stage %s: %v", sift.ErrCapacity, stage, err)
	case gpu.IsDeviceLost(err):
		return fmt.Errorf("%w: stage %s: %v", sift.ErrDeviceLost, stage, err)
	default:
		return fmt.Errorf("stage %s: %w", stage, err)
	}
}

// degradeable reports whether an error should flip the instance to the CPU
// fallback rather than propagate.
func degradeable(err error) bool {
	return !isTaxonomy(err)
}

func isTaxonomy(err error) bool {
	for _, sentinel := range []error{sift.ErrCapacity, sift.ErrDeviceLost, sift.ErrBadConfig, sift.ErrUnavailable, sift.ErrShaderLoad} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// LoadImage uploads the raster and rebuilds the scale space on the device.
func (d *openCLDetector) LoadImage(pixels []byte, w, h, strideBytes int, format sift.PixelFormat) error {
	if d.degraded {
		return d.fallback.LoadImage(pixels, w, h, strideBytes, format)
	}
	if w < 8 || h < 8 {
		return fmt.Errorf("%w: image %dx%d below minimum side 8", sift.ErrBadConfig, w, h)
	}
	if format.BytesPerPixel() == 0 {
		return fmt.Errorf("%w: unsupported pixel format %v", sift.ErrBadConfig, format)
	}

	d.lastPixels = append(d.lastPixels[:0], pixels...)
	d.lastW, d.lastH, d.lastStride, d.lastFormat = w, h, strideBytes, format

	if d.tracer != nil {
		d.tracer.NextFrame()
	}

	err := d.loadImageGPU(pixels, w, h, strideBytes, format)
	if err == nil {
		d.loaded = true
		return nil
	}
	if !degradeable(err) {
		return err
	}
	slog.Warn("OpenCL detector degraded to CPU", "reason", err)
	d.degraded = true
	return d.fallback.LoadImage(pixels, w, h, strideBytes, format)
}

func (d *openCLDetector) loadImageGPU(pixels []byte, w, h, strideBytes int, format sift.PixelFormat) error {
	start := time.Now()

	needDownscale := d.opts.MaxImageDimension > 0 && maxInt(w, h) > d.opts.MaxImageDimension
	if format == sift.FormatRGBA8 && !needDownscale {
		if err := d.ensurePyramid(w, h); err != nil {
			return err
		}
		d.restoreFactor = 1.0
		if err := d.uploadRGBA(pixels, w, h, strideBytes); err != nil {
			return err
		}
	} else {
		// Format conversion and downscale run on the host; the packed
		// grayscale is uploaded directly and the grayscale kernel is
		// skipped for this frame.
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
		if err := d.ensurePyramid(plane.W, plane.H); err != nil {
			return err
		}
		d.restoreFactor = factor
		if err := d.uploadPackedPlane(plane); err != nil {
			return err
		}
	}

	if err := d.buildPyramid(); err != nil {
		return err
	}
	if err := d.runtime.Finish(); err != nil {
		return d.classify("pyramid", err)
	}
	d.record("pyramid", start)
	return nil
}

// ensurePyramid (re)allocates every device buffer tied to the working
// dimensions. Buffers are reused while the dimensions stay unchanged.
func (d *openCLDetector) ensurePyramid(w, h int) error {
	if d.width == w && d.height == h && len(d.octaves) == d.opts.NumOctaves {
		return nil
	}
	d.releasePyramid()

	packed := pyramid.OctavePackedDims(w, h, d.opts.NumOctaves)
	logical := pyramid.OctaveLogicalDims(w, h, d.opts.NumOctaves)
	scales := d.opts.ScalesPerOctave + 3

	pw0, ph0 := packed[0][0], packed[0][1]

	var err error
	alloc := func(size int, stage string) *gpu.Buffer {
		if err != nil {
			return nil
		}
		var buf *gpu.Buffer
		buf, err = d.runtime.NewBuffer(size)
		if err != nil {
			err = d.classify(stage, err)
		}
		return buf
	}

	d.inputBuf = alloc(w*h*4, "alloc input")
	d.baseBuf = alloc(pw0*ph0*16, "alloc base")
	d.tmpBuf = alloc(pw0*ph0*16, "alloc blur scratch")

	d.octaves = make([]octavePlanes, d.opts.NumOctaves)
	for o := 0; o < d.opts.NumOctaves && err == nil; o++ {
		pw, ph := packed[o][0], packed[o][1]
		d.octaves[o] = octavePlanes{
			pw: pw, ph: ph,
			lw: logical[o][0], lh: logical[o][1],
			gauss: alloc(pw*ph*16*scales, "alloc gaussian pyramid"),
			dog:   alloc(pw*ph*16*(scales-1), "alloc dog pyramid"),
		}
	}

	d.kpBuf = alloc((kpHeaderWords+d.opts.MaxKeypoints*kpRecordWords)*4, "alloc keypoint buffer")
	d.indirectBuf = alloc(indirectWords*4, "alloc indirect buffer")
	if d.opts.QuantizeDescriptors {
		d.descBuf = alloc(d.opts.MaxKeypoints*descQuantWords*4, "alloc descriptor buffer")
	} else {
		d.descBuf = alloc(d.opts.MaxKeypoints*descFloatWords*4, "alloc descriptor buffer")
	}

	if err != nil {
		d.releasePyramid()
		return err
	}

	for i := range d.slots {
		d.slots[i].records = make([]float32, d.opts.MaxKeypoints*kpRecordWords)
		if d.opts.QuantizeDescriptors {
			d.slots[i].descQ = make([]uint32, d.opts.MaxKeypoints*descQuantWords)
			d.slots[i].desc = nil
		} else {
			d.slots[i].desc = make([]float32, d.opts.MaxKeypoints*descFloatWords)
			d.slots[i].descQ = nil
		}
	}

	d.width, d.height = w, h
	return nil
}

func (d *openCLDetector) uploadRGBA(pixels []byte, w, h, strideBytes int) error {
	// Repack to a tight stride when the caller's rows carry padding.
	data := pixels
	if strideBytes != w*4 {
		if len(pixels) < (h-1)*strideBytes+w*4 {
			return fmt.Errorf("%w: pixel buffer too small for %dx%d", sift.ErrBadConfig, w, h)
		}
		tight := make([]byte, w*h*4)
		for y := 0; y < h; y++ {
			copy(tight[y*w*4:(y+1)*w*4], pixels[y*strideBytes:])
		}
		data = tight
	} else if len(pixels) < w*h*4 {
		return fmt.Errorf("%w: pixel buffer too small for %dx%d", sift.ErrBadConfig, w, h)
	}

	if err := d.runtime.Write(d.inputBuf, unsafe.Pointer(&data[0]), w*h*4); err != nil {
		return d.classify("input upload", err)
	}

	oct := &d.octaves[0]
	k, err := d.program.Kernel("grayscale_pack")
	if err != nil {
		return d.classify("grayscale", err)
	}
	if err := firstErr(
		k.SetBufferArg(0, d.inputBuf),
		k.SetInt32Arg(1, int32(w)),
		k.SetInt32Arg(2, int32(h)),
		k.SetInt32Arg(3, int32(w*4)),
		k.SetBufferArg(4, d.baseBuf),
		k.SetInt32Arg(5, int32(oct.pw)),
		k.SetInt32Arg(6, int32(oct.ph)),
	); err != nil {
		return d.classify("grayscale", err)
	}
	if err := k.Enqueue2D(roundUp(oct.pw, blurTile), roundUp(oct.ph, blurTile), blurTile, blurTile); err != nil {
		return d.classify("grayscale", err)
	}
	return nil
}

func (d *openCLDetector) uploadPackedPlane(plane *pyramid.Plane) error {
	oct := &d.octaves[0]
	packed := make([]float32, oct.pw*oct.ph*4)
	for py := 0; py < oct.ph; py++ {
		for px := 0; px < oct.pw; px++ {
			base := (py*oct.pw + px) * 4
			for c := 0; c < 4; c++ {
				lx, ly := pyramid.LogicalCoord(px, py, c)
				packed[base+c] = plane.At(lx, ly)
			}
		}
	}
	if err := d.runtime.Write(d.baseBuf, unsafe.Pointer(&packed[0]), len(packed)*4); err != nil {
		return d.classify("base upload", err)
	}
	return nil
}

// blurPlane runs the separable blur from one plane offset to another within
// an octave, bouncing through the shared scratch buffer.
func (d *openCLDetector) blurPlane(oct *octavePlanes, src *gpu.Buffer, srcOffset uint32, dstOffset uint32, sigma float64) error {
	radius := pyramid.KernelRadius(sigma)
	if err := d.uploadKernel(sigma); err != nil {
		return err
	}
	taps := d.kernelBufs[pyramid.MakeKernelKey(sigma, radius)]

	gx := roundUp(oct.pw, blurTile)
	gy := roundUp(oct.ph, blurTile)

	h, err := d.program.Kernel("blur_h_packed")
	if err != nil {
		return d.classify("blur", err)
	}
	if err := firstErr(
		h.SetBufferArg(0, src),
		h.SetUint32Arg(1, srcOffset),
		h.SetBufferArg(2, d.tmpBuf),
		h.SetUint32Arg(3, 0),
		h.SetInt32Arg(4, int32(oct.pw)),
		h.SetInt32Arg(5, int32(oct.ph)),
		h.SetInt32Arg(6, int32(oct.lw)),
		h.SetInt32Arg(7, int32(oct.lh)),
		h.SetBufferArg(8, taps),
		h.SetInt32Arg(9, int32(radius)),
	); err != nil {
		return d.classify("blur", err)
	}
	if err := h.Enqueue2D(gx, gy, blurTile, blurTile); err != nil {
		return d.classify("blur", err)
	}

	v, err := d.program.Kernel("blur_v_packed")
	if err != nil {
		return d.classify("blur", err)
	}
	if err := firstErr(
		v.SetBufferArg(0, d.tmpBuf),
		v.SetUint32Arg(1, 0),
		v.SetBufferArg(2, oct.gauss),
		v.SetUint32Arg(3, dstOffset),
		v.SetInt32Arg(4, int32(oct.pw)),
		v.SetInt32Arg(5, int32(oct.ph)),
		v.SetInt32Arg(6, int32(oct.lw)),
		v.SetInt32Arg(7, int32(oct.lh)),
		v.SetBufferArg(8, taps),
		v.SetInt32Arg(9, int32(radius)),
	); err != nil {
		return d.classify("blur", err)
	}
	if err := v.Enqueue2D(gx, gy, blurTile, blurTile); err != nil {
		return d.classify("blur", err)
	}
	return nil
}

// buildPyramid records the whole scale-space construction: seed, blurs,
// octave transitions, DoG.
func (d *openCLDetector) buildPyramid() error {
	scales := d.opts.ScalesPerOctave + 3

	for o := range d.octaves {
		oct := &d.octaves[o]
		stride := uint32(oct.pw * oct.ph)

		if o == 0 {
			if err := d.blurPlane(oct, d.baseBuf, 0, 0, d.opts.SigmaBase); err != nil {
				return err
			}
		} else {
			prev := &d.octaves[o-1]
			k, err := d.program.Kernel("downsample_packed")
			if err != nil {
				return d.classify("downsample", err)
			}
			if err := firstErr(
				k.SetBufferArg(0, prev.gauss),
				k.SetUint32Arg(1, uint32(prev.pw*prev.ph*d.opts.ScalesPerOctave)),
				k.SetInt32Arg(2, int32(prev.pw)),
				k.SetInt32Arg(3, int32(prev.ph)),
				k.SetBufferArg(4, oct.gauss),
				k.SetUint32Arg(5, 0),
				k.SetInt32Arg(6, int32(oct.pw)),
				k.SetInt32Arg(7, int32(oct.ph)),
			); err != nil {
				return d.classify("downsample", err)
			}
			if err := k.Enqueue2D(roundUp(oct.pw, blurTile), roundUp(oct.ph, blurTile), blurTile, blurTile); err != nil {
				return d.classify("downsample", err)
			}
		}

		for s := 1; s < scales; s++ {
			delta := pyramid.DeltaSigma(d.opts.SigmaBase, d.opts.ScalesPerOctave, s)
			if err := d.blurPlane(oct, oct.gauss, uint32(s-1)*stride, uint32(s)*stride, delta); err != nil {
				return err
			}
		}

		dogK, err := d.program.Kernel("dog_packed")
		if err != nil {
			return d.classify("dog", err)
		}
		for s := 0; s < scales-1; s++ {
			if err := firstErr(
				dogK.SetBufferArg(0, oct.gauss),
				dogK.SetUint32Arg(1, uint32(s+1)*stride),
				dogK.SetUint32Arg(2, uint32(s)*stride),
				dogK.SetBufferArg(3, oct.dog),
				dogK.SetUint32Arg(4, uint32(s)*stride),
				dogK.SetInt32Arg(5, int32(oct.pw)),
				dogK.SetInt32Arg(6, int32(oct.ph)),
			); err != nil {
				return d.classify("dog", err)
			}
			if err := dogK.Enqueue1D(roundUp(oct.pw*oct.ph, extremaGroup), extremaGroup); err != nil {
				return d.classify("dog", err)
			}
		}
	}
	return nil
}

// runExtrema zeroes the append buffer and scans every middle scale of every
// octave.
func (d *openCLDetector) runExtrema() error {
	var zero [kpHeaderWords]uint32
	if err := d.runtime.Write(d.kpBuf, unsafe.Pointer(&zero[0]), kpHeaderWords*4); err != nil {
		return d.classify("extrema", err)
	}

	k, err := d.program.Kernel("detect_extrema_packed")
	if err != nil {
		return d.classify("extrema", err)
	}

	threshold := float32(d.opts.ContrastThreshold / float64(d.opts.ScalesPerOctave))
	for o := range d.octaves {
		oct := &d.octaves[o]
		stride := uint32(oct.pw * oct.ph)
		octScale := float32(int32(1) << uint(o))

		for s := 1; s <= d.opts.ScalesPerOctave; s++ {
			sigma := pyramid.Sigma(d.opts.SigmaBase, d.opts.ScalesPerOctave, s)
			if err := firstErr(
				k.SetBufferArg(0, oct.dog),
				k.SetUint32Arg(1, uint32(s-1)*stride),
				k.SetUint32Arg(2, uint32(s)*stride),
				k.SetUint32Arg(3, uint32(s+1)*stride),
				k.SetInt32Arg(4, int32(oct.pw)),
				k.SetInt32Arg(5, int32(oct.ph)),
				k.SetInt32Arg(6, int32(oct.lw)),
				k.SetInt32Arg(7, int32(oct.lh)),
				k.SetFloat32Arg(8, threshold),
				k.SetFloat32Arg(9, float32(d.opts.EdgeThreshold)),
				k.SetFloat32Arg(10, octScale),
				k.SetFloat32Arg(11, float32(s)),
				k.SetFloat32Arg(12, float32(o)),
				k.SetFloat32Arg(13, float32(sigma)*octScale),
				k.SetBufferArg(14, d.kpBuf),
				k.SetUint32Arg(15, uint32(d.opts.MaxKeypoints)),
			); err != nil {
				return d.classify("extrema", err)
			}
			if err := k.Enqueue1D(roundUp(oct.pw*oct.ph, extremaGroup), extremaGroup); err != nil {
				return d.classify("extrema", err)
			}
		}
	}
	return nil
}

// prepareDispatch runs the one-thread sizing kernel and reads the record
// back; this is the only mid-pipeline readback.
func (d *openCLDetector) prepareDispatch() (DispatchRecord, uint32, bool, error) {
	k, err := d.program.Kernel("prepare_dispatch")
	if err != nil {
		return DispatchRecord{}, 0, false, d.classify("dispatch", err)
	}
	if err := firstErr(
		k.SetBufferArg(0, d.kpBuf),
		k.SetUint32Arg(1, uint32(d.opts.MaxKeypoints)),
		k.SetBufferArg(2, d.indirectBuf),
	); err != nil {
		return DispatchRecord{}, 0, false, d.classify("dispatch", err)
	}
	if err := k.Enqueue1D(1, 1); err != nil {
		return DispatchRecord{}, 0, false, d.classify("dispatch", err)
	}

	var words [indirectWords]uint32
	if err := d.runtime.Read(d.indirectBuf, unsafe.Pointer(&words[0]), indirectWords*4); err != nil {
		return DispatchRecord{}, 0, false, d.classify("dispatch", err)
	}
	var header [kpHeaderWords]uint32
	if err := d.runtime.Read(d.kpBuf, unsafe.Pointer(&header[0]), kpHeaderWords*4); err != nil {
		return DispatchRecord{}, 0, false, d.classify("dispatch", err)
	}

	rec := DispatchRecord{
		OriX: words[0], OriY: words[1], OriZ: words[2],
		DescX: words[3], DescY: words[4], DescZ: words[5],
	}
	count := header[0]
	truncated := count > uint32(d.opts.MaxKeypoints)
	if truncated {
		count = uint32(d.opts.MaxKeypoints)
		slog.Warn("keypoint buffer overflow, result truncated", "cap", d.opts.MaxKeypoints)
	}
	return rec, count, truncated, nil
}

// runOrientation dispatches the orientation stage once per octave; the
// kernel filters keypoints whose octave does not match.
func (d *openCLDetector) runOrientation(rec DispatchRecord) error {
	k, err := d.program.Kernel("orientation")
	if err != nil {
		return d.classify("orientation", err)
	}
	for o := range d.octaves {
		oct := &d.octaves[o]
		if err := firstErr(
			k.SetBufferArg(0, d.kpBuf),
			k.SetUint32Arg(1, uint32(d.opts.MaxKeypoints)),
			k.SetBufferArg(2, oct.gauss),
			k.SetUint32Arg(3, uint32(oct.pw*oct.ph)),
			k.SetInt32Arg(4, int32(oct.pw)),
			k.SetInt32Arg(5, int32(oct.ph)),
			k.SetInt32Arg(6, int32(oct.lw)),
			k.SetInt32Arg(7, int32(oct.lh)),
			k.SetInt32Arg(8, int32(o)),
			k.SetInt32Arg(9, int32(d.opts.ScalesPerOctave)),
			k.SetFloat32Arg(10, float32(d.opts.SigmaBase)),
		); err != nil {
			return d.classify("orientation", err)
		}
		if err := k.Enqueue2D(int(rec.OriX)*oriGroup, int(rec.OriY), oriGroup, 1); err != nil {
			return d.classify("orientation", err)
		}
	}
	return nil
}

// runDescriptor dispatches the descriptor stage once per octave.
func (d *openCLDetector) runDescriptor(rec DispatchRecord) error {
	k, err := d.program.Kernel("descriptor")
	if err != nil {
		return d.classify("descriptor", err)
	}
	quantize := int32(0)
	if d.opts.QuantizeDescriptors {
		quantize = 1
	}
	for o := range d.octaves {
		oct := &d.octaves[o]
		if err := firstErr(
			k.SetBufferArg(0, d.kpBuf),
			k.SetUint32Arg(1, uint32(d.opts.MaxKeypoints)),
			k.SetBufferArg(2, oct.gauss),
			k.SetUint32Arg(3, uint32(oct.pw*oct.ph)),
			k.SetInt32Arg(4, int32(oct.pw)),
			k.SetInt32Arg(5, int32(oct.ph)),
			k.SetInt32Arg(6, int32(oct.lw)),
			k.SetInt32Arg(7, int32(oct.lh)),
			k.SetInt32Arg(8, int32(o)),
			k.SetInt32Arg(9, int32(d.opts.ScalesPerOctave)),
			k.SetFloat32Arg(10, float32(d.opts.SigmaBase)),
			k.SetInt32Arg(11, quantize),
			k.SetBufferArg(12, d.descBuf),
			k.SetBufferArg(13, d.descBuf),
		); err != nil {
			return d.classify("descriptor", err)
		}
		if err := k.Enqueue1D(int(rec.DescX)*descWorkgroupSize, descWorkgroupSize); err != nil {
			return d.classify("descriptor", err)
		}
	}
	return nil
}

// readKeypoints parses count records from the append buffer.
func (d *openCLDetector) readKeypoints(count uint32) ([]sift.Keypoint, error) {
	if count == 0 {
		return nil, nil
	}
	raw := make([]float32, int(count)*kpRecordWords)
	// Records start one header past the buffer base; read the whole prefix
	// and slice the header off host-side.
	full := make([]float32, kpHeaderWords+len(raw))
	if err := d.runtime.Read(d.kpBuf, unsafe.Pointer(&full[0]), len(full)*4); err != nil {
		return nil, d.classify("readback", err)
	}
	copy(raw, full[kpHeaderWords:])
	return parseKeypointRecords(raw, int(count)), nil
}

func parseKeypointRecords(raw []float32, count int) []sift.Keypoint {
	kps := make([]sift.Keypoint, count)
	for i := 0; i < count; i++ {
		rec := raw[i*kpRecordWords:]
		kps[i] = sift.Keypoint{
			X:           rec[0],
			Y:           rec[1],
			Octave:      int32(rec[2]),
			Scale:       int32(rec[3]),
			Sigma:       rec[4],
			Orientation: rec[5],
		}
	}
	return kps
}

func (d *openCLDetector) readDescriptors(count uint32) ([]sift.Descriptor, []sift.QuantizedDescriptor, error) {
	if count == 0 {
		return nil, nil, nil
	}
	if d.opts.QuantizeDescriptors {
		raw := make([]uint32, int(count)*descQuantWords)
		if err := d.runtime.Read(d.descBuf, unsafe.Pointer(&raw[0]), len(raw)*4); err != nil {
			return nil, nil, d.classify("readback", err)
		}
		return nil, unpackQuantized(raw, int(count)), nil
	}
	raw := make([]float32, int(count)*descFloatWords)
	if err := d.runtime.Read(d.descBuf, unsafe.Pointer(&raw[0]), len(raw)*4); err != nil {
		return nil, nil, d.classify("readback", err)
	}
	descs := make([]sift.Descriptor, count)
	for i := range descs {
		copy(descs[i][:], raw[i*descFloatWords:(i+1)*descFloatWords])
	}
	return descs, nil, nil
}

func unpackQuantized(raw []uint32, count int) []sift.QuantizedDescriptor {
	out := make([]sift.QuantizedDescriptor, count)
	for i := 0; i < count; i++ {
		for w := 0; w < descQuantWords; w++ {
			word := raw[i*descQuantWords+w]
			out[i][w*4+0] = uint8(word)
			out[i][w*4+1] = uint8(word >> 8)
			out[i][w*4+2] = uint8(word >> 16)
			out[i][w*4+3] = uint8(word >> 24)
		}
	}
	return out
}

func (d *openCLDetector) detect(withDescriptors bool) (*sift.Result, error) {
	if !d.loaded {
		return nil, fmt.Errorf("%w: no image loaded", sift.ErrBadConfig)
	}

	start := time.Now()
	if err := d.runExtrema(); err != nil {
		return nil, err
	}
	d.record("extrema", start)

	start = time.Now()
	rec, count, truncated, err := d.prepareDispatch()
	if err != nil {
		return nil, err
	}
	d.record("dispatch", start)

	start = time.Now()
	if err := d.runOrientation(rec); err != nil {
		return nil, err
	}
	d.record("orientation", start)

	if withDescriptors {
		start = time.Now()
		if err := d.runDescriptor(rec); err != nil {
			return nil, err
		}
		d.record("descriptor", start)
	}

	start = time.Now()
	if err := d.runtime.Finish(); err != nil {
		return nil, d.classify("readback", err)
	}
	kps, err := d.readKeypoints(count)
	if err != nil {
		return nil, err
	}
	res := &sift.Result{Keypoints: kps, Truncated: truncated}
	if withDescriptors {
		res.Descriptors, res.Quantized, err = d.readDescriptors(count)
		if err != nil {
			return nil, err
		}
	}
	d.record("readback", start)

	restoreScale(res.Keypoints, d.restoreFactor)
	return res, nil
}

// DetectKeypoints runs the pipeline without the descriptor stage.
func (d *openCLDetector) DetectKeypoints() (*sift.Result, error) {
	if d.degraded {
		return d.fallback.DetectKeypoints()
	}
	res, err := d.detect(false)
	if err == nil {
		return res, nil
	}
	if !degradeable(err) {
		return nil, err
	}
	slog.Warn("OpenCL detector degraded to CPU", "reason", err)
	if err := d.degradeWithReplay(); err != nil {
		return nil, err
	}
	return d.fallback.DetectKeypoints()
}

// DetectAndCompute runs the full pipeline.
func (d *openCLDetector) DetectAndCompute() (*sift.Result, error) {
	if d.degraded {
		return d.fallback.DetectAndCompute()
	}
	res, err := d.detect(true)
	if err == nil {
		return res, nil
	}
	if !degradeable(err) {
		return nil, err
	}
	slog.Warn("OpenCL detector degraded to CPU", "reason", err)
	if err := d.degradeWithReplay(); err != nil {
		return nil, err
	}
	return d.fallback.DetectAndCompute()
}

// ComputeDescriptors uploads caller keypoints into the append buffer and
// runs only the descriptor stage against the cached pyramid.
func (d *openCLDetector) ComputeDescriptors(kps []sift.Keypoint) (*sift.Result, error) {
	if d.degraded {
		return d.fallback.ComputeDescriptors(kps)
	}
	res, err := d.computeDescriptorsGPU(kps)
	if err == nil {
		return res, nil
	}
	if !degradeable(err) {
		return nil, err
	}
	slog.Warn("OpenCL detector degraded to CPU", "reason", err)
	if err := d.degradeWithReplay(); err != nil {
		return nil, err
	}
	return d.fallback.ComputeDescriptors(kps)
}

func (d *openCLDetector) computeDescriptorsGPU(kps []sift.Keypoint) (*sift.Result, error) {
	if !d.loaded {
		return nil, fmt.Errorf("%w: no image loaded", sift.ErrBadConfig)
	}
	if len(kps) > d.opts.MaxKeypoints {
		return nil, fmt.Errorf("%w: %d keypoints exceed cap %d", sift.ErrBadConfig, len(kps), d.opts.MaxKeypoints)
	}

	working := float32(d.restoreFactor)
	words := make([]uint32, kpHeaderWords+len(kps)*kpRecordWords)
	words[0] = uint32(len(kps))
	for i, kp := range kps {
		if kp.Octave < 0 || int(kp.Octave) >= d.opts.NumOctaves {
			return nil, fmt.Errorf("%w: keypoint %d octave %d out of range", sift.ErrBadConfig, i, kp.Octave)
		}
		if kp.Scale < 1 || int(kp.Scale) > d.opts.ScalesPerOctave {
			return nil, fmt.Errorf("%w: keypoint %d scale %d out of range", sift.ErrBadConfig, i, kp.Scale)
		}
		rec := words[kpHeaderWords+i*kpRecordWords:]
		rec[0] = math.Float32bits(kp.X * working)
		rec[1] = math.Float32bits(kp.Y * working)
		rec[2] = math.Float32bits(float32(kp.Octave))
		rec[3] = math.Float32bits(float32(kp.Scale))
		rec[4] = math.Float32bits(kp.Sigma * working)
		rec[5] = math.Float32bits(kp.Orientation)
	}
	if err := d.runtime.Write(d.kpBuf, unsafe.Pointer(&words[0]), len(words)*4); err != nil {
		return nil, d.classify("descriptor upload", err)
	}

	rec := DeriveDispatch(uint32(len(kps)))
	if err := d.runDescriptor(rec); err != nil {
		return nil, err
	}
	if err := d.runtime.Finish(); err != nil {
		return nil, d.classify("readback", err)
	}

	res := &sift.Result{Keypoints: append([]sift.Keypoint(nil), kps...)}
	var err error
	res.Descriptors, res.Quantized, err = d.readDescriptors(uint32(len(kps)))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// degradeWithReplay flips to the CPU fallback and replays the last image so
// subsequent calls see the same state.
func (d *openCLDetector) degradeWithReplay() error {
	d.degraded = true
	if len(d.lastPixels) == 0 {
		return nil
	}
	return d.fallback.LoadImage(d.lastPixels, d.lastW, d.lastH, d.lastStride, d.lastFormat)
}

// DetectStream is the pipelined variant: the frame's results are copied
// into the staging ring with non-blocking reads and the call returns the
// oldest completed frame, or nil while the pipeline is still filling. Frame
// results therefore trail their submission by up to ring depth - 1 frames;
// call DrainStream to flush the tail.
func (d *openCLDetector) DetectStream(pixels []byte, w, h, strideBytes int, format sift.PixelFormat) (*sift.Result, error) {
	if d.degraded {
		if err := d.fallback.LoadImage(pixels, w, h, strideBytes, format); err != nil {
			return nil, err
		}
		return d.fallback.DetectAndCompute()
	}

	if err := d.LoadImage(pixels, w, h, strideBytes, format); err != nil {
		return nil, err
	}
	if d.degraded {
		return d.fallback.DetectAndCompute()
	}

	if err := d.runExtrema(); err != nil {
		return nil, err
	}
	rec, count, truncated, err := d.prepareDispatch()
	if err != nil {
		return nil, err
	}
	if err := d.runOrientation(rec); err != nil {
		return nil, err
	}
	if err := d.runDescriptor(rec); err != nil {
		return nil, err
	}

	slot, err := d.ring.acquire()
	if err != nil {
		return nil, err
	}
	st := &d.slots[slot]
	st.header[0] = count
	if truncated {
		st.header[1] = 1
	} else {
		st.header[1] = 0
	}
	if count > 0 {
		full := make([]float32, kpHeaderWords+int(count)*kpRecordWords)
		if err := d.runtime.ReadAsync(d.kpBuf, unsafe.Pointer(&full[0]), len(full)*4); err != nil {
			return nil, d.classify("staging", err)
		}
		// Keep the backing array alive until the consume-side Finish.
		st.records = full
		if d.opts.QuantizeDescriptors {
			if err := d.runtime.ReadAsync(d.descBuf, unsafe.Pointer(&st.descQ[0]), int(count)*descQuantWords*4); err != nil {
				return nil, d.classify("staging", err)
			}
		} else {
			if err := d.runtime.ReadAsync(d.descBuf, unsafe.Pointer(&st.desc[0]), int(count)*descFloatWords*4); err != nil {
				return nil, d.classify("staging", err)
			}
		}
	}

	if !d.ring.full() {
		return nil, nil
	}
	return d.consumeOldest()
}

// DrainStream flushes every in-flight frame in submission order.
func (d *openCLDetector) DrainStream() ([]*sift.Result, error) {
	var out []*sift.Result
	for {
		if _, ok := d.ring.consumable(); !ok {
			return out, nil
		}
		res, err := d.consumeOldest()
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
}

func (d *openCLDetector) consumeOldest() (*sift.Result, error) {
	slot, ok := d.ring.consumable()
	if !ok {
		return nil, nil
	}
	if err := d.runtime.Finish(); err != nil {
		return nil, d.classify("staging", err)
	}
	st := &d.slots[slot]
	count := int(st.header[0])

	res := &sift.Result{Truncated: st.header[1] != 0}
	if count > 0 {
		res.Keypoints = parseKeypointRecords(st.records[kpHeaderWords:], count)
		if d.opts.QuantizeDescriptors {
			res.Quantized = unpackQuantized(st.descQ, count)
		} else {
			res.Descriptors = make([]sift.Descriptor, count)
			for i := range res.Descriptors {
				copy(res.Descriptors[i][:], st.desc[i*descFloatWords:(i+1)*descFloatWords])
			}
		}
	}
	restoreScale(res.Keypoints, d.restoreFactor)

	if err := d.ring.release(slot); err != nil {
		return nil, err
	}
	return res, nil
}

func (d *openCLDetector) releasePyramid() {
	for i := range d.octaves {
		d.octaves[i].gauss.Release()
		d.octaves[i].dog.Release()
	}
	d.octaves = nil
	d.inputBuf.Release()
	d.baseBuf.Release()
	d.tmpBuf.Release()
	d.kpBuf.Release()
	d.indirectBuf.Release()
	d.descBuf.Release()
	d.inputBuf, d.baseBuf, d.tmpBuf, d.kpBuf, d.indirectBuf, d.descBuf = nil, nil, nil, nil, nil, nil
	d.width, d.height = 0, 0
	d.loaded = false
}

func (d *openCLDetector) release() {
	d.releasePyramid()
	for _, buf := range d.kernelBufs {
		buf.Release()
	}
	d.kernelBufs = nil
	if d.program != nil {
		d.program.Release()
		d.program = nil
	}
	if d.runtime != nil {
		d.runtime.Close()
		d.runtime = nil
	}
}

// Close releases all device resources.
func (d *openCLDetector) Close() { d.release() }

func roundUp(v, multiple int) int {
	return (v + multiple - 1) / multiple * multiple
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
