//go:build gpu

package match

import (
	"fmt"
	"log/slog"
	"math"
	"unsafe"

	"github.com/cwbudde/siftgpu/internal/sift"
	"github.com/cwbudde/siftgpu/internal/sift/gpu"
)

const matchGroup = 64

// openCLMatcher runs the brute-force kernels on a device of its own.
// Descriptor uploads are per-call; buffers are sized to the call and
// released with it.
type openCLMatcher struct {
	runtime  *gpu.Runtime
	program  *gpu.Program
	fallback *CPUMatcher
	degraded bool
}

func newOpenCLMatcher() (Matcher, func(), error) {
	rt, err := gpu.InitOpenCL(gpu.PreferHighPerformance)
	if err != nil {
		return nil, noopCleanup, fmt.Errorf("%w: %v", sift.ErrUnavailable, err)
	}

	program, err := rt.BuildProgram(matchProgramSource)
	if err != nil {
		rt.Close()
		return nil, noopCleanup, fmt.Errorf("%w: %v", sift.ErrShaderLoad, err)
	}

	m := &openCLMatcher{runtime: rt, program: program, fallback: NewCPUMatcher()}

	slog.Info("OpenCL matcher initialised",
		"device", rt.Device.Name,
		"vendor", rt.Device.Vendor,
	)

	cleanup := func() { m.Close() }
	return m, cleanup, nil
}

// Match implements the plain brute-force search on the GPU.
func (m *openCLMatcher) Match(a, b []sift.Descriptor) ([]Candidate, error) {
	if m.degraded {
		return m.fallback.Match(a, b)
	}
	candidates, err := m.matchFloat(a, b)
	if err == nil {
		return candidates, nil
	}
	slog.Warn("OpenCL matcher degraded to CPU", "reason", err)
	m.degraded = true
	return m.fallback.Match(a, b)
}

func (m *openCLMatcher) matchFloat(a, b []sift.Descriptor) ([]Candidate, error) {
	if len(a) == 0 {
		return nil, nil
	}

	qa := flattenFloat(a)
	qb := flattenFloat(b)

	bufA, err := m.runtime.NewBufferFrom(unsafe.Pointer(&qa[0]), len(qa)*4)
	if err != nil {
		return nil, err
	}
	defer bufA.Release()

	var bufB *gpu.Buffer
	if len(qb) > 0 {
		bufB, err = m.runtime.NewBufferFrom(unsafe.Pointer(&qb[0]), len(qb)*4)
	} else {
		bufB, err = m.runtime.NewBuffer(sift.DescriptorSize * 4)
	}
	if err != nil {
		return nil, err
	}
	defer bufB.Release()

	return m.run("match_bruteforce", len(a), len(b), func(k *gpu.Kernel) error {
		return firstErr(
			k.SetBufferArg(0, bufA),
			k.SetUint32Arg(1, uint32(len(a))),
			k.SetBufferArg(2, bufB),
			k.SetUint32Arg(3, uint32(len(b))),
		)
	}, 4)
}

// MatchQuantized implements the byte-descriptor search on the GPU.
func (m *openCLMatcher) MatchQuantized(a, b []sift.QuantizedDescriptor) ([]Candidate, error) {
	if m.degraded {
		return m.fallback.MatchQuantized(a, b)
	}
	candidates, err := m.matchQuantized(a, b)
	if err == nil {
		return candidates, nil
	}
	slog.Warn("OpenCL matcher degraded to CPU", "reason", err)
	m.degraded = true
	return m.fallback.MatchQuantized(a, b)
}

func (m *openCLMatcher) matchQuantized(a, b []sift.QuantizedDescriptor) ([]Candidate, error) {
	if len(a) == 0 {
		return nil, nil
	}

	qa := flattenQuantized(a)
	qb := flattenQuantized(b)

	bufA, err := m.runtime.NewBufferFrom(unsafe.Pointer(&qa[0]), len(qa)*4)
	if err != nil {
		return nil, err
	}
	defer bufA.Release()

	var bufB *gpu.Buffer
	if len(qb) > 0 {
		bufB, err = m.runtime.NewBufferFrom(unsafe.Pointer(&qb[0]), len(qb)*4)
	} else {
		bufB, err = m.runtime.NewBuffer(sift.DescriptorSize)
	}
	if err != nil {
		return nil, err
	}
	defer bufB.Release()

	return m.run("match_quantized", len(a), len(b), func(k *gpu.Kernel) error {
		return firstErr(
			k.SetBufferArg(0, bufA),
			k.SetUint32Arg(1, uint32(len(a))),
			k.SetBufferArg(2, bufB),
			k.SetUint32Arg(3, uint32(len(b))),
		)
	}, 4)
}

// MatchGuided implements the epipolar-guided search on the GPU.
func (m *openCLMatcher) MatchGuided(a []sift.Descriptor, kpA []sift.Keypoint, b []sift.Descriptor, kpB []sift.Keypoint, f Fundamental, epiThreshold float64) ([]Candidate, error) {
	if m.degraded {
		return m.fallback.MatchGuided(a, kpA, b, kpB, f, epiThreshold)
	}
	candidates, err := m.matchGuided(a, kpA, b, kpB, f, epiThreshold)
	if err == nil {
		return candidates, nil
	}
	slog.Warn("OpenCL matcher degraded to CPU", "reason", err)
	m.degraded = true
	return m.fallback.MatchGuided(a, kpA, b, kpB, f, epiThreshold)
}

func (m *openCLMatcher) matchGuided(a []sift.Descriptor, kpA []sift.Keypoint, b []sift.Descriptor, kpB []sift.Keypoint, f Fundamental, epiThreshold float64) ([]Candidate, error) {
	if len(a) != len(kpA) {
		return nil, fmt.Errorf("%w: %d query descriptors but %d keypoints", sift.ErrBadConfig, len(a), len(kpA))
	}
	if len(b) != len(kpB) {
		return nil, fmt.Errorf("%w: %d train descriptors but %d keypoints", sift.ErrBadConfig, len(b), len(kpB))
	}
	if len(a) == 0 {
		return nil, nil
	}

	qa := flattenFloat(a)
	qb := flattenFloat(b)
	pa := flattenPoints(kpA)
	pb := flattenPoints(kpB)

	var fmat [9]float32
	for i, v := range f {
		fmat[i] = float32(v)
	}

	bufA, err := m.runtime.NewBufferFrom(unsafe.Pointer(&qa[0]), len(qa)*4)
	if err != nil {
		return nil, err
	}
	defer bufA.Release()
	bufPA, err := m.runtime.NewBufferFrom(unsafe.Pointer(&pa[0]), len(pa)*4)
	if err != nil {
		return nil, err
	}
	defer bufPA.Release()

	var bufB, bufPB *gpu.Buffer
	if len(qb) > 0 {
		bufB, err = m.runtime.NewBufferFrom(unsafe.Pointer(&qb[0]), len(qb)*4)
		if err != nil {
			return nil, err
		}
		bufPB, err = m.runtime.NewBufferFrom(unsafe.Pointer(&pb[0]), len(pb)*4)
		if err != nil {
			bufB.Release()
			return nil, err
		}
	} else {
		bufB, err = m.runtime.NewBuffer(sift.DescriptorSize * 4)
		if err != nil {
			return nil, err
		}
		bufPB, err = m.runtime.NewBuffer(8)
		if err != nil {
			bufB.Release()
			return nil, err
		}
	}
	defer bufB.Release()
	defer bufPB.Release()

	bufF, err := m.runtime.NewBufferFrom(unsafe.Pointer(&fmat[0]), len(fmat)*4)
	if err != nil {
		return nil, err
	}
	defer bufF.Release()

	return m.run("match_guided", len(a), len(b), func(k *gpu.Kernel) error {
		return firstErr(
			k.SetBufferArg(0, bufA),
			k.SetUint32Arg(1, uint32(len(a))),
			k.SetBufferArg(2, bufPA),
			k.SetBufferArg(3, bufB),
			k.SetUint32Arg(4, uint32(len(b))),
			k.SetBufferArg(5, bufPB),
			k.SetBufferArg(6, bufF),
			k.SetFloat32Arg(7, float32(epiThreshold)),
		)
	}, 8)
}

// run binds the common args, dispatches one thread per query and parses the
// four-word result records.
func (m *openCLMatcher) run(kernelName string, queryCount, trainCount int, bindArgs func(*gpu.Kernel) error, resultArg int) ([]Candidate, error) {
	results, err := m.runtime.NewBuffer(queryCount * 16)
	if err != nil {
		return nil, err
	}
	defer results.Release()

	k, err := m.program.Kernel(kernelName)
	if err != nil {
		return nil, err
	}
	if err := bindArgs(k); err != nil {
		return nil, err
	}
	if err := k.SetBufferArg(resultArg, results); err != nil {
		return nil, err
	}
	if err := k.Enqueue1D(roundUpMatch(queryCount, matchGroup), matchGroup); err != nil {
		return nil, err
	}
	if err := m.runtime.Finish(); err != nil {
		return nil, err
	}

	raw := make([]float32, queryCount*4)
	if err := m.runtime.Read(results, unsafe.Pointer(&raw[0]), len(raw)*4); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, queryCount)
	for i := range candidates {
		candidates[i] = Candidate{
			BestIndex: int32(math.Float32bits(raw[i*4])),
			BestSq:    raw[i*4+1],
			SecondSq:  raw[i*4+2],
		}
	}
	return candidates, nil
}

// Close releases the program and device.
func (m *openCLMatcher) Close() {
	if m.program != nil {
		m.program.Release()
		m.program = nil
	}
	if m.runtime != nil {
		m.runtime.Close()
		m.runtime = nil
	}
}

func flattenFloat(descs []sift.Descriptor) []float32 {
	out := make([]float32, len(descs)*sift.DescriptorSize)
	for i := range descs {
		copy(out[i*sift.DescriptorSize:], descs[i][:])
	}
	return out
}

func flattenQuantized(descs []sift.QuantizedDescriptor) []uint32 {
	words := sift.DescriptorSize / 4
	out := make([]uint32, len(descs)*words)
	for i := range descs {
		for w := 0; w < words; w++ {
			out[i*words+w] = uint32(descs[i][w*4]) |
				uint32(descs[i][w*4+1])<<8 |
				uint32(descs[i][w*4+2])<<16 |
				uint32(descs[i][w*4+3])<<24
		}
	}
	return out
}

func flattenPoints(kps []sift.Keypoint) []float32 {
	out := make([]float32, len(kps)*2)
	for i, kp := range kps {
		out[i*2] = kp.X
		out[i*2+1] = kp.Y
	}
	return out
}

func roundUpMatch(v, multiple int) int {
	return (v + multiple - 1) / multiple * multiple
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
