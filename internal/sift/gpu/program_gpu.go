//go:build gpu

package gpu

/*
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#include <CL/cl.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"log/slog"
	"unsafe"
)

// Program wraps a built OpenCL program and caches its compiled kernels by
// name. Kernel lookup is idempotent; repeated requests return the same
// handle.
type Program struct {
	rt      *Runtime
	program C.cl_program
	kernels map[string]C.cl_kernel
}

// BuildProgram compiles the given OpenCL C source against the runtime's
// device. The build log is dumped through slog on failure.
func (r *Runtime) BuildProgram(source string) (*Program, error) {
	cSource := C.CString(source)
	defer C.free(unsafe.Pointer(cSource))

	var status C.cl_int
	program := C.clCreateProgramWithSource(r.context, 1, &cSource, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateProgramWithSource", status)
	}

	status = C.clBuildProgram(program, 1, &r.deviceID, nil, nil, nil)
	if status != C.CL_SUCCESS {
		dumpBuildLog(program, r.deviceID)
		C.clReleaseProgram(program)
		return nil, statusError("clBuildProgram", status)
	}

	return &Program{rt: r, program: program, kernels: make(map[string]C.cl_kernel)}, nil
}

func dumpBuildLog(program C.cl_program, device C.cl_device_id) {
	var logSize C.size_t
	if status := C.clGetProgramBuildInfo(program, device, C.CL_PROGRAM_BUILD_LOG, 0, nil, &logSize); status != C.CL_SUCCESS {
		slog.Error("OpenCL: failed to fetch build log size", "status", int(status))
		return
	}
	if logSize == 0 {
		return
	}

	buf := make([]byte, int(logSize))
	if status := C.clGetProgramBuildInfo(program, device, C.CL_PROGRAM_BUILD_LOG, logSize, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		slog.Error("OpenCL: failed to fetch build log", "status", int(status))
		return
	}

	slog.Error("OpenCL build log", "log", string(buf))
}

// Kernel returns the compiled kernel with the given name, creating and
// caching it on first request.
func (p *Program) Kernel(name string) (*Kernel, error) {
	if k, ok := p.kernels[name]; ok {
		return &Kernel{rt: p.rt, kernel: k, name: name}, nil
	}

	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var status C.cl_int
	k := C.clCreateKernel(p.program, cName, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError(fmt.Sprintf("clCreateKernel(%s)", name), status)
	}
	p.kernels[name] = k
	return &Kernel{rt: p.rt, kernel: k, name: name}, nil
}

// Release frees the program and every cached kernel.
func (p *Program) Release() {
	if p == nil {
		return
	}
	for _, k := range p.kernels {
		C.clReleaseKernel(k)
	}
	p.kernels = nil
	if p.program != nil {
		C.clReleaseProgram(p.program)
		p.program = nil
	}
}

// Kernel is a handle on one compiled kernel plus the queue to enqueue it on.
type Kernel struct {
	rt     *Runtime
	kernel C.cl_kernel
	name   string
}

// SetBufferArg binds a buffer to the argument slot.
func (k *Kernel) SetBufferArg(index int, buf *Buffer) error {
	status := C.clSetKernelArg(k.kernel, C.cl_uint(index), C.size_t(unsafe.Sizeof(buf.mem)), unsafe.Pointer(&buf.mem))
	if status != C.CL_SUCCESS {
		return statusError(fmt.Sprintf("clSetKernelArg(%s, %d)", k.name, index), status)
	}
	return nil
}

// SetInt32Arg binds a 32-bit signed scalar to the argument slot.
func (k *Kernel) SetInt32Arg(index int, v int32) error {
	cv := C.cl_int(v)
	status := C.clSetKernelArg(k.kernel, C.cl_uint(index), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	if status != C.CL_SUCCESS {
		return statusError(fmt.Sprintf("clSetKernelArg(%s, %d)", k.name, index), status)
	}
	return nil
}

// SetUint32Arg binds a 32-bit unsigned scalar to the argument slot.
func (k *Kernel) SetUint32Arg(index int, v uint32) error {
	cv := C.cl_uint(v)
	status := C.clSetKernelArg(k.kernel, C.cl_uint(index), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	if status != C.CL_SUCCESS {
		return statusError(fmt.Sprintf("clSetKernelArg(%s, %d)", k.name, index), status)
	}
	return nil
}

// SetFloat32Arg binds a 32-bit float scalar to the argument slot.
func (k *Kernel) SetFloat32Arg(index int, v float32) error {
	cv := C.cl_float(v)
	status := C.clSetKernelArg(k.kernel, C.cl_uint(index), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	if status != C.CL_SUCCESS {
		return statusError(fmt.Sprintf("clSetKernelArg(%s, %d)", k.name, index), status)
	}
	return nil
}

// Enqueue1D submits the kernel over a 1-D global range. A zero local size
// leaves the split to the driver.
func (k *Kernel) Enqueue1D(global, local int) error {
	g := C.size_t(global)
	var lptr *C.size_t
	if local > 0 {
		l := C.size_t(local)
		lptr = &l
	}
	status := C.clEnqueueNDRangeKernel(k.rt.queue, k.kernel, 1, nil, &g, lptr, 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError(fmt.Sprintf("clEnqueueNDRangeKernel(%s)", k.name), status)
	}
	return nil
}

// Enqueue2D submits the kernel over a 2-D global range with an optional
// local size.
func (k *Kernel) Enqueue2D(globalX, globalY, localX, localY int) error {
	g := [2]C.size_t{C.size_t(globalX), C.size_t(globalY)}
	var lptr *C.size_t
	var l [2]C.size_t
	if localX > 0 && localY > 0 {
		l = [2]C.size_t{C.size_t(localX), C.size_t(localY)}
		lptr = &l[0]
	}
	status := C.clEnqueueNDRangeKernel(k.rt.queue, k.kernel, 2, nil, &g[0], lptr, 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError(fmt.Sprintf("clEnqueueNDRangeKernel(%s)", k.name), status)
	}
	return nil
}

// Buffer wraps one device allocation.
type Buffer struct {
	mem  C.cl_mem
	size int
}

// Size returns the allocation size in bytes.
func (b *Buffer) Size() int { return b.size }

// NewBuffer allocates a read-write device buffer.
func (r *Runtime) NewBuffer(size int) (*Buffer, error) {
	var status C.cl_int
	mem := C.clCreateBuffer(r.context, C.CL_MEM_READ_WRITE, C.size_t(size), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateBuffer", status)
	}
	return &Buffer{mem: mem, size: size}, nil
}

// NewBufferFrom allocates a read-only device buffer initialized from host
// memory.
func (r *Runtime) NewBufferFrom(data unsafe.Pointer, size int) (*Buffer, error) {
	var status C.cl_int
	mem := C.clCreateBuffer(r.context, C.CL_MEM_READ_ONLY|C.CL_MEM_COPY_HOST_PTR, C.size_t(size), data, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateBuffer(host)", status)
	}
	return &Buffer{mem: mem, size: size}, nil
}

// Write copies host memory into the buffer, blocking until the copy lands.
func (r *Runtime) Write(b *Buffer, data unsafe.Pointer, size int) error {
	status := C.clEnqueueWriteBuffer(r.queue, b.mem, C.CL_TRUE, 0, C.size_t(size), data, 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueWriteBuffer", status)
	}
	return nil
}

// Read copies the buffer into host memory, blocking until complete.
func (r *Runtime) Read(b *Buffer, data unsafe.Pointer, size int) error {
	status := C.clEnqueueReadBuffer(r.queue, b.mem, C.CL_TRUE, 0, C.size_t(size), data, 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueReadBuffer", status)
	}
	return nil
}

// ReadAsync requests a non-blocking copy of the buffer into host memory.
// The copy is only complete after the next Finish on the queue.
func (r *Runtime) ReadAsync(b *Buffer, data unsafe.Pointer, size int) error {
	status := C.clEnqueueReadBuffer(r.queue, b.mem, C.CL_FALSE, 0, C.size_t(size), data, 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueReadBuffer(async)", status)
	}
	return nil
}

// CopyBuffer copies size bytes from src to dst on the device.
func (r *Runtime) CopyBuffer(dst, src *Buffer, size int) error {
	status := C.clEnqueueCopyBuffer(r.queue, src.mem, dst.mem, 0, 0, C.size_t(size), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueCopyBuffer", status)
	}
	return nil
}

// Release frees the device allocation.
func (b *Buffer) Release() {
	if b == nil || b.mem == nil {
		return
	}
	C.clReleaseMemObject(b.mem)
	b.mem = nil
}
