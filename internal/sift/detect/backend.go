package detect

import (
	"fmt"
	"strings"

	"github.com/cwbudde/siftgpu/internal/sift"
)

// Backend identifies a detector implementation.
type Backend string

const (
	BackendCPU    Backend = "cpu"
	BackendOpenCL Backend = "opencl"
)

var noopCleanup = func() {}

// NormalizeBackend maps arbitrary user input to a canonical backend identifier.
func NormalizeBackend(name string) Backend {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return BackendCPU
	case "gpu", "opencl", "cl":
		return BackendOpenCL
	default:
		return Backend(name)
	}
}

// SupportedBackends returns the list of backends understood by the factory.
func SupportedBackends() []Backend {
	return []Backend{BackendCPU, BackendOpenCL}
}

// NewDetectorForBackend constructs the requested detector and returns an
// optional cleanup hook. The variant is fixed at construction time; there is
// no runtime re-selection.
func NewDetectorForBackend(name string, opts sift.Options) (sift.Detector, func(), error) {
	if err := opts.Validate(); err != nil {
		return nil, noopCleanup, err
	}

	switch NormalizeBackend(name) {
	case BackendCPU:
		return NewCPUDetector(opts), noopCleanup, nil
	case BackendOpenCL:
		return newOpenCLDetector(opts)
	default:
		return nil, noopCleanup, fmt.Errorf("%w: %s", sift.ErrUnknownBackend, name)
	}
}
