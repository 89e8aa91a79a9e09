//go:build !gpu

package detect

import (
	"fmt"

	"github.com/cwbudde/siftgpu/internal/sift"
)

// newOpenCLDetector reports the backend unavailable in non-GPU builds.
func newOpenCLDetector(_ sift.Options) (sift.Detector, func(), error) {
	return nil, noopCleanup, fmt.Errorf("%w: build without GPU tag", sift.ErrUnavailable)
}
