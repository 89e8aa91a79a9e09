//go:build !gpu

package match

import (
	"fmt"

	"github.com/cwbudde/siftgpu/internal/sift"
)

// newOpenCLMatcher reports the backend unavailable in non-GPU builds.
func newOpenCLMatcher() (Matcher, func(), error) {
	return nil, noopCleanup, fmt.Errorf("%w: build without GPU tag", sift.ErrUnavailable)
}
