package sift

// Detector is the per-image-stream entry point of the library. One detector
// instance serves one stream; concurrent calls on the same instance are not
// supported, use distinct instances instead.
type Detector interface {
	// LoadImage uploads a raster for subsequent detect/compute calls.
	// When MaxImageDimension > 0 and max(w,h) exceeds it the image is
	// downscaled; the restore factor is applied to all returned keypoint
	// coordinates and sigmas.
	LoadImage(pixels []byte, w, h, strideBytes int, format PixelFormat) error

	// DetectKeypoints runs the extremum and orientation stages on the
	// pyramid built by LoadImage and returns keypoints without descriptors.
	DetectKeypoints() (*Result, error)

	// DetectAndCompute runs the full pipeline including descriptors.
	DetectAndCompute() (*Result, error)

	// ComputeDescriptors extracts descriptors for caller-supplied
	// keypoints, reusing the pyramid built by the last LoadImage.
	ComputeDescriptors(kps []Keypoint) (*Result, error)

	// Close releases device resources held by the detector.
	Close()
}
