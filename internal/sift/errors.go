package sift

import "errors"

var (
	// ErrUnavailable indicates no suitable compute device or adapter was
	// found. Nothing retries at this layer.
	ErrUnavailable = errors.New("no suitable compute device available")

	// ErrBadConfig indicates options out of range, an image that is too
	// small, or an unsupported pixel format.
	ErrBadConfig = errors.New("invalid configuration")

	// ErrCapacity indicates an allocation failure for pyramid or staging
	// memory. Keypoint-buffer overflow is NOT reported through this error;
	// it truncates and sets Result.Truncated.
	ErrCapacity = errors.New("allocation capacity exceeded")

	// ErrShaderLoad indicates a missing or uncompilable shader source.
	// Fatal at initialization.
	ErrShaderLoad = errors.New("shader load failure")

	// ErrDeviceLost indicates a GPU reset mid-operation. The detector must
	// be reconstructed.
	ErrDeviceLost = errors.New("compute device lost")

	// ErrUnknownBackend is returned when a backend name does not match a
	// known implementation.
	ErrUnknownBackend = errors.New("unknown detector backend")
)
