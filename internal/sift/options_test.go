package sift

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptionsValid(t *testing.T) {
	opts := DefaultOptions()
	assert.NoError(t, opts.Validate())

	assert.Equal(t, 4, opts.NumOctaves)
	assert.Equal(t, 3, opts.ScalesPerOctave)
	assert.InDelta(t, 1.6, opts.SigmaBase, 1e-12)
	assert.InDelta(t, 0.03, opts.ContrastThreshold, 1e-12)
	assert.InDelta(t, 10.0, opts.EdgeThreshold, 1e-12)
	assert.Equal(t, 100000, opts.MaxKeypoints)
	assert.Equal(t, 3000, opts.MaxImageDimension)
	assert.False(t, opts.QuantizeDescriptors)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Options)
	}{
		{"octaves_zero", func(o *Options) { o.NumOctaves = 0 }},
		{"octaves_huge", func(o *Options) { o.NumOctaves = 64 }},
		{"scales_zero", func(o *Options) { o.ScalesPerOctave = 0 }},
		{"sigma_zero", func(o *Options) { o.SigmaBase = 0 }},
		{"sigma_negative", func(o *Options) { o.SigmaBase = -1 }},
		{"contrast_negative", func(o *Options) { o.ContrastThreshold = -0.1 }},
		{"contrast_too_big", func(o *Options) { o.ContrastThreshold = 1.0 }},
		{"edge_below_one", func(o *Options) { o.EdgeThreshold = 0.5 }},
		{"max_keypoints_zero", func(o *Options) { o.MaxKeypoints = 0 }},
		{"max_dim_negative", func(o *Options) { o.MaxImageDimension = -1 }},
		{"ring_too_shallow", func(o *Options) { o.RingDepth = 2 }},
	}
	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mutate(&opts)
			assert.ErrorIs(t, opts.Validate(), ErrBadConfig)
		})
	}
}

func TestPixelFormats(t *testing.T) {
	assert.Equal(t, 4, FormatRGBA8.BytesPerPixel())
	assert.Equal(t, 3, FormatRGB8.BytesPerPixel())
	assert.Equal(t, 1, FormatGray8.BytesPerPixel())
	assert.Equal(t, 0, PixelFormat(42).BytesPerPixel())
	assert.Equal(t, "RGBA8", FormatRGBA8.String())
	assert.Equal(t, "GRAY8", FormatGray8.String())
}
