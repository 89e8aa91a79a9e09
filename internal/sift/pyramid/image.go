package pyramid

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/cwbudde/siftgpu/internal/sift"
)

// Plane is a single-channel float32 image in logical-pixel coordinates with
// luminance normalized to [0,1].
type Plane struct {
	W, H int
	Pix  []float32
}

// NewPlane allocates a zeroed plane.
func NewPlane(w, h int) *Plane {
	return &Plane{W: w, H: h, Pix: make([]float32, w*h)}
}

// At returns the sample at (x,y) with edge clamping.
func (p *Plane) At(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= p.W {
		x = p.W - 1
	}
	if y < 0 {
		y = 0
	} else if y >= p.H {
		y = p.H - 1
	}
	return p.Pix[y*p.W+x]
}

// Set writes the sample at (x,y). Out-of-bounds writes are ignored.
func (p *Plane) Set(x, y int, v float32) {
	if x < 0 || y < 0 || x >= p.W || y >= p.H {
		return
	}
	p.Pix[y*p.W+x] = v
}

// Bilinear samples the plane at a fractional position with edge clamping.
func (p *Plane) Bilinear(x, y float32) float32 {
	x0 := int(floorf(x))
	y0 := int(floorf(y))
	fx := x - float32(x0)
	fy := y - float32(y0)

	v00 := p.At(x0, y0)
	v10 := p.At(x0+1, y0)
	v01 := p.At(x0, y0+1)
	v11 := p.At(x0+1, y0+1)

	top := v00 + (v10-v00)*fx
	bot := v01 + (v11-v01)*fx
	return top + (bot-top)*fy
}

func floorf(v float32) float32 {
	i := float32(int(v))
	if v < i {
		return i - 1
	}
	return i
}

// Luma601 converts normalized sRGB components to luminance with the BT.601
// weights used across the pipeline.
func Luma601(r, g, b float32) float32 {
	return 0.299*r + 0.587*g + 0.114*b
}

// PlaneFromPixels converts a raw raster into a luminance plane. The stride is
// in bytes; rows shorter than w*bpp are rejected.
func PlaneFromPixels(pixels []byte, w, h, strideBytes int, format sift.PixelFormat) (*Plane, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("%w: unsupported pixel format %v", sift.ErrBadConfig, format)
	}
	if strideBytes < w*bpp {
		return nil, fmt.Errorf("%w: stride %d below row size %d", sift.ErrBadConfig, strideBytes, w*bpp)
	}
	if len(pixels) < (h-1)*strideBytes+w*bpp {
		return nil, fmt.Errorf("%w: pixel buffer too small for %dx%d", sift.ErrBadConfig, w, h)
	}

	p := NewPlane(w, h)
	const inv255 = 1.0 / 255.0
	for y := 0; y < h; y++ {
		row := pixels[y*strideBytes:]
		for x := 0; x < w; x++ {
			var v float32
			switch format {
			case sift.FormatGray8:
				v = float32(row[x]) * inv255
			case sift.FormatRGB8:
				o := x * 3
				v = Luma601(float32(row[o])*inv255, float32(row[o+1])*inv255, float32(row[o+2])*inv255)
			default: // RGBA8
				o := x * 4
				v = Luma601(float32(row[o])*inv255, float32(row[o+1])*inv255, float32(row[o+2])*inv255)
			}
			p.Pix[y*w+x] = v
		}
	}
	return p, nil
}

// Downscale resamples the plane so that its longer side equals maxDim,
// preserving aspect ratio. Returns the resampled plane and the downscale
// factor applied (new/old, in (0,1]). Inputs already within bounds are
// returned unchanged with factor 1.
func Downscale(p *Plane, maxDim int) (*Plane, float64) {
	longer := p.W
	if p.H > longer {
		longer = p.H
	}
	if maxDim <= 0 || longer <= maxDim {
		return p, 1.0
	}

	factor := float64(maxDim) / float64(longer)
	nw := int(float64(p.W)*factor + 0.5)
	nh := int(float64(p.H)*factor + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	// Route through image.Gray16 so x/image/draw does the filtering; 16-bit
	// keeps quantization below the contrast threshold granularity.
	src := image.NewGray16(image.Rect(0, 0, p.W, p.H))
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			v := p.Pix[y*p.W+x]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			u := uint16(v*65535 + 0.5)
			o := y*src.Stride + x*2
			src.Pix[o] = uint8(u >> 8)
			src.Pix[o+1] = uint8(u)
		}
	}

	dst := image.NewGray16(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := NewPlane(nw, nh)
	const inv65535 = 1.0 / 65535.0
	for y := 0; y < nh; y++ {
		for x := 0; x < nw; x++ {
			o := y*dst.Stride + x*2
			u := uint16(dst.Pix[o])<<8 | uint16(dst.Pix[o+1])
			out.Pix[y*nw+x] = float32(u) * inv65535
		}
	}
	return out, factor
}
