package main

import (
	"image"
	"image/color"
	"math"

	"github.com/cwbudde/siftgpu/internal/sift"
)

var overlayColor = color.NRGBA{R: 0, G: 220, B: 80, A: 255}

// drawKeypoints draws each keypoint as a circle of radius sigma with an
// orientation tick from the center to the rim.
func drawKeypoints(img *image.NRGBA, kps []sift.Keypoint) {
	for _, kp := range kps {
		radius := float64(kp.Sigma)
		if radius < 1 {
			radius = 1
		}
		drawCircleOutline(img, float64(kp.X), float64(kp.Y), radius)
		drawTick(img, float64(kp.X), float64(kp.Y), radius, float64(kp.Orientation))
	}
}

// drawCircleOutline scans the circle's vertical extent row by row and plots
// the two rim pixels of each scanline.
func drawCircleOutline(img *image.NRGBA, cx, cy, r float64) {
	minY := int(cy - r)
	maxY := int(cy+r) + 1
	r2 := r * r

	for y := minY; y < maxY; y++ {
		dy := float64(y) - cy
		rem := r2 - dy*dy
		if rem < 0 {
			continue
		}
		span := math.Sqrt(rem)
		setPixel(img, int(cx-span+0.5), y)
		setPixel(img, int(cx+span+0.5), y)
	}

	// Horizontal sweep fills the gaps near the top and bottom of the rim.
	minX := int(cx - r)
	maxX := int(cx+r) + 1
	for x := minX; x < maxX; x++ {
		dx := float64(x) - cx
		rem := r2 - dx*dx
		if rem < 0 {
			continue
		}
		span := math.Sqrt(rem)
		setPixel(img, x, int(cy-span+0.5))
		setPixel(img, x, int(cy+span+0.5))
	}
}

func drawTick(img *image.NRGBA, cx, cy, r, angle float64) {
	steps := int(r) + 1
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		setPixel(img, int(cx+t*r*math.Cos(angle)+0.5), int(cy+t*r*math.Sin(angle)+0.5))
	}
}

func setPixel(img *image.NRGBA, x, y int) {
	bounds := img.Bounds()
	if x < bounds.Min.X || y < bounds.Min.Y || x >= bounds.Max.X || y >= bounds.Max.Y {
		return
	}
	img.SetNRGBA(x, y, overlayColor)
}
