package pipeline

import (
	"image"

	"golang.org/x/image/draw"
)

// Resize scales img to width x height with bilinear interpolation.
// Non-positive dimensions or an image of the requested size are returned unchanged.
func Resize(img *image.RGBA, width, height int) *image.RGBA {
	if img == nil || width <= 0 || height <= 0 {
		return img
	}
	bounds := img.Bounds()
	if bounds.Dx() == width && bounds.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}
