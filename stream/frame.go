package stream

import (
	"image"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
)

// Frame is a decoded video frame. A frame handed out by Source is an
// independent copy: the caller may modify it freely.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	TraceID   uuid.UUID
	Image     *image.RGBA
}

// NewFrame wraps a private RGBA copy of img
func NewFrame(seq uint64, img image.Image) *Frame {
	return &Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		TraceID:   uuid.New(),
		Image:     ToRGBA(img),
	}
}

// Clone returns a deep copy, pixels included
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	clone := *f
	if f.Image != nil {
		clone.Image = &image.RGBA{
			Pix:    append([]uint8(nil), f.Image.Pix...),
			Stride: f.Image.Stride,
			Rect:   f.Image.Rect,
		}
	}
	return &clone
}

// Bounds returns image bounds, empty rectangle for a frame without image
func (f *Frame) Bounds() image.Rectangle {
	if f == nil || f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}

// ToRGBA always allocates: the result never aliases img's pixels.
func ToRGBA(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	return rgba
}
