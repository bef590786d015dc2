package mot

import (
	"image"
	"math"
)

// BBox is an axis-aligned box in frame pixel coordinates (corner form).
type BBox struct {
	X1 float64
	Y1 float64
	X2 float64
	Y2 float64
}

func NewBBox(x1, y1, x2, y2 float64) BBox {
	return BBox{
		X1: x1,
		Y1: y1,
		X2: x2,
		Y2: y2,
	}
}

func BBoxFromRect(rect image.Rectangle) BBox {
	return BBox{
		X1: float64(rect.Min.X),
		Y1: float64(rect.Min.Y),
		X2: float64(rect.Max.X),
		Y2: float64(rect.Max.Y),
	}
}

// BBoxFromCenter builds box from center, width and height (Kalman state form)
func BBoxFromCenter(cx, cy, w, h float64) BBox {
	return BBox{
		X1: cx - w/2.0,
		Y1: cy - h/2.0,
		X2: cx + w/2.0,
		Y2: cy + h/2.0,
	}
}

func (b BBox) Width() float64 {
	return b.X2 - b.X1
}

func (b BBox) Height() float64 {
	return b.Y2 - b.Y1
}

// Area returns box area with both sides floored at 1, so degenerate boxes never yield zero area.
func (b BBox) Area() float64 {
	return math.Max(1, b.Width()) * math.Max(1, b.Height())
}

func (b BBox) Center() Point {
	return Point{
		X: b.X1 + b.Width()/2.0,
		Y: b.Y1 + b.Height()/2.0,
	}
}

// Valid reports whether box is finite and has positive extent on both axes
func (b BBox) Valid() bool {
	for _, v := range [4]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Clip clamps box to [0,width]x[0,height]
func (b BBox) Clip(width, height int) BBox {
	w := float64(width)
	h := float64(height)
	return BBox{
		X1: clampFloat64(b.X1, 0, w),
		Y1: clampFloat64(b.Y1, 0, h),
		X2: clampFloat64(b.X2, 0, w),
		Y2: clampFloat64(b.Y2, 0, h),
	}
}

// Rect converts box to integer image rectangle (truncating like int() does)
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

type Point struct {
	X float64
	Y float64
}
