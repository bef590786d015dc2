package mot

import "math"

// Detection is a single detector output for one frame in pixel coordinates.
type Detection struct {
	X1         float64
	Y1         float64
	X2         float64
	Y2         float64
	Confidence float64
	ClassID    int
}

// NewDetection creates detection with class 0
func NewDetection(x1, y1, x2, y2, confidence float64) Detection {
	return Detection{
		X1:         x1,
		Y1:         y1,
		X2:         x2,
		Y2:         y2,
		Confidence: confidence,
	}
}

// GetBBox returns detection's bounding box
func (d Detection) GetBBox() BBox {
	return BBox{X1: d.X1, Y1: d.Y1, X2: d.X2, Y2: d.Y2}
}

// Valid reports whether the box has positive extent and confidence lies in [0,1]
func (d Detection) Valid() bool {
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return false
	}
	return d.GetBBox().Valid()
}

// FrameInfo carries metadata of the frame detections were produced for.
type FrameInfo struct {
	Width  int
	Height int
	Seq    uint64
}
