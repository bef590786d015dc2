package mot

// iouEps keeps the IoU denominator away from zero.
const iouEps = 1e-5

// IoU calculates Intersection over Union between two boxes.
// Areas are floored at 1 (see BBox.Area), so the result is symmetric,
// ~1 for identical boxes and exactly 0 for boxes which do not overlap.
func IoU(a, b BBox) float64 {
	xA := maxFloat64(a.X1, b.X1)
	yA := maxFloat64(a.Y1, b.Y1)
	xB := minFloat64(a.X2, b.X2)
	yB := minFloat64(a.Y2, b.Y2)

	interArea := maxFloat64(0, xB-xA) * maxFloat64(0, yB-yA)
	if interArea == 0 {
		return 0.0
	}
	return interArea / (a.Area() + b.Area() - interArea + iouEps)
}

func maxFloat64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clampFloat64(v, lo, hi float64) float64 {
	return minFloat64(maxFloat64(v, lo), hi)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
