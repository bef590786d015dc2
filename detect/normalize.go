package detect

import (
	"math"

	"github.com/LdDl/streamtrack/mot"
)

// AnyClass disables class filtering in Filter
const AnyClass = -1

// Filter describes which raw detections survive normalization
type Filter struct {
	// TargetClass keeps only detections of this class, AnyClass keeps all
	TargetClass int
	// MinConfidence drops detections below it
	MinConfidence float64
}

// DefaultFilter keeps persons (class 0) with confidence at least 0.3
func DefaultFilter() Filter {
	return Filter{
		TargetClass:   0,
		MinConfidence: 0.3,
	}
}

// Normalize clamps confidence into [0,1], orders box corners, clips boxes to the frame
// (when width and height are positive) and drops detections which are filtered out or degenerate.
// The input slice is not modified.
func Normalize(detections []mot.Detection, filter Filter, width, height int) []mot.Detection {
	out := make([]mot.Detection, 0, len(detections))
	for _, detection := range detections {
		if filter.TargetClass != AnyClass && detection.ClassID != filter.TargetClass {
			continue
		}
		if !finite(detection) {
			continue
		}
		detection.Confidence = math.Min(1, math.Max(0, detection.Confidence))
		if detection.Confidence < filter.MinConfidence {
			continue
		}
		if detection.X1 > detection.X2 {
			detection.X1, detection.X2 = detection.X2, detection.X1
		}
		if detection.Y1 > detection.Y2 {
			detection.Y1, detection.Y2 = detection.Y2, detection.Y1
		}
		if width > 0 && height > 0 {
			box := detection.GetBBox().Clip(width, height)
			detection.X1, detection.Y1, detection.X2, detection.Y2 = box.X1, box.Y1, box.X2, box.Y2
		}
		if !detection.Valid() {
			continue
		}
		out = append(out, detection)
	}
	return out
}

func finite(detection mot.Detection) bool {
	for _, v := range [5]float64{detection.X1, detection.Y1, detection.X2, detection.Y2, detection.Confidence} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
