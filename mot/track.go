package mot

import (
	kalman_filter "github.com/LdDl/kalman-filter"
)

const (
	// DefaultHistoryLen is the number of recent boxes kept per track
	DefaultHistoryLen = 30
)

// Track is a persistent identity of a physical object across frames.
// Only Tracker mutates it; everyone else goes through the getters.
//
// Every track carries an 8-D Kalman filter over [cx, cy, w, h, vx, vy, vw, vh]
// fed with matched boxes. The filter only provides GetPredictedBBox and GetVelocity:
// GetBBox is always the box of the last matched detection.
type Track struct {
	id            int64
	bbox          BBox
	predictedBBox BBox
	confidence    float64
	hits          int
	misses        int
	history       []BBox
	maxHistoryLen int
	kf            bboxFilter
	filterResets  int
}

// bboxFilter is the part of kalman_filter.KalmanBBox used by tracks
type bboxFilter interface {
	Predict()
	Update(cx, cy, w, h float64) error
	GetState() (float64, float64, float64, float64)
	GetVelocity() (float64, float64, float64, float64)
}

func newTrack(id int64, detection Detection, maxHistoryLen int) *Track {
	bbox := detection.GetBBox()
	return &Track{
		id:            id,
		bbox:          bbox,
		predictedBBox: bbox,
		confidence:    detection.Confidence,
		hits:          1,
		misses:        0,
		history:       make([]BBox, 0, maxHistoryLen),
		maxHistoryLen: maxHistoryLen,
		kf:            newBBoxFilter(bbox),
	}
}

// newBBoxFilter creates Kalman filter with its state set to bbox
func newBBoxFilter(bbox BBox) bboxFilter {
	center := bbox.Center()

	// Kalman filter props
	dt := 1.0
	uCx := 1.0
	uCy := 1.0
	uW := 0.0
	uH := 0.0
	stdDevA := 2.0
	stdDevMCx := 0.1
	stdDevMCy := 0.1
	stdDevMW := 0.1
	stdDevMH := 0.1
	return kalman_filter.NewKalmanBBox(
		dt, uCx, uCy, uW, uH,
		stdDevA, stdDevMCx, stdDevMCy, stdDevMW, stdDevMH,
		kalman_filter.WithStateBBox(center.X, center.Y, bbox.Width(), bbox.Height()),
	)
}

// GetID returns track's identifier. Identifiers are never reused by the same tracker.
func (track *Track) GetID() int64 {
	return track.id
}

// GetBBox returns box of the last matched detection
func (track *Track) GetBBox() BBox {
	return track.bbox
}

// GetPredictedBBox returns box predicted by Kalman filter for the current frame
func (track *Track) GetPredictedBBox() BBox {
	return track.predictedBBox
}

// GetConfidence returns confidence of the last matched detection
func (track *Track) GetConfidence() float64 {
	return track.confidence
}

// GetHits returns number of successful matches (creation counts as the first one)
func (track *Track) GetHits() int {
	return track.hits
}

// GetMisses returns number of consecutive updates without a matching detection
func (track *Track) GetMisses() int {
	return track.misses
}

// GetHistory returns copy of recent boxes, oldest first
func (track *Track) GetHistory() []BBox {
	history := make([]BBox, len(track.history))
	copy(history, track.history)
	return history
}

// GetFilterResets returns how many times Kalman filter was started over after a failed correction
func (track *Track) GetFilterResets() int {
	return track.filterResets
}

// GetMaxHistoryLen returns history capacity
func (track *Track) GetMaxHistoryLen() int {
	return track.maxHistoryLen
}

// GetVelocity returns current velocity estimates (vx, vy, vw, vh) from Kalman filter
func (track *Track) GetVelocity() (float64, float64, float64, float64) {
	return track.kf.GetVelocity()
}

// predict executes Kalman filter prediction step
func (track *Track) predict() {
	track.kf.Predict()
	cx, cy, w, h := track.kf.GetState()
	track.predictedBBox = BBoxFromCenter(cx, cy, w, h)
}

// update applies matched detection. It never fails: when Kalman correction is rejected
// (e.g. singular innovation covariance) the filter is started over from the detection box.
func (track *Track) update(detection Detection) {
	bbox := detection.GetBBox()
	center := bbox.Center()
	err := track.kf.Update(center.X, center.Y, bbox.Width(), bbox.Height())
	if err != nil {
		track.kf = newBBoxFilter(bbox)
		track.predictedBBox = bbox
		track.filterResets++
	}

	track.bbox = bbox
	track.confidence = detection.Confidence
	track.hits++
	track.misses = 0

	track.history = append(track.history, bbox)
	if len(track.history) > track.maxHistoryLen {
		track.history = track.history[1:]
	}
}

// markMissed increases track's consecutive misses
func (track *Track) markMissed() {
	track.misses++
}

// TrackState is a point-in-time copy of track attributes which is safe to hand to other goroutines
type TrackState struct {
	ID         int64
	BBox       BBox
	Confidence float64
	Hits       int
	Misses     int
}

// State returns snapshot of the track
func (track *Track) State() TrackState {
	return TrackState{
		ID:         track.id,
		BBox:       track.bbox,
		Confidence: track.confidence,
		Hits:       track.hits,
		Misses:     track.misses,
	}
}
