package mot

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidDetection is returned by Update when a detection carries non-finite coordinates or confidence out of [0,1]
var ErrInvalidDetection = errors.New("invalid detection")

// Tracker is IoU-based Multi-object tracker (MOT) with persistent integer identities.
// It is not safe for concurrent use: every pipeline owns its own instance.
type Tracker struct {
	// Minimum IoU for a detection to be matched to a track
	iouThreshold float64
	// Track is dropped once it has been missed this many consecutive updates
	maxLost int
	// History capacity for new tracks
	historyLen int
	// Compare detections against Kalman predicted boxes instead of last matched boxes
	predictedMatching bool
	// Assignment strategy
	matcher Matcher
	// Next identifier to assign
	nextID int64
	// Metadata of the frame of the last update
	lastFrame FrameInfo
	// Live tracks
	tracks []*Track
}

// TrackerOption customizes Tracker
type TrackerOption func(*Tracker)

// WithHistoryLen sets number of recent boxes kept per track
func WithHistoryLen(historyLen int) TrackerOption {
	return func(tracker *Tracker) {
		if historyLen >= 0 {
			tracker.historyLen = historyLen
		}
	}
}

// WithPredictedMatching makes association use Kalman predicted boxes of tracks
func WithPredictedMatching(enabled bool) TrackerOption {
	return func(tracker *Tracker) {
		tracker.predictedMatching = enabled
	}
}

// WithMatcher overrides the assignment strategy picked by algorithm
func WithMatcher(matcher Matcher) TrackerOption {
	return func(tracker *Tracker) {
		if matcher != nil {
			tracker.matcher = matcher
		}
	}
}

// NewDefaultTracker creates a default instance of Tracker.
// Default values: iouThreshold=0.3, maxLost=10, Hungarian matching, history of 30 boxes
func NewDefaultTracker() *Tracker {
	return NewTracker(0.3, 10, MatchingAlgorithmHungarian)
}

// NewTracker creates a new instance of Tracker with specified parameters.
func NewTracker(iouThreshold float64, maxLost int, algorithm MatchingAlgorithm, options ...TrackerOption) *Tracker {
	tracker := &Tracker{
		iouThreshold: iouThreshold,
		maxLost:      maxLost,
		historyLen:   DefaultHistoryLen,
		matcher:      NewMatcher(algorithm),
		tracks:       make([]*Track, 0),
	}
	for _, option := range options {
		option(tracker)
	}
	return tracker
}

// Update associates detections of the current frame with live tracks and returns the new live set.
//
// Matched tracks take the detection box, unmatched detections start new tracks,
// unmatched tracks accumulate misses and are dropped once misses reach maxLost.
// Returned slice is a copy: callers may keep it, but tracks themselves keep changing on later updates.
// The only error is ErrInvalidDetection, returned before any state changes.
func (tracker *Tracker) Update(detections []Detection, info FrameInfo) ([]*Track, error) {
	for i := range detections {
		if !finiteDetection(detections[i]) {
			return nil, errors.Wrapf(ErrInvalidDetection, "detection %d: %+v", i, detections[i])
		}
	}
	// Advance time for all existing tracks
	for _, track := range tracker.tracks {
		track.predict()
	}

	matches := tracker.associate(detections)

	matchedDetections := make([]bool, len(detections))
	matchedTracks := make([]bool, len(tracker.tracks))
	updated := make([]*Track, 0, len(detections)+len(tracker.tracks))

	for _, match := range matches {
		track := tracker.tracks[match.Track]
		track.update(detections[match.Detection])
		matchedDetections[match.Detection] = true
		matchedTracks[match.Track] = true
		updated = append(updated, track)
	}

	// Register unmatched detections as new objects
	for i, detection := range detections {
		if matchedDetections[i] {
			continue
		}
		updated = append(updated, newTrack(tracker.nextID, detection, tracker.historyLen))
		tracker.nextID++
	}

	// Handle unmatched objects: remove those not found for a long time
	for i, track := range tracker.tracks {
		if matchedTracks[i] {
			continue
		}
		track.markMissed()
		if track.GetMisses() < tracker.maxLost {
			updated = append(updated, track)
		}
	}

	tracker.tracks = updated
	tracker.lastFrame = info
	return tracker.Tracks(), nil
}

// associate builds IoU matrix (rows = detections, columns = tracks) and runs the matcher
func (tracker *Tracker) associate(detections []Detection) []Match {
	if len(detections) == 0 || len(tracker.tracks) == 0 {
		return []Match{}
	}
	iouMatrix := mat.NewDense(len(detections), len(tracker.tracks), nil)
	for d, detection := range detections {
		detectionBBox := detection.GetBBox()
		for t, track := range tracker.tracks {
			trackBBox := track.GetBBox()
			if tracker.predictedMatching {
				trackBBox = track.GetPredictedBBox()
			}
			iouMatrix.Set(d, t, IoU(detectionBBox, trackBBox))
		}
	}
	return tracker.matcher.Match(iouMatrix, tracker.iouThreshold)
}

// Tracks returns copy of the live track set
func (tracker *Tracker) Tracks() []*Track {
	tracks := make([]*Track, len(tracker.tracks))
	copy(tracks, tracker.tracks)
	return tracks
}

// Len returns number of live tracks
func (tracker *Tracker) Len() int {
	return len(tracker.tracks)
}

// NextID returns identifier the next new track will get
func (tracker *Tracker) NextID() int64 {
	return tracker.nextID
}

// LastFrame returns metadata passed to the last successful Update
func (tracker *Tracker) LastFrame() FrameInfo {
	return tracker.lastFrame
}

func finiteDetection(detection Detection) bool {
	if math.IsNaN(detection.Confidence) || detection.Confidence < 0 || detection.Confidence > 1 {
		return false
	}
	for _, v := range [4]float64{detection.X1, detection.Y1, detection.X2, detection.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
