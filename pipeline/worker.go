// Package pipeline drives per-camera detection and tracking loops.
//
// A Worker pulls the freshest frame from its source, runs the detector every n-th frame,
// feeds the tracker on every frame and publishes the annotated result into a latest-wins buffer.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/LdDl/streamtrack/detect"
	"github.com/LdDl/streamtrack/eventlog"
	"github.com/LdDl/streamtrack/mot"
	"github.com/LdDl/streamtrack/stream"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FrameSource hands out the latest frame without blocking. Implemented by stream.Source and FeedSource.
type FrameSource interface {
	Read() (*stream.Frame, bool)
}

// Tracker associates detections with persistent identities. Implemented by *mot.Tracker.
type Tracker interface {
	Update(detections []mot.Detection, info mot.FrameInfo) ([]*mot.Track, error)
}

// Annotator renders tracks onto the working frame in place. It must not fail.
type Annotator interface {
	Annotate(img *image.RGBA, tracks []*mot.Track)
}

// WorkerConfig contains per-worker settings
type WorkerConfig struct {
	CameraID string
	// Working resolution. Non-positive values keep source resolution
	Width  int
	Height int
	// DetectEvery runs detector on every n-th frame, other frames reuse the last detections
	DetectEvery int
	// MaxStaleFrames forces a detection once the carried detections are that many frames old. 0 disables
	MaxStaleFrames int
	// Filter is applied to raw detector output
	Filter detect.Filter
	// IdleWait is the pause when no frame is available (default: 100ms)
	IdleWait time.Duration
	// LoopWait is the pause after every processed frame (default: 10ms)
	LoopWait time.Duration
}

// DefaultWorkerConfig returns settings for mode: live origins are processed at 640x360 with detection
// on every 3rd frame, file playback at 960x540 with detection on every 8th frame.
func DefaultWorkerConfig(cameraID string, mode stream.Mode) WorkerConfig {
	cfg := WorkerConfig{
		CameraID:    cameraID,
		Width:       640,
		Height:      360,
		DetectEvery: 3,
		Filter:      detect.DefaultFilter(),
		IdleWait:    100 * time.Millisecond,
		LoopWait:    10 * time.Millisecond,
	}
	if mode == stream.ModeFile {
		cfg.Width = 960
		cfg.Height = 540
		cfg.DetectEvery = 8
	}
	return cfg
}

func (cfg WorkerConfig) withDefaults() WorkerConfig {
	if cfg.DetectEvery <= 0 {
		cfg.DetectEvery = 1
	}
	if cfg.MaxStaleFrames < 0 {
		cfg.MaxStaleFrames = 0
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 100 * time.Millisecond
	}
	if cfg.LoopWait <= 0 {
		cfg.LoopWait = 10 * time.Millisecond
	}
	return cfg
}

// Result is a processed frame as seen by consumers
type Result struct {
	// Frame holds the annotated working image. Source sequence, timestamp and trace ID are preserved
	Frame *stream.Frame
	// FrameCount is the worker's frame counter for this frame (starts at 1)
	FrameCount uint64
	// Detected is true if detector ran on this frame
	Detected bool
	// Detections is the number of detections fed to the tracker (possibly carried over)
	Detections int
	Tracks     []mot.TrackState
}

// WorkerStats is a snapshot of worker counters
type WorkerStats struct {
	CameraID         string
	RunID            uuid.UUID
	FramesProcessed  uint64
	DetectionCycles  uint64
	DetectorFailures uint64
	TrackerFailures  uint64
	LastDetections   int64
	Output           LatestBufferStats
}

// Worker is a single camera pipeline. Run must be called at most once.
type Worker struct {
	cfg         WorkerConfig
	source      FrameSource
	ownedSource interface{ Stop() }
	detector    detect.Detector
	tracker     Tracker
	annotator   Annotator
	events      eventlog.Log
	logger      zerolog.Logger
	output      *LatestBuffer[*Result]
	runID       uuid.UUID

	// Loop state, touched by Run only
	frameCount         uint64
	lastDetectionFrame uint64
	detections         []mot.Detection

	framesProcessed  atomic.Uint64
	detectionCycles  atomic.Uint64
	detectorFailures atomic.Uint64
	trackerFailures  atomic.Uint64
	lastDetections   atomic.Int64
}

// WorkerOption customizes Worker
type WorkerOption func(*Worker)

// WithAnnotator sets frame annotator. Without it frames are published as is
func WithAnnotator(annotator Annotator) WorkerOption {
	return func(w *Worker) {
		w.annotator = annotator
	}
}

// WithEventLog sets event sink. Default is eventlog.Discard
func WithEventLog(events eventlog.Log) WorkerOption {
	return func(w *Worker) {
		if events != nil {
			w.events = events
		}
	}
}

// WithLogger sets structured logger
func WithLogger(logger zerolog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithOwnedSource makes worker stop the source when Run returns
func WithOwnedSource(source interface{ Stop() }) WorkerOption {
	return func(w *Worker) {
		w.ownedSource = source
	}
}

// WithOutput makes worker publish into an existing buffer
func WithOutput(output *LatestBuffer[*Result]) WorkerOption {
	return func(w *Worker) {
		if output != nil {
			w.output = output
		}
	}
}

// NewWorker creates worker. Detector and tracker must not be shared with other workers.
func NewWorker(cfg WorkerConfig, source FrameSource, detector detect.Detector, tracker Tracker, options ...WorkerOption) *Worker {
	if detector == nil {
		detector = detect.Nop
	}
	if tracker == nil {
		tracker = mot.NewDefaultTracker()
	}
	w := &Worker{
		cfg:      cfg.withDefaults(),
		source:   source,
		detector: detector,
		tracker:  tracker,
		events:   eventlog.Discard,
		logger:   zerolog.Nop(),
		output:   NewLatestBuffer[*Result](),
		runID:    uuid.New(),
	}
	for _, option := range options {
		option(w)
	}
	w.logger = w.logger.With().Str("component", "pipeline").Str("camera", w.cfg.CameraID).Str("run", w.runID.String()).Logger()
	return w
}

// Output returns buffer results are published into
func (w *Worker) Output() *LatestBuffer[*Result] {
	return w.output
}

// CameraID returns camera identifier
func (w *Worker) CameraID() string {
	return w.cfg.CameraID
}

// Stats returns counters snapshot. Safe to call while Run is active.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		CameraID:         w.cfg.CameraID,
		RunID:            w.runID,
		FramesProcessed:  w.framesProcessed.Load(),
		DetectionCycles:  w.detectionCycles.Load(),
		DetectorFailures: w.detectorFailures.Load(),
		TrackerFailures:  w.trackerFailures.Load(),
		LastDetections:   w.lastDetections.Load(),
		Output:           w.output.Stats(),
	}
}

// Run processes frames until ctx is cancelled. Cancellation is checked once per iteration,
// so Run returns at most one frame's processing after it.
func (w *Worker) Run(ctx context.Context) {
	w.event(eventlog.CategoryInfo, fmt.Sprintf("Worker started for %s (run %s)", w.cfg.CameraID, w.runID))
	w.logger.Info().
		Int("width", w.cfg.Width).
		Int("height", w.cfg.Height).
		Int("detect_every", w.cfg.DetectEvery).
		Msg("Worker started")
	defer w.shutdown()

	for {
		if ctx.Err() != nil {
			return
		}
		frame, ok := w.source.Read()
		if !ok {
			if !sleepContext(ctx, w.cfg.IdleWait) {
				return
			}
			continue
		}
		w.output.Publish(w.process(ctx, frame))
		if !sleepContext(ctx, w.cfg.LoopWait) {
			return
		}
	}
}

// process runs one frame through detection, tracking and annotation
func (w *Worker) process(ctx context.Context, frame *stream.Frame) *Result {
	img := Resize(frame.Image, w.cfg.Width, w.cfg.Height)
	bounds := img.Bounds()

	w.frameCount++
	detected := w.shouldDetect()
	if detected {
		w.detect(ctx, img)
	}

	info := mot.FrameInfo{Width: bounds.Dx(), Height: bounds.Dy(), Seq: w.frameCount}
	tracks, err := w.tracker.Update(w.detections, info)
	if err != nil {
		w.trackerFailures.Add(1)
		w.logger.Error().Err(err).Uint64("frame", w.frameCount).Msg("Tracker update failed")
		w.event(eventlog.CategoryError, fmt.Sprintf("Tracker update error: %v", err))
		tracks = nil
	}

	if w.annotator != nil {
		w.annotator.Annotate(img, tracks)
	}

	states := make([]mot.TrackState, len(tracks))
	for i, track := range tracks {
		states[i] = track.State()
	}
	w.framesProcessed.Add(1)

	return &Result{
		Frame: &stream.Frame{
			Seq:       frame.Seq,
			Timestamp: frame.Timestamp,
			TraceID:   frame.TraceID,
			Image:     img,
		},
		FrameCount: w.frameCount,
		Detected:   detected,
		Detections: len(w.detections),
		Tracks:     states,
	}
}

func (w *Worker) shouldDetect() bool {
	if w.frameCount%uint64(w.cfg.DetectEvery) == 0 {
		return true
	}
	return w.cfg.MaxStaleFrames > 0 && w.frameCount-w.lastDetectionFrame >= uint64(w.cfg.MaxStaleFrames)
}

// detect replaces carried detections. A failed detector leaves an empty set.
func (w *Worker) detect(ctx context.Context, img *image.RGBA) {
	bounds := img.Bounds()
	raw, err := w.detector.Detect(ctx, img)
	if err != nil {
		raw = nil
		w.detectorFailures.Add(1)
		if ctx.Err() == nil {
			w.logger.Warn().Err(err).Uint64("frame", w.frameCount).Msg("Detector failed")
			w.event(eventlog.CategoryError, fmt.Sprintf("Detect error: %v", err))
		}
	}
	w.detections = detect.Normalize(raw, w.cfg.Filter, bounds.Dx(), bounds.Dy())
	w.lastDetectionFrame = w.frameCount
	w.detectionCycles.Add(1)
	w.lastDetections.Store(int64(len(w.detections)))
	w.event(eventlog.CategoryDetection, fmt.Sprintf("Frame %d - %d objects", w.frameCount, len(w.detections)))
}

func (w *Worker) shutdown() {
	if w.ownedSource != nil {
		w.ownedSource.Stop()
	}
	w.event(eventlog.CategoryInfo, fmt.Sprintf("Worker stopped for %s (run %s)", w.cfg.CameraID, w.runID))
	w.logger.Info().
		Uint64("frames", w.framesProcessed.Load()).
		Uint64("detection_cycles", w.detectionCycles.Load()).
		Msg("Worker stopped")
}

// event appends to event log; failures are only logged
func (w *Worker) event(category eventlog.Category, message string) {
	entry := eventlog.NewEntry(category, w.cfg.CameraID, message)
	if err := w.events.Append(entry); err != nil {
		w.logger.Warn().Err(err).Str("event", string(category)).Msg("Can't append event")
	}
}

// sleepContext waits d and returns false if ctx was cancelled first
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
