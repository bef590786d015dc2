package pipeline

import (
	"context"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LdDl/streamtrack/detect"
	"github.com/LdDl/streamtrack/eventlog"
	"github.com/LdDl/streamtrack/mot"
	"github.com/LdDl/streamtrack/stream"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSource behaves like a connected stream.Source: the same latest frame over and over
type staticSource struct {
	frame   *stream.Frame
	stopped atomic.Bool
}

func newStaticSource(width, height int) *staticSource {
	return &staticSource{
		frame: stream.NewFrame(1, image.NewRGBA(image.Rect(0, 0, width, height))),
	}
}

func (s *staticSource) Read() (*stream.Frame, bool) {
	if s.frame == nil {
		return nil, false
	}
	return s.frame.Clone(), true
}

func (s *staticSource) Stop() {
	s.stopped.Store(true)
}

// countingDetector returns the same detections on every call and records frame sizes
type countingDetector struct {
	mu         sync.Mutex
	calls      int
	sizes      []image.Rectangle
	detections []mot.Detection
	err        error
}

func (d *countingDetector) Detect(ctx context.Context, img image.Image) ([]mot.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.sizes = append(d.sizes, img.Bounds())
	if d.err != nil {
		return nil, d.err
	}
	return append([]mot.Detection(nil), d.detections...), nil
}

func (d *countingDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordingAnnotator struct {
	calls  atomic.Int32
	tracks atomic.Int32
}

func (a *recordingAnnotator) Annotate(img *image.RGBA, tracks []*mot.Track) {
	a.calls.Add(1)
	a.tracks.Store(int32(len(tracks)))
}

func testConfig() WorkerConfig {
	return WorkerConfig{
		CameraID:    "gate",
		Width:       64,
		Height:      32,
		DetectEvery: 3,
		Filter:      detect.DefaultFilter(),
		IdleWait:    time.Millisecond,
		LoopWait:    time.Millisecond,
	}
}

func TestDefaultWorkerConfig(t *testing.T) {
	live := DefaultWorkerConfig("cam1", stream.ModeLive)
	assert.Equal(t, 640, live.Width)
	assert.Equal(t, 360, live.Height)
	assert.Equal(t, 3, live.DetectEvery)
	assert.Equal(t, 100*time.Millisecond, live.IdleWait)
	assert.Equal(t, 10*time.Millisecond, live.LoopWait)

	file := DefaultWorkerConfig("upload", stream.ModeFile)
	assert.Equal(t, 960, file.Width)
	assert.Equal(t, 540, file.Height)
	assert.Equal(t, 8, file.DetectEvery)
}

func TestWorkerDetectionCadence(t *testing.T) {
	detector := &countingDetector{detections: []mot.Detection{mot.NewDetection(10, 5, 30, 25, 0.9)}}
	events := eventlog.NewMemory(100)
	worker := NewWorker(testConfig(), newStaticSource(128, 64), detector, mot.NewDefaultTracker(), WithEventLog(events))

	source := newStaticSource(128, 64)
	var results []*Result
	for i := 0; i < 9; i++ {
		frame, _ := source.Read()
		results = append(results, worker.process(context.Background(), frame))
	}

	assert.Equal(t, 3, detector.Calls())
	for i, result := range results {
		frameCount := uint64(i + 1)
		assert.Equal(t, frameCount, result.FrameCount)
		assert.Equal(t, frameCount%3 == 0, result.Detected, "frame %d", frameCount)
		assert.Equal(t, image.Rect(0, 0, 64, 32), result.Frame.Bounds())
	}
	for _, size := range detector.sizes {
		assert.Equal(t, image.Rect(0, 0, 64, 32), size, "detector sees the working frame")
	}

	// No detections before the first cycle
	assert.Empty(t, results[0].Tracks)
	assert.Empty(t, results[1].Tracks)
	// Carried detections keep the same track alive between cycles
	require.Len(t, results[2].Tracks, 1)
	require.Len(t, results[8].Tracks, 1)
	assert.Equal(t, results[2].Tracks[0].ID, results[8].Tracks[0].ID)
	assert.Equal(t, 7, results[8].Tracks[0].Hits)
	assert.Equal(t, 1, results[4].Detections, "skipped frame reuses the last detections")

	assert.Equal(t, 3, events.Count(eventlog.CategoryDetection))
	entries := events.Entries()
	assert.Equal(t, "Frame 3 - 1 objects", entries[0].Message)
	assert.Equal(t, "gate", entries[0].Camera)

	stats := worker.Stats()
	assert.EqualValues(t, 9, stats.FramesProcessed)
	assert.EqualValues(t, 3, stats.DetectionCycles)
	assert.EqualValues(t, 1, stats.LastDetections)
}

func TestWorkerDetectorFailure(t *testing.T) {
	detector := &countingDetector{detections: []mot.Detection{mot.NewDetection(10, 5, 30, 25, 0.9)}}
	events := eventlog.NewMemory(100)
	cfg := testConfig()
	cfg.DetectEvery = 1
	worker := NewWorker(cfg, nil, detector, nil, WithEventLog(events))
	source := newStaticSource(64, 32)

	frame, _ := source.Read()
	result := worker.process(context.Background(), frame)
	require.Len(t, result.Tracks, 1)

	detector.mu.Lock()
	detector.err = errors.New("inference timeout")
	detector.mu.Unlock()

	frame, _ = source.Read()
	result = worker.process(context.Background(), frame)
	assert.Equal(t, 0, result.Detections, "failed detection leaves an empty set")
	require.Len(t, result.Tracks, 1, "track survives as missed")
	assert.Equal(t, 1, result.Tracks[0].Misses)

	assert.EqualValues(t, 1, worker.Stats().DetectorFailures)
	assert.Equal(t, 1, events.Count(eventlog.CategoryError))
	entries := events.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, eventlog.CategoryDetection, last.Category)
	assert.Equal(t, "Frame 2 - 0 objects", last.Message)
	assert.True(t, strings.Contains(entries[len(entries)-2].Message, "inference timeout"))
}

// flakyTracker fails the chosen calls (1-based) and delegates the rest
type flakyTracker struct {
	*mot.Tracker
	calls  int
	failOn map[int]bool
}

func (f *flakyTracker) Update(detections []mot.Detection, info mot.FrameInfo) ([]*mot.Track, error) {
	f.calls++
	if f.failOn[f.calls] {
		return nil, errors.Wrap(mot.ErrInvalidDetection, "detection 0")
	}
	return f.Tracker.Update(detections, info)
}

func TestWorkerTrackerFailure(t *testing.T) {
	detector := &countingDetector{detections: []mot.Detection{mot.NewDetection(10, 5, 30, 25, 0.9)}}
	events := eventlog.NewMemory(100)
	annotator := &recordingAnnotator{}
	cfg := testConfig()
	cfg.DetectEvery = 1
	tracker := &flakyTracker{Tracker: mot.NewDefaultTracker(), failOn: map[int]bool{2: true}}
	worker := NewWorker(cfg, nil, detector, tracker, WithEventLog(events), WithAnnotator(annotator))
	source := newStaticSource(64, 32)

	frame, _ := source.Read()
	result := worker.process(context.Background(), frame)
	require.Len(t, result.Tracks, 1)

	frame, _ = source.Read()
	result = worker.process(context.Background(), frame)
	assert.Empty(t, result.Tracks, "failed update yields an empty live set")
	assert.Equal(t, 1, result.Detections)
	assert.EqualValues(t, 0, annotator.tracks.Load(), "annotator gets the empty set")
	assert.EqualValues(t, 1, worker.Stats().TrackerFailures)
	require.Equal(t, 1, events.Count(eventlog.CategoryError))
	var errorEntry eventlog.Entry
	for _, entry := range events.Entries() {
		if entry.Category == eventlog.CategoryError {
			errorEntry = entry
		}
	}
	assert.True(t, strings.HasPrefix(errorEntry.Message, "Tracker update error: "), errorEntry.Message)

	// Next frame goes on with the state left before the failure
	frame, _ = source.Read()
	result = worker.process(context.Background(), frame)
	require.Len(t, result.Tracks, 1)
	assert.EqualValues(t, 0, result.Tracks[0].ID)
	assert.Equal(t, 2, result.Tracks[0].Hits)
	assert.EqualValues(t, 3, result.FrameCount)
	assert.EqualValues(t, 3, worker.Stats().FramesProcessed)
	assert.EqualValues(t, 1, worker.Stats().TrackerFailures)
}

func TestWorkerMaxStaleFrames(t *testing.T) {
	detector := &countingDetector{}
	cfg := testConfig()
	cfg.DetectEvery = 100
	cfg.MaxStaleFrames = 2
	worker := NewWorker(cfg, nil, detector, nil)
	source := newStaticSource(64, 32)

	detected := []bool{}
	for i := 0; i < 6; i++ {
		frame, _ := source.Read()
		detected = append(detected, worker.process(context.Background(), frame).Detected)
	}
	assert.Equal(t, []bool{false, true, false, true, false, true}, detected)
	assert.Equal(t, 3, detector.Calls())
}

func TestWorkerFilter(t *testing.T) {
	detector := &countingDetector{detections: []mot.Detection{
		{X1: 1, Y1: 1, X2: 20, Y2: 20, Confidence: 0.9, ClassID: 0},
		{X1: 30, Y1: 1, X2: 50, Y2: 20, Confidence: 0.9, ClassID: 2},
		{X1: 30, Y1: 1, X2: 50, Y2: 20, Confidence: 0.1, ClassID: 0},
	}}
	cfg := testConfig()
	cfg.DetectEvery = 1
	worker := NewWorker(cfg, nil, detector, nil)
	frame, _ := newStaticSource(64, 32).Read()

	result := worker.process(context.Background(), frame)
	assert.Equal(t, 1, result.Detections)
	assert.Len(t, result.Tracks, 1)
}

func TestWorkerRunAndStop(t *testing.T) {
	source := newStaticSource(128, 64)
	detector := &countingDetector{detections: []mot.Detection{mot.NewDetection(10, 5, 30, 25, 0.9)}}
	annotator := &recordingAnnotator{}
	events := eventlog.NewMemory(1000)
	worker := NewWorker(testConfig(), source, detector, nil,
		WithAnnotator(annotator),
		WithEventLog(events),
		WithOwnedSource(source),
	)

	handle := Start(context.Background(), worker)
	var result *Result
	require.Eventually(t, func() bool {
		r, ok := handle.Output().TryTake()
		if ok && len(r.Tracks) > 0 {
			result = r
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, int64(0), result.Tracks[0].ID)
	assert.Equal(t, source.frame.TraceID, result.Frame.TraceID)

	start := time.Now()
	handle.Stop()
	handle.Stop()
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-handle.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
	assert.True(t, source.stopped.Load(), "owned source is released")
	assert.NotZero(t, annotator.calls.Load())
	assert.EqualValues(t, 1, annotator.tracks.Load())

	entries := events.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, eventlog.CategoryInfo, entries[0].Category)
	assert.Contains(t, entries[0].Message, "Worker started")
	assert.Equal(t, eventlog.CategoryInfo, entries[len(entries)-1].Category)
	assert.Contains(t, entries[len(entries)-1].Message, "Worker stopped")
}

func TestWorkerNoFrames(t *testing.T) {
	source := &staticSource{}
	detector := &countingDetector{}
	worker := NewWorker(testConfig(), source, detector, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	worker.Run(ctx)

	assert.Zero(t, worker.Stats().FramesProcessed)
	assert.Zero(t, detector.Calls())
	_, ok := worker.Output().TryTake()
	assert.False(t, ok)
	assert.False(t, source.stopped.Load(), "source is not owned")
}

type failingLog struct{}

func (failingLog) Append(eventlog.Entry) error {
	return errors.New("disk full")
}

func TestWorkerEventLogFailure(t *testing.T) {
	cfg := testConfig()
	cfg.DetectEvery = 1
	worker := NewWorker(cfg, nil, &countingDetector{}, nil, WithEventLog(failingLog{}))
	frame, _ := newStaticSource(64, 32).Read()
	assert.NotPanics(t, func() {
		result := worker.process(context.Background(), frame)
		assert.True(t, result.Detected)
	})
}
