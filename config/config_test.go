package config

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LdDl/streamtrack/detect"
	"github.com/LdDl/streamtrack/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
log_level: debug
tracker:
  iou_threshold: 0.4
  matching: greedy
stream:
  max_retries: 5
  retry_interval: 500ms
modes:
  live:
    max_stale_frames: 30
detector:
  kind: http
  endpoint: http://localhost:8081
  target_class: -1
events:
  csv_dir: logs
cameras:
  - id: gate
    address: rtsp://10.0.0.5/stream1
  - id: upload
    address: /data/video.mp4
    mode: file
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamtrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, 0.4, cfg.Tracker.IoUThreshold)
	assert.Equal(t, 10, cfg.Tracker.MaxLost, "unset values keep defaults")
	assert.Equal(t, 5, cfg.Stream.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.RetryInterval)
	assert.Equal(t, 3*time.Minute, cfg.Stream.MaxRetryInterval)
	assert.Equal(t, ModeConfig{Width: 640, Height: 360, DetectEvery: 3, MaxStaleFrames: 30}, cfg.Modes.Live)
	assert.Equal(t, "logs", cfg.Events.CSVDir)
	require.Len(t, cfg.Cameras, 2)

	live, err := cfg.CameraSpec(cfg.Cameras[0])
	require.NoError(t, err)
	assert.Equal(t, stream.ModeLive, live.Mode)
	assert.Equal(t, "gate", live.Worker.CameraID)
	assert.Equal(t, 640, live.Worker.Width)
	assert.Equal(t, 3, live.Worker.DetectEvery)
	assert.Equal(t, 30, live.Worker.MaxStaleFrames)
	assert.Equal(t, detect.Filter{TargetClass: detect.AnyClass, MinConfidence: 0.3}, live.Worker.Filter)
	assert.Equal(t, 5, live.Source.MaxRetries)

	file, err := cfg.CameraSpec(cfg.Cameras[1])
	require.NoError(t, err)
	assert.Equal(t, stream.ModeFile, file.Mode)
	assert.Equal(t, 960, file.Worker.Width)
	assert.Equal(t, 540, file.Worker.Height)
	assert.Equal(t, 8, file.Worker.DetectEvery)

	detector, err := cfg.DetectorFactory()("gate")
	require.NoError(t, err)
	assert.IsType(t, &detect.HTTPDetector{}, detector)

	dialer, ok := cfg.Dialer(stream.ModeFile).(stream.FFmpegDialer)
	require.True(t, ok)
	assert.Equal(t, "ffmpeg", dialer.Binary)
	assert.Equal(t, stream.ModeFile, dialer.Mode)

	tracker := cfg.NewTracker()
	assert.NotNil(t, tracker)
	assert.Equal(t, 0, tracker.Len())
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.3, cfg.Tracker.IoUThreshold)
	assert.Equal(t, 10, cfg.Tracker.MaxLost)
	assert.Equal(t, 10, cfg.Stream.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Stream.RetryInterval)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())

	detector, err := cfg.DetectorFactory()("any")
	require.NoError(t, err)
	detections, err := detector.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"iou":            "tracker: {iou_threshold: 1.5}",
		"max lost":       "tracker: {max_lost: 0}",
		"matching":       "tracker: {matching: auction}",
		"retries":        "stream: {max_retries: -1}",
		"resolution":     "modes: {file: {width: 0}}",
		"detect every":   "modes: {live: {detect_every: 0}}",
		"detector kind":  "detector: {kind: onnx}",
		"endpoint":       "detector: {kind: http}",
		"log level":      "log_level: chatty",
		"camera id":      "cameras: [{address: rtsp://x}]",
		"camera address": "cameras: [{id: gate}]",
		"camera mode":    "cameras: [{id: gate, address: rtsp://x, mode: satellite}]",
		"duplicate":      "cameras: [{id: gate, address: rtsp://x}, {id: gate, address: rtsp://y}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("tracker: [1, 2"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
