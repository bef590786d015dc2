package main

import (
	"context"
	"flag"
	"fmt"
	"image/jpeg"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/LdDl/streamtrack/annotate"
	"github.com/LdDl/streamtrack/config"
	"github.com/LdDl/streamtrack/eventlog"
	"github.com/LdDl/streamtrack/mot"
	"github.com/LdDl/streamtrack/pipeline"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	configPath  = flag.String("config", "", "Path to YAML configuration")
	address     = flag.String("address", "", "Single origin to track (RTSP/HTTP URL, file, /dev/videoN) when no cameras are configured")
	mode        = flag.String("mode", "live", "Mode of -address origin: live, file")
	logLevel    = flag.String("log-level", "", "Log level, overrides configuration")
	snapshotDir = flag.String("snapshot-dir", "", "Write latest annotated frame of every camera to <dir>/<camera>.jpg")
	poll        = flag.Duration("poll", 200*time.Millisecond, "Output polling interval")
	statsEvery  = flag.Duration("stats", 10*time.Second, "Stats logging interval, 0 disables")
)

func main() {
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("streamtrack failed")
	}
}

func run(logger zerolog.Logger) error {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if len(cfg.Cameras) == 0 && *address != "" {
		cfg.Cameras = append(cfg.Cameras, config.CameraConfig{ID: "cam1", Address: *address, Mode: *mode})
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Cameras) == 0 {
		return errors.New("No cameras configured, use -config or -address")
	}
	logger = logger.Level(cfg.Level())

	if *snapshotDir != "" {
		if err := os.MkdirAll(*snapshotDir, 0o755); err != nil {
			return errors.Wrap(err, "Can't create snapshot directory")
		}
	}

	events, err := newEventLogs(cfg.Events)
	if err != nil {
		return err
	}
	defer events.Close()

	manager := pipeline.NewManager(
		pipeline.WithDialer(cfg.Dialer),
		pipeline.WithDetectorFactory(cfg.DetectorFactory()),
		pipeline.WithTrackerFactory(func(string) *mot.Tracker {
			return cfg.NewTracker()
		}),
		pipeline.WithAnnotatorFactory(func(string) pipeline.Annotator {
			return annotate.NewBoxes()
		}),
		pipeline.WithEventLogFactory(events.ForCamera),
		pipeline.WithManagerLogger(logger),
	)
	defer manager.StopAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, camera := range cfg.Cameras {
		spec, err := cfg.CameraSpec(camera)
		if err != nil {
			return err
		}
		if err := manager.StartCamera(ctx, spec); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range manager.Cameras() {
		id := id
		output, err := manager.Output(id)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return consume(ctx, id, output, logger)
		})
	}
	if *statsEvery > 0 {
		g.Go(func() error {
			reportStats(ctx, manager, logger)
			return nil
		})
	}
	logger.Info().Int("cameras", len(cfg.Cameras)).Msg("Running, press Ctrl+C to stop")
	err = g.Wait()
	logger.Info().Msg("Shutting down")
	return err
}

// consume polls camera output without ever blocking the worker
func consume(ctx context.Context, id string, output *pipeline.LatestBuffer[*pipeline.Result], logger zerolog.Logger) error {
	ticker := time.NewTicker(*poll)
	defer ticker.Stop()
	logger = logger.With().Str("camera", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		result, ok := output.TryTake()
		if !ok {
			continue
		}
		logger.Debug().
			Uint64("frame", result.FrameCount).
			Bool("detected", result.Detected).
			Int("detections", result.Detections).
			Int("tracks", len(result.Tracks)).
			Str("trace_id", result.Frame.TraceID.String()).
			Msg("Frame")
		if *snapshotDir == "" {
			continue
		}
		if err := writeSnapshot(filepath.Join(*snapshotDir, id+".jpg"), result); err != nil {
			logger.Error().Err(err).Msg("Can't write snapshot")
		}
	}
}

// writeSnapshot replaces file at path atomically
func writeSnapshot(path string, result *pipeline.Result) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "Can't create snapshot")
	}
	if err := jpeg.Encode(file, result.Frame.Image, &jpeg.Options{Quality: 85}); err != nil {
		file.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "Can't encode snapshot")
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "Can't close snapshot")
	}
	return os.Rename(tmp, path)
}

func reportStats(ctx context.Context, manager *pipeline.Manager, logger zerolog.Logger) {
	ticker := time.NewTicker(*statsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, id := range manager.Cameras() {
			stats, err := manager.Stats(id)
			if err != nil {
				continue
			}
			event := logger.Info().
				Str("camera", id).
				Uint64("frames", stats.FramesProcessed).
				Uint64("detection_cycles", stats.DetectionCycles).
				Uint64("detector_failures", stats.DetectorFailures).
				Uint64("tracker_failures", stats.TrackerFailures).
				Int64("last_detections", stats.LastDetections).
				Uint64("output_dropped", stats.Output.Dropped)
			if source, ok, _ := manager.SourceStats(id); ok {
				event = event.
					Bool("connected", source.Connected).
					Uint64("frames_read", source.FramesRead).
					Uint64("read_failures", source.ReadFailures).
					Uint64("failed_connects", source.FailedConnects)
			}
			event.Msg("Stats")
		}
	}
}

// eventLogs owns the shared SQLite log and opens per-camera CSV logs
type eventLogs struct {
	csvDir string
	sqlite *eventlog.SQLiteLog
}

func newEventLogs(cfg config.EventsConfig) (*eventLogs, error) {
	logs := &eventLogs{csvDir: cfg.CSVDir}
	if cfg.CSVDir != "" {
		if err := os.MkdirAll(cfg.CSVDir, 0o755); err != nil {
			return nil, errors.Wrap(err, "Can't create event log directory")
		}
	}
	if cfg.SQLite != "" {
		sqlite, err := eventlog.OpenSQLite(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		logs.sqlite = sqlite
	}
	return logs, nil
}

// ForCamera returns the log of camera. Closing it closes the camera's CSV file only.
func (l *eventLogs) ForCamera(cameraID string) (eventlog.Log, error) {
	camLog := &cameraLog{}
	var sinks []eventlog.Log
	if l.csvDir != "" {
		csvLog, err := eventlog.OpenCSV(filepath.Join(l.csvDir, fmt.Sprintf("%s.csv", cameraID)))
		if err != nil {
			return nil, err
		}
		camLog.csv = csvLog
		sinks = append(sinks, csvLog)
	}
	if l.sqlite != nil {
		sinks = append(sinks, l.sqlite)
	}
	camLog.Log = eventlog.Multi(sinks...)
	return camLog, nil
}

func (l *eventLogs) Close() error {
	if l.sqlite == nil {
		return nil
	}
	return l.sqlite.Close()
}

type cameraLog struct {
	eventlog.Log
	csv *eventlog.CSVLog
}

func (l *cameraLog) Close() error {
	if l.csv == nil {
		return nil
	}
	return l.csv.Close()
}
