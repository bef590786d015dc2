// Package config loads streamtrack YAML configuration.
package config

import (
	"os"
	"time"

	"github.com/LdDl/streamtrack/detect"
	"github.com/LdDl/streamtrack/mot"
	"github.com/LdDl/streamtrack/pipeline"
	"github.com/LdDl/streamtrack/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Stream   StreamConfig   `yaml:"stream"`
	Modes    ModesConfig    `yaml:"modes"`
	Detector DetectorConfig `yaml:"detector"`
	Events   EventsConfig   `yaml:"events"`
	Cameras  []CameraConfig `yaml:"cameras"`
}

// TrackerConfig contains tracker settings
type TrackerConfig struct {
	IoUThreshold      float64 `yaml:"iou_threshold"`
	MaxLost           int     `yaml:"max_lost"`
	Matching          string  `yaml:"matching"` // hungarian, greedy
	HistoryLen        int     `yaml:"history_len"`
	PredictedMatching bool    `yaml:"predicted_matching"`
}

// StreamConfig contains reconnect settings and ffmpeg options
type StreamConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
	ReconnectWait    time.Duration `yaml:"reconnect_wait"`
	FFmpeg           string        `yaml:"ffmpeg"`
	FPS              int           `yaml:"fps"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// ModeConfig contains working resolution and detection cadence of a mode
type ModeConfig struct {
	Width          int `yaml:"width"`
	Height         int `yaml:"height"`
	DetectEvery    int `yaml:"detect_every"`
	MaxStaleFrames int `yaml:"max_stale_frames"`
}

// ModesConfig contains settings per mode
type ModesConfig struct {
	Live ModeConfig `yaml:"live"`
	File ModeConfig `yaml:"file"`
}

// DetectorConfig describes detector backend
type DetectorConfig struct {
	Kind          string        `yaml:"kind"` // http, none
	Endpoint      string        `yaml:"endpoint"`
	Timeout       time.Duration `yaml:"timeout"`
	ConfThreshold float64       `yaml:"conf_threshold"`
	TargetClass   int           `yaml:"target_class"` // -1 keeps every class
}

// EventsConfig describes event logs. Empty values disable the log
type EventsConfig struct {
	// CSVDir gets one <camera>.csv per camera
	CSVDir string `yaml:"csv_dir"`
	// SQLite is a database shared by all cameras
	SQLite string `yaml:"sqlite"`
}

// CameraConfig describes a single camera
type CameraConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Mode    string `yaml:"mode"` // live, file
}

// Default returns configuration with defaults for every setting and no cameras
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Tracker: TrackerConfig{
			IoUThreshold: 0.3,
			MaxLost:      10,
			Matching:     mot.MatchingAlgorithmHungarian.String(),
			HistoryLen:   mot.DefaultHistoryLen,
		},
		Stream: StreamConfig{
			MaxRetries:       10,
			RetryInterval:    2 * time.Second,
			MaxRetryInterval: 3 * time.Minute,
			ReconnectWait:    time.Second,
			FFmpeg:           "ffmpeg",
			OpenTimeout:      10 * time.Second,
		},
		Modes: ModesConfig{
			Live: ModeConfig{Width: 640, Height: 360, DetectEvery: 3},
			File: ModeConfig{Width: 960, Height: 540, DetectEvery: 8},
		},
		Detector: DetectorConfig{
			Kind:          "none",
			Timeout:       15 * time.Second,
			ConfThreshold: 0.3,
			TargetClass:   0,
		},
	}
}

// Load reads YAML file at path on top of Default and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "Can't read config file")
	}
	return Parse(data)
}

// Parse decodes YAML document on top of Default and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "Can't parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every setting
func (cfg *Config) Validate() error {
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "unknown log_level %q", cfg.LogLevel)
	}
	if cfg.Tracker.IoUThreshold < 0 || cfg.Tracker.IoUThreshold > 1 {
		return errors.Wrapf(ErrInvalidConfig, "tracker.iou_threshold must be within [0,1], got %v", cfg.Tracker.IoUThreshold)
	}
	if cfg.Tracker.MaxLost < 1 {
		return errors.Wrapf(ErrInvalidConfig, "tracker.max_lost must be positive, got %d", cfg.Tracker.MaxLost)
	}
	if cfg.Tracker.HistoryLen < 0 {
		return errors.Wrapf(ErrInvalidConfig, "tracker.history_len must not be negative, got %d", cfg.Tracker.HistoryLen)
	}
	if _, err := cfg.matchingAlgorithm(); err != nil {
		return err
	}
	if cfg.Stream.MaxRetries < 0 {
		return errors.Wrapf(ErrInvalidConfig, "stream.max_retries must not be negative, got %d", cfg.Stream.MaxRetries)
	}
	if cfg.Stream.RetryInterval <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "stream.retry_interval must be positive, got %s", cfg.Stream.RetryInterval)
	}
	for name, mode := range map[string]ModeConfig{"live": cfg.Modes.Live, "file": cfg.Modes.File} {
		if mode.Width <= 0 || mode.Height <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "modes.%s resolution must be positive, got %dx%d", name, mode.Width, mode.Height)
		}
		if mode.DetectEvery < 1 {
			return errors.Wrapf(ErrInvalidConfig, "modes.%s.detect_every must be positive, got %d", name, mode.DetectEvery)
		}
		if mode.MaxStaleFrames < 0 {
			return errors.Wrapf(ErrInvalidConfig, "modes.%s.max_stale_frames must not be negative, got %d", name, mode.MaxStaleFrames)
		}
	}
	switch cfg.Detector.Kind {
	case "none":
	case "http":
		if cfg.Detector.Endpoint == "" {
			return errors.Wrap(ErrInvalidConfig, "detector.endpoint is required for http detector")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown detector.kind %q", cfg.Detector.Kind)
	}
	if cfg.Detector.ConfThreshold < 0 || cfg.Detector.ConfThreshold > 1 {
		return errors.Wrapf(ErrInvalidConfig, "detector.conf_threshold must be within [0,1], got %v", cfg.Detector.ConfThreshold)
	}
	if cfg.Detector.TargetClass < detect.AnyClass {
		return errors.Wrapf(ErrInvalidConfig, "detector.target_class must be %d or a class index, got %d", detect.AnyClass, cfg.Detector.TargetClass)
	}
	seen := make(map[string]struct{}, len(cfg.Cameras))
	for i, camera := range cfg.Cameras {
		if camera.ID == "" {
			return errors.Wrapf(ErrInvalidConfig, "cameras[%d].id is empty", i)
		}
		if _, ok := seen[camera.ID]; ok {
			return errors.Wrapf(ErrInvalidConfig, "duplicate camera id %q", camera.ID)
		}
		seen[camera.ID] = struct{}{}
		if camera.Address == "" {
			return errors.Wrapf(ErrInvalidConfig, "cameras[%d].address is empty", i)
		}
		if _, err := parseMode(camera.Mode); err != nil {
			return errors.Wrapf(err, "cameras[%d]", i)
		}
	}
	return nil
}

func (cfg *Config) matchingAlgorithm() (mot.MatchingAlgorithm, error) {
	switch cfg.Tracker.Matching {
	case mot.MatchingAlgorithmHungarian.String():
		return mot.MatchingAlgorithmHungarian, nil
	case mot.MatchingAlgorithmGreedy.String():
		return mot.MatchingAlgorithmGreedy, nil
	default:
		return 0, errors.Wrapf(ErrInvalidConfig, "unknown tracker.matching %q", cfg.Tracker.Matching)
	}
}

// parseMode maps empty mode to live
func parseMode(mode string) (stream.Mode, error) {
	switch stream.Mode(mode) {
	case "", stream.ModeLive:
		return stream.ModeLive, nil
	case stream.ModeFile:
		return stream.ModeFile, nil
	default:
		return "", errors.Wrapf(ErrInvalidConfig, "unknown mode %q", mode)
	}
}

// Level returns configured log level, info when unset or unknown
func (cfg *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// NewTracker builds a tracker with configured settings
func (cfg *Config) NewTracker() *mot.Tracker {
	algorithm, err := cfg.matchingAlgorithm()
	if err != nil {
		algorithm = mot.MatchingAlgorithmHungarian
	}
	return mot.NewTracker(
		cfg.Tracker.IoUThreshold,
		cfg.Tracker.MaxLost,
		algorithm,
		mot.WithHistoryLen(cfg.Tracker.HistoryLen),
		mot.WithPredictedMatching(cfg.Tracker.PredictedMatching),
	)
}

// SourceConfig returns stream reconnect settings
func (cfg *Config) SourceConfig() stream.SourceConfig {
	source := stream.DefaultSourceConfig()
	source.MaxRetries = cfg.Stream.MaxRetries
	source.RetryInterval = cfg.Stream.RetryInterval
	source.MaxRetryInterval = cfg.Stream.MaxRetryInterval
	source.ReconnectWait = cfg.Stream.ReconnectWait
	return source
}

// Dialer returns ffmpeg dialer for mode
func (cfg *Config) Dialer(mode stream.Mode) stream.Dialer {
	return stream.FFmpegDialer{
		Binary:      cfg.Stream.FFmpeg,
		Mode:        mode,
		FPS:         cfg.Stream.FPS,
		OpenTimeout: cfg.Stream.OpenTimeout,
	}
}

// DetectorFactory returns constructor of per-camera detectors
func (cfg *Config) DetectorFactory() detect.Factory {
	return func(cameraID string) (detect.Detector, error) {
		switch cfg.Detector.Kind {
		case "http":
			return detect.NewHTTPDetector(detect.HTTPConfig{
				Endpoint:      cfg.Detector.Endpoint,
				Timeout:       cfg.Detector.Timeout,
				ConfThreshold: cfg.Detector.ConfThreshold,
			}), nil
		case "none":
			return detect.Nop, nil
		default:
			return nil, errors.Wrapf(ErrInvalidConfig, "unknown detector.kind %q", cfg.Detector.Kind)
		}
	}
}

// CameraSpec builds pipeline description of camera
func (cfg *Config) CameraSpec(camera CameraConfig) (pipeline.CameraSpec, error) {
	mode, err := parseMode(camera.Mode)
	if err != nil {
		return pipeline.CameraSpec{}, err
	}
	modeCfg := cfg.Modes.Live
	if mode == stream.ModeFile {
		modeCfg = cfg.Modes.File
	}
	worker := pipeline.DefaultWorkerConfig(camera.ID, mode)
	worker.Width = modeCfg.Width
	worker.Height = modeCfg.Height
	worker.DetectEvery = modeCfg.DetectEvery
	worker.MaxStaleFrames = modeCfg.MaxStaleFrames
	worker.Filter = detect.Filter{
		TargetClass:   cfg.Detector.TargetClass,
		MinConfidence: cfg.Detector.ConfThreshold,
	}
	return pipeline.CameraSpec{
		ID:      camera.ID,
		Address: camera.Address,
		Mode:    mode,
		Worker:  worker,
		Source:  cfg.SourceConfig(),
	}, nil
}
