package pipeline

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/LdDl/streamtrack/detect"
	"github.com/LdDl/streamtrack/eventlog"
	"github.com/LdDl/streamtrack/mot"
	"github.com/LdDl/streamtrack/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrCameraExists is returned when starting a camera which is already running
	ErrCameraExists = errors.New("camera already running")
	// ErrCameraNotFound is returned for unknown camera identifiers
	ErrCameraNotFound = errors.New("camera not found")
	// ErrNotFeed is returned when pushing frames to a camera backed by a stream
	ErrNotFeed = errors.New("camera is not fed externally")
)

// CameraSpec describes a camera pipeline
type CameraSpec struct {
	ID string
	// Address of the origin (RTSP/HTTP URL, file path, /dev/videoN). Empty means frames are pushed via Feed
	Address string
	Mode    stream.Mode
	Worker  WorkerConfig
	Source  stream.SourceConfig
}

// Manager runs isolated pipelines for many cameras: every camera gets its own
// source, detector, tracker, annotator and output buffer.
type Manager struct {
	mu      sync.RWMutex
	cameras map[string]*camera

	dialer     func(mode stream.Mode) stream.Dialer
	detectors  detect.Factory
	trackers   func(cameraID string) *mot.Tracker
	annotators func(cameraID string) Annotator
	events     func(cameraID string) (eventlog.Log, error)
	logger     zerolog.Logger
}

type camera struct {
	spec   CameraSpec
	handle *Handle
	source *stream.Source
	feed   *FeedSource
	events eventlog.Log
}

// ManagerOption customizes Manager
type ManagerOption func(*Manager)

// WithDialer sets how stream sources connect. Default is ffmpeg in the camera's mode
func WithDialer(dialer func(mode stream.Mode) stream.Dialer) ManagerOption {
	return func(m *Manager) {
		if dialer != nil {
			m.dialer = dialer
		}
	}
}

// WithDetectorFactory sets detector constructor. Default is detect.Nop for every camera
func WithDetectorFactory(factory detect.Factory) ManagerOption {
	return func(m *Manager) {
		if factory != nil {
			m.detectors = factory
		}
	}
}

// WithTrackerFactory sets tracker constructor. Default is mot.NewDefaultTracker
func WithTrackerFactory(factory func(cameraID string) *mot.Tracker) ManagerOption {
	return func(m *Manager) {
		if factory != nil {
			m.trackers = factory
		}
	}
}

// WithAnnotatorFactory sets annotator constructor. Default is no annotation
func WithAnnotatorFactory(factory func(cameraID string) Annotator) ManagerOption {
	return func(m *Manager) {
		m.annotators = factory
	}
}

// WithEventLogFactory sets event log constructor. Logs implementing io.Closer are closed when their camera stops
func WithEventLogFactory(factory func(cameraID string) (eventlog.Log, error)) ManagerOption {
	return func(m *Manager) {
		m.events = factory
	}
}

// WithManagerLogger sets structured logger
func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates manager with no cameras
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{
		cameras: make(map[string]*camera),
		dialer: func(mode stream.Mode) stream.Dialer {
			return stream.FFmpegDialer{Mode: mode}
		},
		detectors: func(string) (detect.Detector, error) {
			return detect.Nop, nil
		},
		trackers: func(string) *mot.Tracker {
			return mot.NewDefaultTracker()
		},
		logger: zerolog.Nop(),
	}
	for _, option := range options {
		option(m)
	}
	m.logger = m.logger.With().Str("component", "manager").Logger()
	return m
}

// StartCamera builds and starts the pipeline of spec. The stream source connects in background.
func (m *Manager) StartCamera(ctx context.Context, spec CameraSpec) error {
	if spec.ID == "" {
		return errors.New("Camera ID is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cameras[spec.ID]; ok {
		return errors.Wrapf(ErrCameraExists, "%s", spec.ID)
	}

	detector, err := m.detectors(spec.ID)
	if err != nil {
		return errors.Wrapf(err, "Can't create detector for camera %s", spec.ID)
	}

	events := eventlog.Discard
	if m.events != nil {
		events, err = m.events(spec.ID)
		if err != nil {
			return errors.Wrapf(err, "Can't open event log for camera %s", spec.ID)
		}
	}

	cam := &camera{
		spec:   spec,
		events: events,
	}
	logger := m.logger.With().Str("camera", spec.ID).Logger()
	options := []WorkerOption{
		WithEventLog(events),
		WithLogger(logger),
	}
	if m.annotators != nil {
		options = append(options, WithAnnotator(m.annotators(spec.ID)))
	}

	var source FrameSource
	if spec.Address == "" {
		cam.feed = NewFeedSource()
		source = cam.feed
	} else {
		cam.source = stream.NewSource(spec.Address, m.dialer(spec.Mode), spec.Source, logger)
		cam.source.Start()
		source = cam.source
		options = append(options, WithOwnedSource(cam.source))
	}

	cfg := spec.Worker
	cfg.CameraID = spec.ID
	var tracker Tracker
	if motTracker := m.trackers(spec.ID); motTracker != nil {
		tracker = motTracker
	}
	worker := NewWorker(cfg, source, detector, tracker, options...)
	cam.handle = Start(ctx, worker)
	m.cameras[spec.ID] = cam

	m.logger.Info().Str("camera", spec.ID).Str("address", spec.Address).Str("mode", string(spec.Mode)).Msg("Started camera")
	return nil
}

// StopCamera stops the camera's pipeline and releases its source
func (m *Manager) StopCamera(id string) error {
	m.mu.Lock()
	cam, ok := m.cameras[id]
	if ok {
		delete(m.cameras, id)
	}
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrCameraNotFound, "%s", id)
	}
	m.stop(cam)
	return nil
}

// StopAll stops every camera concurrently
func (m *Manager) StopAll() {
	m.mu.Lock()
	cameras := m.cameras
	m.cameras = make(map[string]*camera)
	m.mu.Unlock()

	var g errgroup.Group
	for _, cam := range cameras {
		cam := cam
		g.Go(func() error {
			m.stop(cam)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) stop(cam *camera) {
	cam.handle.Stop()
	if closer, ok := cam.events.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			m.logger.Error().Err(err).Str("camera", cam.spec.ID).Msg("Can't close event log")
		}
	}
	m.logger.Info().Str("camera", cam.spec.ID).Msg("Stopped camera")
}

// Output returns result buffer of camera
func (m *Manager) Output(id string) (*LatestBuffer[*Result], error) {
	cam, err := m.camera(id)
	if err != nil {
		return nil, err
	}
	return cam.handle.Output(), nil
}

// Feed returns frame feed of a camera started without address
func (m *Manager) Feed(id string) (*FeedSource, error) {
	cam, err := m.camera(id)
	if err != nil {
		return nil, err
	}
	if cam.feed == nil {
		return nil, errors.Wrapf(ErrNotFeed, "%s", id)
	}
	return cam.feed, nil
}

// Stats returns worker counters of camera
func (m *Manager) Stats(id string) (WorkerStats, error) {
	cam, err := m.camera(id)
	if err != nil {
		return WorkerStats{}, err
	}
	return cam.handle.Worker().Stats(), nil
}

// SourceStats returns stream counters of camera. False for externally fed cameras
func (m *Manager) SourceStats(id string) (stream.SourceStats, bool, error) {
	cam, err := m.camera(id)
	if err != nil {
		return stream.SourceStats{}, false, err
	}
	if cam.source == nil {
		return stream.SourceStats{}, false, nil
	}
	return cam.source.Stats(), true, nil
}

// Cameras returns identifiers of running cameras, sorted
func (m *Manager) Cameras() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.cameras))
	for id := range m.cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) camera(id string) (*camera, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cam, ok := m.cameras[id]
	if !ok {
		return nil, errors.Wrapf(ErrCameraNotFound, "%s", id)
	}
	return cam, nil
}
