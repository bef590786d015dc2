package stream

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Open when every connection attempt failed.
// The source keeps retrying in background regardless.
var ErrNotConnected = errors.New("stream not connected")

// SourceConfig contains reconnect and pacing settings of Source
type SourceConfig struct {
	// MaxRetries is number of backoff growth steps per connect cycle (default: 10)
	MaxRetries int
	// RetryInterval is the first retry interval (default: 2s)
	RetryInterval time.Duration
	// MaxRetryInterval caps the retry interval (default: 3m)
	MaxRetryInterval time.Duration
	// ReconnectWait is the pause after a failed read or a failed connect cycle (default: 1s)
	ReconnectWait time.Duration
	// ReadYield is the pause after every successful read (default: 5ms)
	ReadYield time.Duration
	// JoinTimeout bounds how long Stop waits for the reader (default: 1s)
	JoinTimeout time.Duration
}

// DefaultSourceConfig returns default source configuration
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		MaxRetries:       10,
		RetryInterval:    2 * time.Second,
		MaxRetryInterval: 3 * time.Minute,
		ReconnectWait:    time.Second,
		ReadYield:        5 * time.Millisecond,
		JoinTimeout:      time.Second,
	}
}

func (cfg SourceConfig) withDefaults() SourceConfig {
	def := DefaultSourceConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = def.MaxRetryInterval
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.ReadYield <= 0 {
		cfg.ReadYield = def.ReadYield
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	return cfg
}

// SourceStats is a snapshot of Source counters
type SourceStats struct {
	Address        string
	Connected      bool
	FramesRead     uint64
	ReadFailures   uint64
	FailedConnects uint64
	LastFrameAt    time.Time
}

// Source keeps a connection to a video origin alive and exposes the freshest frame.
//
// A single background reader (started once, never restarted) owns the connection:
// it reconnects with backoff, reads frames and overwrites the latest-frame slot.
// Read never blocks on the reader.
type Source struct {
	address string
	dialer  Dialer
	cfg     SourceConfig
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	// connectMu serializes connect cycles (Open vs background reader) and guards backoff
	connectMu sync.Mutex
	backoff   *Backoff

	connMu  sync.Mutex
	conn    Conn
	stopped bool

	frameMu sync.Mutex
	frame   *Frame

	seq            uint64
	framesRead     atomic.Uint64
	readFailures   atomic.Uint64
	failedConnects atomic.Uint64
	lastFrameAt    atomic.Int64
	connected      atomic.Bool
}

// NewSource creates source for address. Nothing is dialed until Open or Start.
func NewSource(address string, dialer Dialer, cfg SourceConfig, logger zerolog.Logger) *Source {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		address: address,
		dialer:  dialer,
		cfg:     cfg,
		logger:  logger.With().Str("component", "stream").Str("address", address).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		backoff: NewBackoff(cfg.RetryInterval, cfg.MaxRetryInterval, cfg.MaxRetries),
	}
}

// Address returns origin address
func (s *Source) Address() string {
	return s.address
}

// Open makes one blocking connect cycle (with retries and backoff) and then starts the background reader.
// The reader is started even when connecting failed: it keeps retrying at the fully backed-off interval.
// Returned error is informational (wraps ErrNotConnected) unless ctx was cancelled.
func (s *Source) Open(ctx context.Context) error {
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	connected := s.connect(connectCtx)
	s.Start()
	if connected {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(ErrNotConnected, "%s", s.address)
}

// Start launches the background reader. Calling it more than once has no effect.
func (s *Source) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Read returns a copy of the latest frame or false if no frame was received yet. Never blocks on the reader.
func (s *Source) Read() (*Frame, bool) {
	s.frameMu.Lock()
	frame := s.frame
	s.frameMu.Unlock()
	if frame == nil {
		return nil, false
	}
	// Stored frames are never mutated after store, so the deep copy can happen outside the lock
	return frame.Clone(), true
}

// Connected reports whether the reader currently holds an open connection
func (s *Source) Connected() bool {
	return s.connected.Load()
}

// Stats returns counters snapshot
func (s *Source) Stats() SourceStats {
	stats := SourceStats{
		Address:        s.address,
		Connected:      s.connected.Load(),
		FramesRead:     s.framesRead.Load(),
		ReadFailures:   s.readFailures.Load(),
		FailedConnects: s.failedConnects.Load(),
	}
	if ts := s.lastFrameAt.Load(); ts > 0 {
		stats.LastFrameAt = time.Unix(0, ts)
	}
	return stats
}

// Stop signals the reader to exit, waits for it at most JoinTimeout and releases the connection regardless.
// Idempotent.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		joined := false
		s.startOnce.Do(func() {
			// Never started: nothing to join
			close(s.done)
		})
		select {
		case <-s.done:
			joined = true
		case <-time.After(s.cfg.JoinTimeout):
			s.logger.Warn().Dur("timeout", s.cfg.JoinTimeout).Msg("Reader did not stop in time, releasing connection anyway")
		}

		s.connMu.Lock()
		s.stopped = true
		conn := s.conn
		s.conn = nil
		s.connMu.Unlock()
		s.connected.Store(false)
		s.closeConn(conn)

		s.logger.Info().Bool("joined", joined).Uint64("frames_read", s.framesRead.Load()).Msg("Stream stopped")
	})
}

// run is the background reader loop
func (s *Source) run() {
	defer close(s.done)
	s.logger.Debug().Msg("Reader started")
	for {
		if s.ctx.Err() != nil {
			return
		}

		conn := s.currentConn()
		if conn == nil {
			s.logger.Info().Msg("Not connected, trying to connect")
			if !s.connect(s.ctx) {
				if !s.sleep(s.cfg.ReconnectWait) {
					return
				}
				continue
			}
			if !s.sleep(s.cfg.ReadYield) {
				return
			}
			continue
		}

		img, err := conn.ReadFrame()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.readFailures.Add(1)
			s.logger.Warn().Err(err).Msg("Read failed, reconnecting")
			s.releaseConn(conn)
			if !s.sleep(s.cfg.ReconnectWait) {
				return
			}
			continue
		}
		s.store(img)

		if !s.sleep(s.cfg.ReadYield) {
			return
		}
	}
}

// connect runs one connect cycle: attempts with growing intervals until success or exhausted retries.
// Once retries are exhausted every cycle is a single attempt followed by the fully backed-off wait.
func (s *Source) connect(ctx context.Context) bool {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.currentConn() != nil {
		return true
	}
	for {
		conn, err := s.dialer.Dial(ctx, s.address)
		if err == nil {
			if !s.setConn(conn) {
				return false
			}
			s.backoff.Reset()
			s.logger.Info().Msg("Connected")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		s.failedConnects.Add(1)
		wait, more := s.backoff.Next()
		if more {
			s.logger.Info().Err(err).
				Int("retry", s.backoff.Attempts()).
				Int("max_retries", s.cfg.MaxRetries).
				Dur("delay", wait).
				Msg("Failed to connect, retrying")
		} else {
			s.logger.Warn().Err(err).
				Int("max_retries", s.cfg.MaxRetries).
				Dur("delay", wait).
				Msg("Unable to connect, retries exhausted")
		}
		if !sleepContext(ctx, wait) {
			return false
		}
		if !more {
			return false
		}
	}
}

func (s *Source) currentConn() Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// setConn installs a fresh connection unless the source was stopped meanwhile
func (s *Source) setConn(conn Conn) bool {
	s.connMu.Lock()
	if s.stopped {
		s.connMu.Unlock()
		s.closeConn(conn)
		return false
	}
	s.conn = conn
	s.connMu.Unlock()
	s.connected.Store(true)
	return true
}

// releaseConn drops conn if it is still the current connection
func (s *Source) releaseConn(conn Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
	s.connected.Store(false)
	s.closeConn(conn)
}

// closeConn closes conn, failures are only logged
func (s *Source) closeConn(conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Can't release connection")
	}
}

// store puts a private copy of img into the latest-frame slot
func (s *Source) store(img image.Image) {
	s.seq++
	frame := NewFrame(s.seq, img)

	s.frameMu.Lock()
	s.frame = frame
	s.frameMu.Unlock()

	s.framesRead.Add(1)
	s.lastFrameAt.Store(frame.Timestamp.UnixNano())
}

func (s *Source) sleep(d time.Duration) bool {
	return sleepContext(s.ctx, d)
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
