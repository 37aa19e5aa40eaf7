package visionbuf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/ingest"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/ratestats"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/session"
)

type (
	Metadata       = pool.Metadata
	Handle         = pool.Handle
	PoolStats      = pool.Stats
	Stats          = session.Stats
	State          = session.State
	RateStats      = ratestats.Stats
	Source         = ingest.Source
	Opener         = ingest.Opener
	OpenerFunc     = ingest.OpenerFunc
	TransportError = ingest.TransportError
)

// Allocator hands out and reclaims slot regions. Implementations must let
// distinct regions be mapped from different goroutines.
type Allocator interface {
	Allocate(capacity int) (Region, error)
	Free(r Region) error
}

const (
	StateIdle     = session.StateIdle
	StateRunning  = session.StateRunning
	StateStopping = session.StateStopping
)

var (
	ErrClosed          = pool.ErrClosed
	ErrNotReady        = pool.ErrNotReady
	ErrAllSlotsBusy    = pool.ErrAllSlotsBusy
	ErrPayloadTooLarge = pool.ErrPayloadTooLarge
	ErrAlreadyReleased = pool.ErrAlreadyReleased
	ErrAlreadyRunning  = session.ErrAlreadyRunning
	ErrNotRunning      = session.ErrNotRunning
	ErrReceiveTimeout  = ingest.ErrReceiveTimeout
	ErrSourceClosed    = ingest.ErrSourceClosed
)

// Reader is the consumer side of a running stream.
//
// Implementations must guarantee:
//   - AcquireLatest returns the newest published frame with a sequence
//     greater than after, blocking until one exists, ctx ends or the stream
//     stops (ErrClosed).
//   - TryAcquireLatest never blocks (ErrNotReady when nothing is newer).
//   - Every handle is released exactly once; a second Release fails with
//     ErrAlreadyReleased.
type Reader interface {
	AcquireLatest(ctx context.Context, after uint64) (*Handle, error)
	TryAcquireLatest(after uint64) (*Handle, error)
	Release(h *Handle) error
}

// Stream controls one camera stream.
//
// Start and Stop may be called from any goroutine. Stop is idempotent and
// returns once the producer has exited and the source is closed.
type Stream interface {
	Start(ctx context.Context) error
	Stop() error
	State() State

	// Reader returns the consumer side; ErrNotRunning unless running.
	Reader() (Reader, error)

	// Stats returns a snapshot; ErrNotRunning unless running.
	Stats() (Stats, error)

	// Done is closed when the producer of the current run exits. Err then
	// reports why: nil after Stop, a *TransportError when the source failed.
	Done() <-chan struct{}
	Err() error

	// Warmup consumes frames for duration and reports publish-rate
	// stability.
	Warmup(ctx context.Context, duration time.Duration) (RateStats, error)
}

// Config configures a stream.
type Config struct {
	// Camera names the stream in logs and metrics.
	Camera string

	// Slots is the pool size (default 3).
	Slots int

	// SlotSize is the per-slot capacity in bytes: height × stride.
	SlotSize int

	// FPS is the nominal camera rate, the reference for rate statistics.
	FPS float64

	ReceiveTimeout time.Duration
	StopTimeout    time.Duration
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	metrics   *Metrics
	allocator Allocator
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records stream metrics into m. Register m once per process;
// several streams may share it.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAllocator sets the slot memory allocator (default host memory).
func WithAllocator(a Allocator) Option {
	return func(o *options) { o.allocator = a }
}

// CameraStream is the Stream implementation returned by New.
type CameraStream struct {
	sess   *session.Session
	fps    float64
	logger *slog.Logger
}

var _ Stream = (*CameraStream)(nil)

// New creates an idle stream. Nothing is allocated until Start.
func New(cfg Config, opener Opener, opts ...Option) (*CameraStream, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	sess, err := session.New(session.Config{
		Camera:         cfg.Camera,
		Slots:          cfg.Slots,
		SlotSize:       cfg.SlotSize,
		Allocator:      o.allocator,
		ReceiveTimeout: cfg.ReceiveTimeout,
		StopTimeout:    cfg.StopTimeout,
		ExpectedFPS:    cfg.FPS,
		Logger:         o.logger,
		Metrics:        o.metrics,
	}, opener)
	if err != nil {
		return nil, fmt.Errorf("visionbuf: %w", err)
	}

	return &CameraStream{sess: sess, fps: cfg.FPS, logger: o.logger}, nil
}

func (c *CameraStream) Start(ctx context.Context) error { return c.sess.Start(ctx) }
func (c *CameraStream) Stop() error                     { return c.sess.Stop() }
func (c *CameraStream) State() State                    { return c.sess.State() }
func (c *CameraStream) Stats() (Stats, error)           { return c.sess.Stats() }
func (c *CameraStream) Done() <-chan struct{}           { return c.sess.Done() }
func (c *CameraStream) Err() error                      { return c.sess.Err() }

// Camera returns the camera name.
func (c *CameraStream) Camera() string { return c.sess.Camera() }

// ID returns the current run's session id.
func (c *CameraStream) ID() string { return c.sess.ID() }

func (c *CameraStream) Reader() (Reader, error) {
	p, err := c.sess.Pool()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Warmup acts as a reader for duration, recording when each new frame
// became visible, and returns the resulting rate statistics. Frames
// consumed here are released immediately.
func (c *CameraStream) Warmup(ctx context.Context, duration time.Duration) (RateStats, error) {
	r, err := c.Reader()
	if err != nil {
		return RateStats{}, err
	}

	c.logger.Info("visionbuf: starting warmup",
		"camera", c.Camera(),
		"duration", duration,
	)

	wctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var (
		times []time.Time
		last  uint64
	)
	for {
		h, err := r.AcquireLatest(wctx, last)
		if err != nil {
			if errors.Is(err, ErrNotReady) && ctx.Err() == nil {
				break // warmup window elapsed
			}
			return RateStats{}, fmt.Errorf("visionbuf: warmup: %w", err)
		}
		times = append(times, time.Now())
		last = h.Seq()
		if err := r.Release(h); err != nil {
			c.logger.Warn("visionbuf: warmup release failed", "camera", c.Camera(), "error", err)
		}
	}

	st := ratestats.Compute(times, c.fps)
	c.logger.Info("visionbuf: warmup complete",
		"camera", c.Camera(),
		"frames", st.Frames,
		"fps_mean", st.FPSMean,
		"jitter_mean", st.JitterMean,
		"stable", st.Stable,
	)
	return st, nil
}
