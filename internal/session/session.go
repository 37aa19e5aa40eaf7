// Package session owns the lifetime of one camera stream: its frame pool,
// its source subscription and the ingestion loop between them.
//
// State machine:
//
//	Idle ──Start──▶ Running ──Stop──▶ Stopping ──▶ Idle
//
// Start allocates the pool and opens the source; Stop interrupts the loop,
// stops the pool (waking blocked readers), waits for the loop to exit,
// closes the source and frees the pool. Stop is idempotent and may be
// called from any goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/gpumem"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/ingest"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/ratestats"
)

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyRunning is returned by Start unless the session is Idle.
	ErrAlreadyRunning = errors.New("session: already running")

	// ErrNotRunning is returned by operations that need a running session.
	ErrNotRunning = errors.New("session: not running")
)

// DefaultStopTimeout bounds the wait for the loop before the source is
// closed underneath it.
const DefaultStopTimeout = 2 * time.Second

// Config configures a Session.
type Config struct {
	// Camera names the stream in logs and metrics.
	Camera string

	Slots    int
	SlotSize int

	// Allocator provides slot memory (default: host memory).
	Allocator gpumem.Allocator

	ReceiveTimeout time.Duration
	StopTimeout    time.Duration

	// ExpectedFPS is the nominal camera rate. It sizes the rate window and
	// is the jitter reference.
	ExpectedFPS float64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stats is a snapshot of a running session.
type Stats struct {
	ID     string
	Camera string
	State  State
	Since  time.Time
	Pool   pool.Stats
	Ingest ingest.Stats
	Rate   ratestats.Stats
}

// Session is one camera stream.
type Session struct {
	cfg    Config
	opener ingest.Opener
	logger *slog.Logger
	cam    *metrics.Camera

	mu    sync.Mutex // serializes Start and Stop
	state atomic.Int32

	// Set by Start under mu, read by Stop under mu.
	cancel context.CancelFunc
	src    ingest.Source

	// Published by Start for lock-free readers.
	run atomic.Pointer[run]
}

// run holds everything owned by one Start..Stop cycle.
type run struct {
	id      string
	started time.Time
	pool    *pool.Pool
	loop    *ingest.Loop
	rate    *ratestats.Window

	done    chan struct{}
	loopErr error // written before done is closed
}

// New creates an idle session. Nothing is allocated until Start.
func New(cfg Config, opener ingest.Opener) (*Session, error) {
	if opener == nil {
		return nil, errors.New("session: opener is required")
	}
	if cfg.SlotSize <= 0 {
		return nil, fmt.Errorf("session: invalid slot size %d", cfg.SlotSize)
	}
	if cfg.Slots == 0 {
		cfg.Slots = pool.DefaultSlots
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Camera == "" {
		cfg.Camera = "camera"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		cfg:    cfg,
		opener: opener,
		logger: cfg.Logger.With("camera", cfg.Camera),
		cam:    cfg.Metrics.Camera(cfg.Camera),
	}
	s.cam.SetSessionState(int(StateIdle))
	return s, nil
}

// Start allocates the pool, opens the source and spawns the ingestion
// loop. ctx bounds opening only; the loop runs until Stop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != StateIdle {
		return ErrAlreadyRunning
	}

	r := &run{
		id:      uuid.New().String(),
		started: time.Now(),
		rate:    ratestats.NewWindow(s.rateWindow()),
		done:    make(chan struct{}),
	}
	logger := s.logger.With("session_id", r.id)

	p, err := pool.New(pool.Config{
		Slots:     s.cfg.Slots,
		SlotSize:  s.cfg.SlotSize,
		Allocator: s.cfg.Allocator,
		Logger:    logger,
		OnOverwrite: func(dropped pool.Metadata) {
			s.cam.Overwrite()
			logger.Debug("session: unread frame overwritten", "frame_id", dropped.FrameID)
		},
	})
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	src, err := s.opener.Open(ctx)
	if err != nil {
		_ = p.Close()
		return fmt.Errorf("session: open source: %w", err)
	}

	r.pool = p
	r.loop = ingest.NewLoop(src, p, ingest.Config{
		ReceiveTimeout: s.cfg.ReceiveTimeout,
		Logger:         logger,
		Metrics:        s.cam,
		Rate:           r.rate,
		OnPublish:      s.publishHook(r),
	})

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.src = src
	s.run.Store(r)
	s.setState(StateRunning)

	go func() {
		defer close(r.done)
		r.loopErr = r.loop.Run(loopCtx)
		if r.loopErr != nil {
			logger.Warn("session: ingestion loop ended", "error", r.loopErr)
		}
	}()

	logger.Info("session: started",
		"slots", s.cfg.Slots,
		"slot_bytes", s.cfg.SlotSize,
		"expected_fps", s.cfg.ExpectedFPS,
	)
	return nil
}

func (s *Session) rateWindow() int {
	if s.cfg.ExpectedFPS <= 0 {
		return 32
	}
	return int(s.cfg.ExpectedFPS*2) + 1
}

// publishHook refreshes the slot and rate gauges about once per second of
// frames.
func (s *Session) publishHook(r *run) func(pool.Metadata) {
	if s.cam == nil {
		return nil
	}
	every := uint64(s.cfg.ExpectedFPS)
	if every == 0 {
		every = 10
	}
	var n uint64
	return func(pool.Metadata) {
		n++
		if n%every != 0 {
			return
		}
		st := r.pool.Stats()
		s.cam.SetSlotStates(st.Free, st.Writing, st.Ready, st.Reading)
		s.cam.SetPublishFPS(r.rate.Stats(s.cfg.ExpectedFPS).FPSMean)
	}
}

// Stop tears the session down and returns it to Idle. Stopping an idle
// session is a no-op.
//
// The returned error reports teardown failures only; a loop that died on
// its own is reported by Err.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) == StateIdle {
		return nil
	}
	s.setState(StateStopping)

	r := s.run.Load()
	logger := s.logger.With("session_id", r.id)

	s.cancel()
	r.pool.Stop()

	timer := time.NewTimer(s.cfg.StopTimeout)
	select {
	case <-r.done:
		timer.Stop()
	case <-timer.C:
		// The source ignored cancellation. Closing it unblocks Receive.
		logger.Warn("session: loop did not stop in time, closing source",
			"timeout", s.cfg.StopTimeout,
		)
		_ = s.src.Close()
		<-r.done
	}

	var errs []error
	if err := s.src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close source: %w", err))
	}
	if err := r.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close pool: %w", err))
	}

	st := r.loop.Stats()
	logger.Info("session: stopped",
		"uptime", time.Since(r.started).Round(time.Millisecond),
		"received", st.Received,
		"published", st.Published,
		"malformed", st.Malformed,
		"busy", st.Busy,
	)

	s.cancel = nil
	s.src = nil
	s.setState(StateIdle)
	s.cam.SetSlotStates(0, 0, 0, 0)
	return errors.Join(errs...)
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.cam.SetSessionState(int(st))
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ID returns the id of the current or last run, empty before the first
// Start.
func (s *Session) ID() string {
	if r := s.run.Load(); r != nil {
		return r.id
	}
	return ""
}

// Camera returns the camera name.
func (s *Session) Camera() string {
	return s.cfg.Camera
}

// Pool returns the frame pool for readers. Handles acquired from it fail
// with pool.ErrClosed once the session stops.
func (s *Session) Pool() (*pool.Pool, error) {
	if s.State() != StateRunning {
		return nil, ErrNotRunning
	}
	return s.run.Load().pool, nil
}

// Done is closed when the ingestion loop of the current run exits, either
// through Stop or because the source failed. Returns nil while Idle before
// the first Start.
func (s *Session) Done() <-chan struct{} {
	if r := s.run.Load(); r != nil {
		return r.done
	}
	return nil
}

// Err returns the error that ended the loop of the current or last run:
// nil while running or after a clean stop, an *ingest.TransportError when
// the source failed.
func (s *Session) Err() error {
	r := s.run.Load()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.loopErr
	default:
		return nil
	}
}

// Stats returns a snapshot of the running session.
func (s *Session) Stats() (Stats, error) {
	if s.State() != StateRunning {
		return Stats{}, ErrNotRunning
	}
	r := s.run.Load()

	return Stats{
		ID:     r.id,
		Camera: s.cfg.Camera,
		State:  s.State(),
		Since:  r.started,
		Pool:   r.pool.Stats(),
		Ingest: r.loop.Stats(),
		Rate:   r.rate.Stats(s.cfg.ExpectedFPS),
	}, nil
}
