package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/frameunit"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/gpumem"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/ingest"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/source/chansource"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func encode(id uint64, size int) []byte {
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(id)
	}
	return frameunit.Encode(frameunit.Unit{FrameID: id, TimestampEOF: id * 1000, Image: img})
}

// freshSources hands out a new channel source on every Open and remembers
// the latest one.
type freshSources struct {
	mu   sync.Mutex
	last *chansource.Source
}

func (f *freshSources) Open(context.Context) (ingest.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = chansource.New(4)
	return f.last, nil
}

func (f *freshSources) current() *chansource.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func newSession(t *testing.T, opener ingest.Opener, mutate ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		Camera:         "rear",
		SlotSize:       64,
		ReceiveTimeout: 10 * time.Millisecond,
		StopTimeout:    200 * time.Millisecond,
		ExpectedFPS:    20,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg, opener)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{SlotSize: 8}, nil)
	assert.Error(t, err)

	_, err = New(Config{}, &freshSources{})
	assert.Error(t, err)
}

func TestSession_Lifecycle(t *testing.T) {
	srcs := &freshSources{}
	s := newSession(t, srcs)

	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.ID())
	assert.Nil(t, s.Done())

	_, err := s.Pool()
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = s.Stats()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.NoError(t, s.Stop(), "stop while idle is a no-op")

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())
	firstID := s.ID()
	assert.NotEmpty(t, firstID)

	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateIdle, s.State())
	assert.NoError(t, s.Err())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	require.NoError(t, s.Start(context.Background()))
	assert.NotEqual(t, firstID, s.ID(), "each run gets a new id")
	require.NoError(t, s.Stop())
}

func TestSession_FramesReachReaders(t *testing.T) {
	srcs := &freshSources{}
	s := newSession(t, srcs)
	require.NoError(t, s.Start(context.Background()))

	p, err := s.Pool()
	require.NoError(t, err)

	require.NoError(t, srcs.current().Send(encode(1, 32)))
	require.NoError(t, srcs.current().Send([]byte{0x08})) // malformed
	require.NoError(t, srcs.current().Send(encode(2, 40)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var last uint64
	for {
		h, err := p.AcquireLatest(ctx, last)
		require.NoError(t, err)
		last = h.Seq()
		id := h.Metadata().FrameID
		if id == 2 {
			assert.Len(t, h.Data(), 40)
			require.NoError(t, h.Release())
			break
		}
		require.NoError(t, h.Release())
	}

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, "rear", st.Camera)
	assert.Equal(t, uint64(1), st.Ingest.Malformed)
	assert.Equal(t, uint64(2), st.Ingest.Published)
	assert.Equal(t, uint64(2), st.Pool.Published)
}

func TestSession_StopUnblocksReaders(t *testing.T) {
	s := newSession(t, &freshSources{})
	require.NoError(t, s.Start(context.Background()))

	p, err := s.Pool()
	require.NoError(t, err)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := p.AcquireLatest(context.Background(), 0)
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Stop())

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, pool.ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("reader still blocked after Stop")
		}
	}
}

func TestSession_ConcurrentStop(t *testing.T) {
	s := newSession(t, &freshSources{})
	require.NoError(t, s.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Stop())
		}()
	}
	wg.Wait()

	assert.Equal(t, StateIdle, s.State())
}

func TestSession_OpenFailureReleasesPool(t *testing.T) {
	alloc := gpumem.NewHostAllocator()
	boom := errors.New("subject not authorized")

	s := newSession(t, ingest.OpenerFunc(func(context.Context) (ingest.Source, error) {
		return nil, boom
	}), func(c *Config) { c.Allocator = alloc })

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, alloc.Live())
}

func TestSession_TransportErrorSurfaces(t *testing.T) {
	srcs := &freshSources{}
	s := newSession(t, srcs)
	require.NoError(t, s.Start(context.Background()))

	srcs.current().Finish()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not end after source finished")
	}

	var te *ingest.TransportError
	require.ErrorAs(t, s.Err(), &te)
	assert.ErrorIs(t, s.Err(), ingest.ErrSourceClosed)
	assert.Equal(t, StateRunning, s.State(), "owner decides when to stop")

	require.NoError(t, s.Stop())
	assert.ErrorAs(t, s.Err(), &te, "error kept until the next start")
}

// stubbornSource ignores ctx and only returns once closed.
type stubbornSource struct {
	once   sync.Once
	closed chan struct{}
}

func (s *stubbornSource) Receive(context.Context, time.Duration) ([]byte, error) {
	<-s.closed
	return nil, ingest.ErrSourceClosed
}

func (s *stubbornSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestSession_StopClosesStubbornSource(t *testing.T) {
	src := &stubbornSource{closed: make(chan struct{})}
	s := newSession(t, ingest.OpenerFunc(func(context.Context) (ingest.Source, error) {
		return src, nil
	}), func(c *Config) { c.StopTimeout = 20 * time.Millisecond })

	require.NoError(t, s.Start(context.Background()))

	start := time.Now()
	require.NoError(t, s.Stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateIdle, s.State())
}

func TestSession_Metrics(t *testing.T) {
	m := metrics.New("test")
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	srcs := &freshSources{}
	s := newSession(t, srcs, func(c *Config) {
		c.Metrics = m
		c.ExpectedFPS = 1 // refresh gauges on every publish
	})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, srcs.current().Send(encode(1, 8)))

	require.Eventually(t, func() bool {
		st, err := s.Stats()
		return err == nil && st.Ingest.Published == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Stop())

	expected := `
# HELP test_ingest_frames_published_total Frames copied into a slot and published to readers.
# TYPE test_ingest_frames_published_total counter
test_ingest_frames_published_total{camera="rear"} 1
# HELP test_session_state Stream session state (0 idle, 1 running, 2 stopping).
# TYPE test_session_state gauge
test_session_state{camera="rear"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"test_ingest_frames_published_total",
		"test_session_state",
	))
}
