// Package gstsource decodes an RTSP H.264 stream with GStreamer and delivers
// each decoded RGB frame as a serialized frame unit.
//
// A supervisor goroutine owns the pipeline. It connects with backoff, waits
// for PLAYING, then watches the bus; EOS or an error tears the pipeline down
// and the supervisor reconnects. Auth failures are not retried. Only when
// reconnecting gives up does Receive report ingest.ErrSourceClosed.
//
// The appsink callback and Receive meet on a one-slot channel: a frame not
// yet taken by the loop is replaced by the newer one.
package gstsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/frameunit"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/ingest"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/retry"
)

// DefaultPlayTimeout bounds the wait for a new pipeline to reach PLAYING.
const DefaultPlayTimeout = 10 * time.Second

// Config configures an RTSP source.
type Config struct {
	RTSPURL string
	Width   int
	Height  int
	FPS     int

	Reconnect   retry.Config
	PlayTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) validate() error {
	var errs []error
	if c.RTSPURL == "" {
		errs = append(errs, errors.New("rtsp url is required"))
	}
	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid resolution %dx%d", c.Width, c.Height))
	}
	if c.FPS <= 0 {
		errs = append(errs, fmt.Errorf("invalid fps %d", c.FPS))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("gstsource: %w", err)
	}
	return nil
}

// Source is an ingest.Source fed by a GStreamer pipeline.
type Source struct {
	cfg    Config
	logger *slog.Logger
	start  time.Time

	frames chan []byte

	frameID   atomic.Uint64
	dropped   atomic.Uint64
	reconnect retry.State

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	err       error // written before done is closed
}

// Open starts the supervisor and returns immediately. Connection problems
// surface as retries in the log and, once retries run out, through Receive.
func Open(cfg Config) (*Source, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PlayTimeout <= 0 {
		cfg.PlayTimeout = DefaultPlayTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		cfg:    cfg,
		logger: cfg.Logger.With("rtsp_url", cfg.RTSPURL),
		start:  time.Now(),
		frames: make(chan []byte, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		s.err = s.supervise(ctx)
	}()
	return s, nil
}

// Opener returns an opener that starts a new pipeline per session run.
func Opener(cfg Config) ingest.Opener {
	return ingest.OpenerFunc(func(context.Context) (ingest.Source, error) {
		return Open(cfg)
	})
}

// supervise connects, monitors and reconnects until ctx is done or
// retries are exhausted. Returns nil on cancellation.
func (s *Source) supervise(ctx context.Context) error {
	for {
		var p *pipeline
		err := retry.Do(ctx, "gstsource", s.cfg.Reconnect, &s.reconnect, func(ctx context.Context) error {
			var err error
			p, err = s.connect(ctx)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("gstsource: giving up on stream", "error", err)
			return err
		}

		err = s.monitor(ctx, p)
		if derr := p.destroy(); derr != nil {
			s.logger.Warn("gstsource: teardown failed", "error", derr)
		}
		if err == nil {
			return nil
		}
		if fatal(err) {
			s.logger.Error("gstsource: stream failed, not reconnecting", "error", err)
			return err
		}
		s.logger.Warn("gstsource: stream interrupted, reconnecting",
			"error", err,
			"frames", s.frameID.Load(),
		)
	}
}

// connect builds a pipeline and waits until it is PLAYING.
func (s *Source) connect(ctx context.Context) (*pipeline, error) {
	p, err := buildPipeline(s.cfg)
	if err != nil {
		return nil, err
	}
	p.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onSample,
	})

	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		_ = p.destroy()
		return nil, fmt.Errorf("gstsource: set pipeline PLAYING: %w", err)
	}

	bus := p.pipeline.GetPipelineBus()
	deadline := time.Now().Add(s.cfg.PlayTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			_ = p.destroy()
			return nil, ctx.Err()
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			_ = p.destroy()
			perr := busError(msg.ParseError())
			if !perr.Category.Retryable() {
				return nil, retry.Permanent(perr)
			}
			return nil, perr
		case gst.MessageEOS:
			_ = p.destroy()
			return nil, errors.New("gstsource: end of stream before playing")
		case gst.MessageStateChanged:
			if msg.Source() != p.pipeline.GetName() {
				continue
			}
			if _, next := msg.ParseStateChanged(); next == gst.StatePlaying {
				s.logger.Info("gstsource: pipeline playing",
					"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
					"fps", s.cfg.FPS,
				)
				return p, nil
			}
		}
	}

	_ = p.destroy()
	return nil, fmt.Errorf("gstsource: pipeline not playing after %s", s.cfg.PlayTimeout)
}

// monitor watches the bus of a playing pipeline. Returns nil when ctx is
// done and an error on EOS or a pipeline error.
func (s *Source) monitor(ctx context.Context, p *pipeline) error {
	bus := p.pipeline.GetPipelineBus()
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return errors.New("gstsource: end of stream")
		case gst.MessageError:
			return busError(msg.ParseError())
		}
	}
}

func busError(gerr *gst.GError) *PipelineError {
	perr := &PipelineError{Category: classifyGError(gerr)}
	if gerr != nil {
		perr.Message = gerr.Error()
		slog.Debug("gstsource: pipeline error detail", "debug", gerr.DebugString())
	}
	return perr
}

// fatal reports whether err rules out reconnecting.
func fatal(err error) bool {
	var perr *PipelineError
	return errors.As(err, &perr) && !perr.Category.Retryable()
}

// onSample runs on a GStreamer streaming thread.
func (s *Source) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}

	// Encode copies the image, so the buffer can be unmapped right after.
	msg := frameunit.Encode(frameunit.Unit{
		FrameID:      s.frameID.Add(1),
		TimestampEOF: uint64(time.Since(s.start)),
		PayloadLen:   uint32(len(data)),
		Image:        data,
	})
	buffer.Unmap()

	s.offer(msg)
	return gst.FlowOK
}

// offer replaces an untaken frame with msg.
func (s *Source) offer(msg []byte) {
	for {
		select {
		case s.frames <- msg:
			return
		default:
		}
		select {
		case <-s.frames:
			s.dropped.Add(1)
		default:
		}
	}
}

// Receive implements ingest.Source.
func (s *Source) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-s.frames:
		return msg, nil
	case <-s.done:
		if s.err != nil {
			return nil, fmt.Errorf("%w: %v", ingest.ErrSourceClosed, s.err)
		}
		return nil, ingest.ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ingest.ErrReceiveTimeout
	}
}

// Close stops the supervisor and tears the pipeline down. Idempotent.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.logger.Info("gstsource: closed",
			"frames", s.frameID.Load(),
			"dropped", s.dropped.Load(),
			"connect_attempts", s.reconnect.Attempts(),
		)
	})
	return nil
}

// Frames returns the number of decoded frames.
func (s *Source) Frames() uint64 { return s.frameID.Load() }

// Dropped returns decoded frames replaced before the loop took them.
func (s *Source) Dropped() uint64 { return s.dropped.Load() }
