// Package natssource receives frame units from a NATS subject.
//
// Each camera publishes encoded frame units on its own subject. A Source
// wraps one synchronous subscription with a bounded pending queue. Receive
// drains the queue and returns the newest queued frame, counting the older
// ones as skipped. Once the queue is full NATS drops incoming frames and
// reports a slow-consumer event, which is logged and counted as a gap.
package natssource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/ingest"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/retry"
)

// DefaultPendingMsgs bounds queued frames per subscription. Frames are
// large and stale ones are skipped on the next Receive.
const DefaultPendingMsgs = 4

// ConnConfig configures the NATS connection.
type ConnConfig struct {
	URL           string
	Name          string        // client name shown by the server
	Timeout       time.Duration // dial timeout (default: 2 seconds)
	ReconnectWait time.Duration // wait between client reconnects (default: 1 second)
	MaxReconnects int           // client reconnects after a drop; -1 forever (default: -1)

	// Retry governs the initial connect.
	Retry retry.Config

	Logger *slog.Logger
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "visionbuf"
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Options returns the nats.Option set for cfg.
func (c ConnConfig) Options() []nats.Option {
	c = c.withDefaults()
	logger := c.Logger

	return []nats.Option{
		nats.Name(c.Name),
		nats.Timeout(c.Timeout),
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("natssource: disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("natssource: reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug("natssource: connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("natssource: async error", "subject", subject, "error", err)
		}),
	}
}

// Connect dials NATS, retrying with exponential backoff per cfg.Retry.
func Connect(ctx context.Context, cfg ConnConfig) (*nats.Conn, error) {
	cfg = cfg.withDefaults()
	opts := cfg.Options()

	var conn *nats.Conn
	err := retry.Do(ctx, "natssource", cfg.Retry, nil, func(context.Context) error {
		c, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("natssource: connect %s: %w", cfg.URL, err)
	}

	cfg.Logger.Info("natssource: connected", "url", conn.ConnectedUrl(), "name", cfg.Name)
	return conn, nil
}

// subscription is the part of *nats.Subscription a Source uses.
type subscription interface {
	NextMsgWithContext(ctx context.Context) (*nats.Msg, error)
	Pending() (int, int, error)
	Unsubscribe() error
}

// Source is an ingest.Source over one NATS subscription.
type Source struct {
	sub     subscription
	subject string
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	received atomic.Uint64
	skipped  atomic.Uint64
	gaps     atomic.Uint64
}

func newSource(sub subscription, subject string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		sub:     sub,
		subject: subject,
		logger:  logger.With("subject", subject),
	}
}

// Subscribe opens a synchronous subscription on subject. The connection is
// shared and not closed by the Source.
func Subscribe(conn *nats.Conn, subject string, pendingMsgs int, logger *slog.Logger) (*Source, error) {
	if pendingMsgs <= 0 {
		pendingMsgs = DefaultPendingMsgs
	}

	sub, err := conn.SubscribeSync(subject)
	if err != nil {
		return nil, fmt.Errorf("natssource: subscribe %q: %w", subject, err)
	}
	if err := sub.SetPendingLimits(pendingMsgs, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("natssource: pending limits %q: %w", subject, err)
	}

	return newSource(sub, subject, logger), nil
}

// Opener returns an ingest.Opener that subscribes to subject on conn each
// time a session starts.
func Opener(conn *nats.Conn, subject string, pendingMsgs int, logger *slog.Logger) ingest.Opener {
	return ingest.OpenerFunc(func(ctx context.Context) (ingest.Source, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Subscribe(conn, subject, pendingMsgs, logger)
	})
}

// Receive implements ingest.Source.
func (s *Source) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if s.closed.Load() {
		return nil, ingest.ErrSourceClosed
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		msg, err := s.sub.NextMsgWithContext(rctx)
		if err == nil {
			s.received.Add(1)
			return s.newest(rctx, msg).Data, nil
		}

		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, ingest.ErrReceiveTimeout
		case errors.Is(err, nats.ErrSlowConsumer):
			// Older frames were discarded by the pending limit. Keep going.
			s.gaps.Add(1)
			s.logger.Debug("natssource: slow consumer, frames skipped")
			continue
		case s.closed.Load(),
			errors.Is(err, nats.ErrBadSubscription),
			errors.Is(err, nats.ErrConnectionClosed):
			return nil, fmt.Errorf("%w: %w", ingest.ErrSourceClosed, err)
		default:
			return nil, err
		}
	}
}

// newest takes every message already queued behind msg and returns the
// last one. Queued messages never block NextMsgWithContext.
func (s *Source) newest(ctx context.Context, msg *nats.Msg) *nats.Msg {
	n, _, err := s.sub.Pending()
	if err != nil {
		return msg
	}
	for ; n > 0; n-- {
		next, err := s.sub.NextMsgWithContext(ctx)
		if errors.Is(err, nats.ErrSlowConsumer) {
			s.gaps.Add(1)
			continue
		}
		if err != nil {
			break // reported by the next Receive
		}
		s.received.Add(1)
		s.skipped.Add(1)
		msg = next
	}
	return msg
}

// Close unsubscribes. A pending Receive returns ingest.ErrSourceClosed.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.sub.Unsubscribe()
		if errors.Is(s.closeErr, nats.ErrConnectionClosed) {
			s.closeErr = nil
		}
		s.logger.Debug("natssource: unsubscribed",
			"received", s.received.Load(),
			"skipped", s.skipped.Load(),
			"gaps", s.gaps.Load(),
		)
	})
	return s.closeErr
}

// Received returns how many messages were delivered.
func (s *Source) Received() uint64 {
	return s.received.Load()
}

// Skipped returns how many received frames were passed over for a newer
// queued one.
func (s *Source) Skipped() uint64 {
	return s.skipped.Load()
}

// Gaps returns how many slow-consumer events were skipped.
func (s *Source) Gaps() uint64 {
	return s.gaps.Load()
}
