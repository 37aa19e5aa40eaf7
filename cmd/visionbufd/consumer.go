package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf"
)

// Consumer stands in for an inference worker: it reads the newest frame,
// checks it against its metadata, holds it for the configured latency and
// releases it.
type Consumer struct {
	id      string
	stream  visionbuf.Stream
	latency time.Duration
	logger  *slog.Logger

	processed atomic.Uint64
	skipped   atomic.Uint64 // frames published while this consumer was busy
	invalid   atomic.Uint64
	lastID    atomic.Uint64
}

// NewConsumer creates a consumer with the given processing latency.
func NewConsumer(id string, stream visionbuf.Stream, latency time.Duration, logger *slog.Logger) *Consumer {
	return &Consumer{
		id:      id,
		stream:  stream,
		latency: latency,
		logger:  logger.With("consumer", id),
	}
}

// Run consumes frames until ctx is done, following the stream across
// restarts.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Debug("visionbufd: consumer started", "latency", c.latency)
	defer c.logger.Debug("visionbufd: consumer stopped", "processed", c.processed.Load())

	for ctx.Err() == nil {
		r, err := c.stream.Reader()
		if err != nil {
			if !sleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		c.consume(ctx, r)
	}
}

// consume reads from one run of the stream until it stops.
func (c *Consumer) consume(ctx context.Context, r visionbuf.Reader) {
	var last uint64
	for {
		h, err := r.AcquireLatest(ctx, last)
		switch {
		case err == nil:
		case errors.Is(err, visionbuf.ErrClosed), ctx.Err() != nil:
			return
		default:
			c.logger.Warn("visionbufd: acquire failed", "error", err)
			return
		}

		if last != 0 && h.Seq() > last+1 {
			c.skipped.Add(h.Seq() - last - 1)
		}
		last = h.Seq()
		c.process(ctx, h)

		if err := r.Release(h); err != nil {
			c.logger.Warn("visionbufd: release failed", "error", err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, h *visionbuf.Handle) {
	md := h.Metadata()
	if len(h.Data()) != int(md.PayloadLen) {
		c.invalid.Add(1)
		c.logger.Warn("visionbufd: payload length mismatch",
			"frame_id", md.FrameID,
			"payload_len", md.PayloadLen,
			"data_len", len(h.Data()),
		)
	}
	c.lastID.Store(md.FrameID)
	sleep(ctx, c.latency)
	c.processed.Add(1)
}

// ConsumerStats is a snapshot of consumer counters.
type ConsumerStats struct {
	ID          string
	Processed   uint64
	Skipped     uint64
	Invalid     uint64
	LastFrameID uint64
}

// Stats returns the consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		ID:          c.id,
		Processed:   c.processed.Load(),
		Skipped:     c.skipped.Load(),
		Invalid:     c.invalid.Load(),
		LastFrameID: c.lastID.Load(),
	}
}

// sleep waits d or until ctx is done; false means ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
