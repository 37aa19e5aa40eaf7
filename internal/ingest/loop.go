// Package ingest drives a frame pool from an external frame source.
//
// One Loop is the single producer of its pool. Per frame:
//
//	receive → decode → validate size → select slot → set metadata
//	        → map / copy / unmap → publish
//
// Bad frames are local failures: malformed or oversized units, busy pools
// and failed copies are counted, logged and skipped. Only a broken source
// (TransportError) or a usage error ends the loop with an error; a stop
// request ends it cleanly.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/frameunit"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/gpumem"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/ratestats"
)

// DefaultReceiveTimeout bounds each receive so the stop signal is observed
// even from a source that ignores ctx.
const DefaultReceiveTimeout = 100 * time.Millisecond

// SlotWriter is the producer side of a frame pool. *pool.Pool implements it.
type SlotWriter interface {
	SlotSize() int
	SelectWriteSlot() (int, error)
	SetMetadata(idx int, m pool.Metadata) error
	WriteRegion(idx int) (gpumem.Region, error)
	Publish(idx int) error
	Abort(idx int) error
}

// Config configures a Loop.
type Config struct {
	// ReceiveTimeout bounds each Source.Receive (default DefaultReceiveTimeout).
	ReceiveTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records per-frame counters. Nil disables.
	Metrics *metrics.Camera

	// Rate, when set, receives the time of every publish.
	Rate *ratestats.Window

	// OnPublish is called on the loop goroutine after each publish.
	OnPublish func(m pool.Metadata)
}

// Stats counts what the loop did with each received frame unit.
type Stats struct {
	Received   uint64
	Published  uint64
	Malformed  uint64
	Oversized  uint64
	Busy       uint64
	CopyErrors uint64
	Timeouts   uint64
	OutOfOrder uint64

	// LastFrameID is the id of the last published frame.
	LastFrameID uint64
}

// Loop is the frame ingestion loop.
type Loop struct {
	src    Source
	pool   SlotWriter
	cfg    Config
	logger *slog.Logger

	received   atomic.Uint64
	published  atomic.Uint64
	malformed  atomic.Uint64
	oversized  atomic.Uint64
	busy       atomic.Uint64
	copyErrors atomic.Uint64
	timeouts   atomic.Uint64
	outOfOrder atomic.Uint64
	lastID     atomic.Uint64

	running atomic.Bool
}

// errStopped is internal: the pool was stopped under the loop.
var errStopped = errors.New("ingest: pool stopped")

// NewLoop creates a loop feeding w from src.
func NewLoop(src Source, w SlotWriter, cfg Config) *Loop {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Loop{
		src:    src,
		pool:   w,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Run receives frames until ctx is done, the source closes or the pool
// stops. Run must not be called concurrently with itself.
//
// Returns nil on a stop request (ctx done or pool stopped), a
// *TransportError when the source closed or broke, and a wrapped pool usage
// error if the loop's own protocol was violated.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("ingest: loop already running")
	}
	defer l.running.Store(false)

	l.logger.Debug("ingest: loop started", "receive_timeout", l.cfg.ReceiveTimeout)

	for {
		if ctx.Err() != nil {
			l.logger.Debug("ingest: loop stopped", "received", l.received.Load())
			return nil
		}

		msg, err := l.src.Receive(ctx, l.cfg.ReceiveTimeout)
		if err != nil {
			switch {
			case errors.Is(err, ErrReceiveTimeout):
				l.timeouts.Add(1)
				continue
			case ctx.Err() != nil:
				// Interrupted by stop.
				continue
			default:
				l.logger.Warn("ingest: source failed, ending loop", "error", err)
				return &TransportError{Err: err}
			}
		}

		if err := l.ingest(msg); err != nil {
			if errors.Is(err, errStopped) {
				l.logger.Debug("ingest: pool stopped, ending loop")
				return nil
			}
			l.logger.Error("ingest: protocol error, ending loop", "error", err)
			return err
		}
	}
}

// ingest handles one frame unit. A non-nil error ends the loop.
func (l *Loop) ingest(msg []byte) error {
	l.received.Add(1)
	l.cfg.Metrics.FrameReceived()

	unit, err := frameunit.Decode(msg)
	if err != nil {
		l.malformed.Add(1)
		l.cfg.Metrics.FrameDropped(metrics.ReasonMalformed)
		l.logger.Warn("ingest: dropping malformed frame unit",
			"error", err,
			"size_bytes", len(msg),
		)
		return nil
	}

	// Validate before selecting so a rejected frame leaves every slot and
	// metadata entry untouched.
	if int64(unit.PayloadLen) > int64(l.pool.SlotSize()) {
		l.oversized.Add(1)
		l.cfg.Metrics.FrameDropped(metrics.ReasonOversized)
		l.logger.Warn("ingest: dropping oversized frame",
			"frame_id", unit.FrameID,
			"payload_bytes", unit.PayloadLen,
			"slot_bytes", l.pool.SlotSize(),
		)
		return nil
	}

	idx, err := l.pool.SelectWriteSlot()
	switch {
	case err == nil:
	case errors.Is(err, pool.ErrAllSlotsBusy):
		l.busy.Add(1)
		l.cfg.Metrics.FrameDropped(metrics.ReasonBusy)
		l.logger.Debug("ingest: all slots held by readers, dropping frame", "frame_id", unit.FrameID)
		return nil
	case errors.Is(err, pool.ErrClosed):
		l.cfg.Metrics.FrameDropped(metrics.ReasonClosed)
		return errStopped
	default:
		return fmt.Errorf("ingest: select slot: %w", err)
	}

	start := time.Now()
	meta := pool.Metadata{
		FrameID:      unit.FrameID,
		TimestampEOF: unit.TimestampEOF,
		PayloadLen:   unit.PayloadLen,
		IntegLines:   unit.IntegLines,
		GlobalGain:   unit.GlobalGain,
	}

	if err := l.write(idx, meta, unit.Image); err != nil {
		if abortErr := l.pool.Abort(idx); abortErr != nil {
			return fmt.Errorf("ingest: abort slot %d: %w", idx, abortErr)
		}
		l.copyErrors.Add(1)
		l.cfg.Metrics.FrameDropped(metrics.ReasonCopyError)
		l.logger.Warn("ingest: copy into slot failed, frame dropped",
			"frame_id", meta.FrameID,
			"slot", idx,
			"error", err,
		)
		return nil
	}

	if err := l.pool.Publish(idx); err != nil {
		if errors.Is(err, pool.ErrClosed) {
			l.cfg.Metrics.FrameDropped(metrics.ReasonClosed)
			return errStopped
		}
		return fmt.Errorf("ingest: publish slot %d: %w", idx, err)
	}

	now := time.Now()
	l.published.Add(1)
	l.cfg.Metrics.FramePublished(now.Sub(start))
	if l.cfg.Rate != nil {
		l.cfg.Rate.Add(now)
	}

	// Ids pass through as received; regressions are only counted.
	prev := l.lastID.Swap(meta.FrameID)
	if l.published.Load() > 1 && meta.FrameID <= prev {
		l.outOfOrder.Add(1)
		l.cfg.Metrics.OutOfOrder()
		l.logger.Debug("ingest: frame id did not advance",
			"frame_id", meta.FrameID,
			"previous", prev,
		)
	}

	if l.cfg.OnPublish != nil {
		l.cfg.OnPublish(meta)
	}
	return nil
}

// write fills slot idx with meta and image. The region is mapped only
// around the copy.
func (l *Loop) write(idx int, meta pool.Metadata, image []byte) error {
	if err := l.pool.SetMetadata(idx, meta); err != nil {
		return err
	}

	region, err := l.pool.WriteRegion(idx)
	if err != nil {
		return err
	}

	return gpumem.WithWriteMapping(region, func(view []byte) error {
		if len(image) > len(view) {
			return fmt.Errorf("%w: %d > %d bytes", pool.ErrPayloadTooLarge, len(image), len(view))
		}
		copy(view, image)
		return nil
	})
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Received:    l.received.Load(),
		Published:   l.published.Load(),
		Malformed:   l.malformed.Load(),
		Oversized:   l.oversized.Load(),
		Busy:        l.busy.Load(),
		CopyErrors:  l.copyErrors.Load(),
		Timeouts:    l.timeouts.Load(),
		OutOfOrder:  l.outOfOrder.Load(),
		LastFrameID: l.lastID.Load(),
	}
}
