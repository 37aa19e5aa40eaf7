// Package chansource is an in-process frame source backed by a channel.
//
// Used by tests, the local demo and anything that already holds encoded
// frame units in memory. Sends never block: when the buffer is full the
// oldest queued frame is discarded (the pool would drop it anyway).
package chansource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/ingest"
)

// Source is a channel-backed ingest.Source.
type Source struct {
	ch chan []byte

	mu       sync.Mutex // serializes senders against Finish
	finished bool
	eof      chan struct{}

	closeOnce sync.Once
	done      chan struct{}

	dropped atomic.Uint64
}

// New returns a source buffering up to buffer frames (minimum 1).
func New(buffer int) *Source {
	if buffer < 1 {
		buffer = 1
	}
	return &Source{
		ch:   make(chan []byte, buffer),
		eof:  make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Send queues one frame unit. When the buffer is full the oldest queued
// frame is discarded. Returns ingest.ErrSourceClosed after Finish or Close.
func (s *Source) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return ingest.ErrSourceClosed
	}
	select {
	case <-s.done:
		return ingest.ErrSourceClosed
	default:
	}

	for {
		select {
		case s.ch <- msg:
			return nil
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Finish marks the end of the stream. Queued frames are still delivered;
// after them Receive returns ingest.ErrSourceClosed.
func (s *Source) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.finished {
		s.finished = true
		close(s.eof)
	}
}

// Dropped returns how many queued frames were discarded by Send.
func (s *Source) Dropped() uint64 {
	return s.dropped.Load()
}

// Receive implements ingest.Source.
func (s *Source) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case <-s.done:
		return nil, ingest.ErrSourceClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.eof:
		select {
		case msg := <-s.ch:
			return msg, nil
		default:
			return nil, ingest.ErrSourceClosed
		}
	case <-s.done:
		return nil, ingest.ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ingest.ErrReceiveTimeout
	}
}

// Close unblocks Receive and discards queued frames. Idempotent.
func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Opener returns an opener that hands out s. The source is shared, so a
// session restarted on the same opener resumes the same stream; a closed
// source cannot be reopened.
func (s *Source) Opener() ingest.Opener {
	return ingest.OpenerFunc(func(ctx context.Context) (ingest.Source, error) {
		select {
		case <-s.done:
			return nil, ingest.ErrSourceClosed
		default:
			return s, nil
		}
	})
}
