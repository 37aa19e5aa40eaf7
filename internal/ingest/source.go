package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrReceiveTimeout is returned by Source.Receive when no frame arrived
	// within the timeout. The loop re-checks its stop signal and continues.
	ErrReceiveTimeout = errors.New("ingest: receive timeout")

	// ErrSourceClosed is returned by Source.Receive once the source will
	// deliver no more frames.
	ErrSourceClosed = errors.New("ingest: source closed")
)

// Source delivers serialized frame units.
//
// Receive blocks for at most timeout and must return promptly once ctx is
// done (with ctx.Err()). Receive is called from a single goroutine; Close
// may be called from any goroutine and unblocks a pending Receive.
type Source interface {
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// Opener opens a subscription to a frame source.
type Opener interface {
	Open(ctx context.Context) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Source, error)

// Open calls f(ctx).
func (f OpenerFunc) Open(ctx context.Context) (Source, error) {
	return f(ctx)
}

// TransportError reports that the frame source broke or closed while the
// loop was running. It ends the loop and is surfaced to the session owner.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ingest: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
