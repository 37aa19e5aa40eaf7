package visionbuf

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/frameunit"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/retry"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/source/natssource"
)

// FrameUnit is one frame as carried on the camera stream. A Source returns
// encoded frame units from Receive.
type FrameUnit = frameunit.Unit

// ErrMalformedFrame wraps every frame unit decode failure.
var ErrMalformedFrame = frameunit.ErrMalformed

// EncodeFrame serializes u. PayloadLen is taken from len(u.Image).
func EncodeFrame(u FrameUnit) []byte { return frameunit.Encode(u) }

// DecodeFrame parses msg. The returned Image aliases msg.
func DecodeFrame(msg []byte) (FrameUnit, error) { return frameunit.Decode(msg) }

// Metrics holds the Prometheus collectors shared by every stream of a
// process. Register it once with m.Register.
type Metrics = metrics.Metrics

// NewMetrics creates collectors under namespace.
func NewMetrics(namespace string) *Metrics { return metrics.New(namespace) }

type (
	RetryConfig = retry.Config
	NATSConfig  = natssource.ConnConfig
)

// ConnectNATS dials NATS, retrying with backoff per cfg.Retry.
func ConnectNATS(ctx context.Context, cfg NATSConfig) (*nats.Conn, error) {
	return natssource.Connect(ctx, cfg)
}

// NATSOpener subscribes to subject on conn each time a stream starts.
// pendingMsgs bounds the frames queued for a lagging stream (0 uses the
// default).
func NATSOpener(conn *nats.Conn, subject string, pendingMsgs int, logger *slog.Logger) Opener {
	return natssource.Opener(conn, subject, pendingMsgs, logger)
}
