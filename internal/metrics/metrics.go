// Package metrics exposes Prometheus collectors for camera streams.
//
// Collectors are created per Metrics instance (not package globals) so tests
// and multiple daemons in one process use separate registries. Per-camera
// access goes through a *Camera handle; a nil *Camera is a no-op recorder.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons.
const (
	ReasonMalformed = "malformed"
	ReasonOversized = "oversized"
	ReasonBusy      = "busy"
	ReasonCopyError = "copy_error"
	ReasonClosed    = "closed"
)

// Metrics holds the collectors for every camera stream.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	framesPublished *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	overwrites      *prometheus.CounterVec
	outOfOrder      *prometheus.CounterVec
	copyDuration    *prometheus.HistogramVec
	slotState       *prometheus.GaugeVec
	sessionState    *prometheus.GaugeVec
	publishFPS      *prometheus.GaugeVec
}

// New creates unregistered collectors under namespace (default "visionbuf").
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "visionbuf"
	}

	return &Metrics{
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "frames_received_total",
				Help:      "Frame units received from the source.",
			},
			[]string{"camera"},
		),
		framesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "frames_published_total",
				Help:      "Frames copied into a slot and published to readers.",
			},
			[]string{"camera"},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "frames_dropped_total",
				Help:      "Frames dropped before publish, by reason.",
			},
			[]string{"camera", "reason"}, // reason: malformed|oversized|busy|copy_error|closed
		),
		overwrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "overwrites_total",
				Help:      "Published frames reclaimed before any reader acquired them.",
			},
			[]string{"camera"},
		),
		outOfOrder: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "out_of_order_total",
				Help:      "Frames whose id did not advance past the previous frame.",
			},
			[]string{"camera"},
		),
		copyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "copy_duration_seconds",
				Help:      "Time from slot selection to publish.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 100µs to ~200ms
			},
			[]string{"camera"},
		),
		slotState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "slots",
				Help:      "Slots per rotation state.",
			},
			[]string{"camera", "state"}, // state: free|writing|ready|reading
		),
		sessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "state",
				Help:      "Stream session state (0 idle, 1 running, 2 stopping).",
			},
			[]string{"camera"},
		),
		publishFPS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "publish_fps",
				Help:      "Mean publish rate over the rolling window.",
			},
			[]string{"camera"},
		),
	}
}

// Collectors returns every collector, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.framesReceived,
		m.framesPublished,
		m.framesDropped,
		m.overwrites,
		m.outOfOrder,
		m.copyDuration,
		m.slotState,
		m.sessionState,
		m.publishFPS,
	}
}

// Register registers every collector with reg. Collectors that are already
// registered are tolerated.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Camera returns the recorder for one camera. A nil Metrics yields a nil
// recorder.
func (m *Metrics) Camera(name string) *Camera {
	if m == nil {
		return nil
	}
	return &Camera{m: m, name: name}
}

// Camera records metrics for one camera stream. All methods accept a nil
// receiver.
type Camera struct {
	m    *Metrics
	name string
}

// FrameReceived counts one frame unit from the source.
func (c *Camera) FrameReceived() {
	if c == nil {
		return
	}
	c.m.framesReceived.WithLabelValues(c.name).Inc()
}

// FramePublished counts one publish and observes the copy duration.
func (c *Camera) FramePublished(copyDur time.Duration) {
	if c == nil {
		return
	}
	c.m.framesPublished.WithLabelValues(c.name).Inc()
	c.m.copyDuration.WithLabelValues(c.name).Observe(copyDur.Seconds())
}

// FrameDropped counts one dropped frame.
func (c *Camera) FrameDropped(reason string) {
	if c == nil {
		return
	}
	c.m.framesDropped.WithLabelValues(c.name, reason).Inc()
}

// Overwrite counts one unread frame reclaimed by the producer.
func (c *Camera) Overwrite() {
	if c == nil {
		return
	}
	c.m.overwrites.WithLabelValues(c.name).Inc()
}

// OutOfOrder counts one frame id that did not advance.
func (c *Camera) OutOfOrder() {
	if c == nil {
		return
	}
	c.m.outOfOrder.WithLabelValues(c.name).Inc()
}

// SetSlotStates sets the per-state slot gauges.
func (c *Camera) SetSlotStates(free, writing, ready, reading int) {
	if c == nil {
		return
	}
	c.m.slotState.WithLabelValues(c.name, "free").Set(float64(free))
	c.m.slotState.WithLabelValues(c.name, "writing").Set(float64(writing))
	c.m.slotState.WithLabelValues(c.name, "ready").Set(float64(ready))
	c.m.slotState.WithLabelValues(c.name, "reading").Set(float64(reading))
}

// SetSessionState sets the session state gauge.
func (c *Camera) SetSessionState(state int) {
	if c == nil {
		return
	}
	c.m.sessionState.WithLabelValues(c.name).Set(float64(state))
}

// SetPublishFPS sets the rolling publish rate.
func (c *Camera) SetPublishFPS(fps float64) {
	if c == nil {
		return
	}
	c.m.publishFPS.WithLabelValues(c.name).Set(fps)
}
