package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/frameunit"
)

// Faults selects which frames are corrupted on purpose.
type Faults struct {
	MalformedEvery uint64
	OversizeEvery  uint64
}

// SimStats counts what the simulator sent.
type SimStats struct {
	Published uint64
	Malformed uint64
	Oversized uint64
	Errors    uint64
}

// Simulator produces frame units for one camera.
type Simulator struct {
	Publish func(*nats.Msg) error
	Subject string
	Sensor  config.Sensor
	RunID   string
	Faults  Faults

	start time.Time
	buf   []byte
}

// Run publishes one frame per interval starting at firstID. count 0 runs
// until ctx is done.
func (s *Simulator) Run(ctx context.Context, firstID, count uint64, interval time.Duration) SimStats {
	var st SimStats
	s.start = time.Now()

	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for id := firstID; count == 0 || id < firstID+count; id++ {
		if err := limiter.Wait(ctx); err != nil {
			return st
		}

		msg, kind := s.Frame(id)
		if err := s.Publish(msg); err != nil {
			st.Errors++
			slog.Warn("framesim: publish failed", "frame_id", id, "error", err)
		} else {
			switch kind {
			case frameMalformed:
				st.Malformed++
			case frameOversized:
				st.Oversized++
			}
			st.Published++
		}
	}
	return st
}

type frameKind int

const (
	frameGood frameKind = iota
	frameMalformed
	frameOversized
)

// Frame builds the message for frame id, applying the configured faults.
func (s *Simulator) Frame(id uint64) (*nats.Msg, frameKind) {
	kind := frameGood
	switch {
	case every(id, s.Faults.MalformedEvery):
		kind = frameMalformed
	case every(id, s.Faults.OversizeEvery):
		kind = frameOversized
	}

	size := s.Sensor.FrameSize()
	if kind == frameOversized {
		size += s.Sensor.Stride
	}

	img := s.image(id, size)
	u := frameunit.Unit{
		FrameID:      id,
		TimestampEOF: uint64(time.Since(s.start)),
		IntegLines:   uint32(s.Sensor.Height / 2),
		GlobalGain:   16,
		PayloadLen:   uint32(len(img)),
		Image:        img,
	}
	data := frameunit.Encode(u)
	if kind == frameMalformed {
		// Cut inside the image field: the declared length no longer fits.
		data = data[:len(data)-len(img)/2]
	}

	msg := nats.NewMsg(s.Subject)
	msg.Header.Set(RunHeader, s.RunID)
	msg.Data = data
	return msg, kind
}

// image fills a row-major test pattern: each row is a ramp shifted by the
// frame id, so a torn frame shows up as a discontinuity.
func (s *Simulator) image(id uint64, size int) []byte {
	if cap(s.buf) < size {
		s.buf = make([]byte, size)
	}
	img := s.buf[:size]
	stride := s.Sensor.Stride
	for i := range img {
		row, col := i/stride, i%stride
		img[i] = byte(uint64(row+col) + id)
	}
	return img
}

func every(id, n uint64) bool {
	return n > 0 && id%n == 0
}
