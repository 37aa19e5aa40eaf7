package main

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/frameunit"
)

var tinySensor = config.Sensor{Name: "tiny", Width: 4, Height: 3, Stride: 6}

func TestSimulator_Frame(t *testing.T) {
	sim := &Simulator{Subject: "camera.rear", Sensor: tinySensor, RunID: "run-1"}

	msg, kind := sim.Frame(3)
	assert.Equal(t, frameGood, kind)
	assert.Equal(t, "camera.rear", msg.Subject)
	assert.Equal(t, "run-1", msg.Header.Get(RunHeader))

	u, err := frameunit.Decode(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), u.FrameID)
	assert.Equal(t, uint32(18), u.PayloadLen)
	require.Len(t, u.Image, 18)
	assert.Equal(t, byte(3), u.Image[0])
	assert.Equal(t, byte(2+3), u.Image[2*6], "row 2, column 0")
}

func TestSimulator_Faults(t *testing.T) {
	sim := &Simulator{
		Subject: "camera.front",
		Sensor:  tinySensor,
		Faults:  Faults{MalformedEvery: 2, OversizeEvery: 3},
	}

	msg, kind := sim.Frame(4)
	assert.Equal(t, frameMalformed, kind)
	_, err := frameunit.Decode(msg.Data)
	assert.ErrorIs(t, err, frameunit.ErrMalformed)

	msg, kind = sim.Frame(9)
	assert.Equal(t, frameOversized, kind)
	u, err := frameunit.Decode(msg.Data)
	require.NoError(t, err)
	assert.Greater(t, int(u.PayloadLen), tinySensor.FrameSize())

	_, kind = sim.Frame(6)
	assert.Equal(t, frameMalformed, kind, "malformed wins when both apply")
}

func TestSimulator_RunCount(t *testing.T) {
	var got []uint64
	sim := &Simulator{
		Subject: "camera.rear",
		Sensor:  tinySensor,
		Publish: func(m *nats.Msg) error {
			u, err := frameunit.Decode(m.Data)
			if err != nil {
				return err
			}
			got = append(got, u.FrameID)
			return nil
		},
	}

	st := sim.Run(context.Background(), 10, 3, time.Millisecond)
	assert.Equal(t, uint64(3), st.Published)
	assert.Equal(t, []uint64{10, 11, 12}, got)
}
