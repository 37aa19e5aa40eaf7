package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// doneToken is an already completed mqtt.Token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type pub struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu        sync.Mutex
	pubs      []pub
	handler   mqtt.MessageHandler
	subscribe chan struct{}
	unsubbed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscribe: make(chan struct{})}
}

func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, pub{topic, payload.([]byte)})
	return doneToken{}
}

func (f *fakeClient) Subscribe(_ string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	f.handler = cb
	f.mu.Unlock()
	close(f.subscribe)
	return doneToken{}
}

func (f *fakeClient) Unsubscribe(...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed = true
	return doneToken{}
}

func (f *fakeClient) published(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, p := range f.pubs {
		if p.topic == topic {
			out = append(out, p.payload)
		}
	}
	return out
}

// streams is a fake set of cameras.
type streams struct {
	mu      sync.Mutex
	running map[string]bool
}

func (s *streams) callbacks() Callbacks {
	return Callbacks{
		Status: func() []StreamStatus {
			s.mu.Lock()
			defer s.mu.Unlock()
			var out []StreamStatus
			for _, name := range []string{"front", "rear"} {
				state := "idle"
				if s.running[name] {
					state = "running"
				}
				out = append(out, StreamStatus{Camera: name, State: state})
			}
			return out
		},
		Start: func(_ context.Context, camera string) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.running[camera]; !ok {
				return errors.New("unknown camera")
			}
			s.running[camera] = true
			return nil
		},
		Stop: func(camera string) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.running[camera]; !ok {
				return errors.New("unknown camera")
			}
			s.running[camera] = false
			return nil
		},
	}
}

func newStreams() *streams {
	return &streams{running: map[string]bool{"rear": true, "front": false}}
}

func TestExecute(t *testing.T) {
	st := newStreams()
	h := NewHandler(newFakeClient(), Config{TopicPrefix: "visionbuf/test"}, st.callbacks())
	ctx := context.Background()

	resp := h.Execute(ctx, Command{Command: "status"})
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 2)

	resp = h.Execute(ctx, Command{Command: "start", Camera: "front"})
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, st.running["front"])

	resp = h.Execute(ctx, Command{Command: "restart", Camera: "rear"})
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, st.running["rear"])

	resp = h.Execute(ctx, Command{Command: "stop"})
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "camera is required")

	resp = h.Execute(ctx, Command{Command: "stop", Camera: "side"})
	assert.Equal(t, "error", resp.Status)

	resp = h.Execute(ctx, Command{Command: "pause"})
	assert.Contains(t, resp.Error, "unknown command")

	executed, failed, _ := h.Stats()
	assert.Equal(t, uint64(6), executed)
	assert.Equal(t, uint64(3), failed)
}

func TestRun_CommandRoundTrip(t *testing.T) {
	fc := newFakeClient()
	st := newStreams()
	h := NewHandler(fc, Config{TopicPrefix: "visionbuf/test"}, st.callbacks())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	<-fc.subscribe
	h.enqueue([]byte(`{"command":"stop","camera":"rear"}`))
	h.enqueue([]byte(`not json`))

	require.Eventually(t, func() bool {
		return len(fc.published("visionbuf/test/control/response")) == 2
	}, time.Second, time.Millisecond)

	var acks []Response
	for _, p := range fc.published("visionbuf/test/control/response") {
		var r Response
		require.NoError(t, json.Unmarshal(p, &r))
		acks = append(acks, r)
	}
	assert.ElementsMatch(t, []string{"stop", "unknown"}, []string{acks[0].CommandAck, acks[1].CommandAck})

	st.mu.Lock()
	assert.False(t, st.running["rear"])
	st.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
	assert.True(t, fc.unsubbed)
}

func TestPublishStatus_Formats(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatMsgpack} {
		t.Run(format, func(t *testing.T) {
			fc := newFakeClient()
			h := NewHandler(fc, Config{
				Instance:     "room-12",
				TopicPrefix:  "care/room-12",
				StatusFormat: format,
			}, newStreams().callbacks())

			require.NoError(t, h.PublishStatus())

			msgs := fc.published("care/room-12/status")
			require.Len(t, msgs, 1)
			r, err := DecodeStatus(format, msgs[0])
			require.NoError(t, err)
			assert.Equal(t, "room-12", r.Instance)
			require.Len(t, r.Streams, 2)
			assert.Equal(t, "running", r.Streams[1].State)
		})
	}

	_, err := EncodeStatus("xml", StatusReport{})
	assert.Error(t, err)
}

func TestRun_PeriodicStatus(t *testing.T) {
	fc := newFakeClient()
	h := NewHandler(fc, Config{
		TopicPrefix:    "visionbuf/test",
		StatusInterval: 5 * time.Millisecond,
	}, newStreams().callbacks())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(fc.published("visionbuf/test/status")) >= 2
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEnqueue_NeverPublishes(t *testing.T) {
	fc := newFakeClient()
	h := NewHandler(fc, Config{TopicPrefix: "visionbuf/test"}, newStreams().callbacks())

	h.enqueue([]byte(`not json`))
	for i := 0; i < 10; i++ {
		h.enqueue([]byte(`{"command":"status"}`))
	}

	fc.mu.Lock()
	assert.Empty(t, fc.pubs, "delivery goroutine must not publish")
	fc.mu.Unlock()

	_, _, dropped := h.Stats()
	assert.Equal(t, uint64(1), dropped)

	q := <-h.commands
	assert.True(t, q.invalid)
}
