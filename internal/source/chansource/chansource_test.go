package chansource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/ingest"
)

func TestSource_SendReceive(t *testing.T) {
	s := New(2)
	require.NoError(t, s.Send([]byte("a")))
	require.NoError(t, s.Send([]byte("b")))

	msg, err := s.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", string(msg))

	msg, err = s.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", string(msg))
}

func TestSource_SendDropsOldestWhenFull(t *testing.T) {
	s := New(2)
	for _, m := range []string{"1", "2", "3", "4"} {
		require.NoError(t, s.Send([]byte(m)))
	}
	assert.Equal(t, uint64(2), s.Dropped())

	a, _ := s.Receive(context.Background(), time.Second)
	b, _ := s.Receive(context.Background(), time.Second)
	assert.Equal(t, []string{"3", "4"}, []string{string(a), string(b)})
}

func TestSource_Timeout(t *testing.T) {
	s := New(1)
	_, err := s.Receive(context.Background(), 5*time.Millisecond)
	assert.ErrorIs(t, err, ingest.ErrReceiveTimeout)
}

func TestSource_FinishDrainsThenCloses(t *testing.T) {
	s := New(4)
	require.NoError(t, s.Send([]byte("last")))
	s.Finish()
	s.Finish()

	assert.ErrorIs(t, s.Send([]byte("late")), ingest.ErrSourceClosed)

	msg, err := s.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "last", string(msg))

	_, err = s.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ingest.ErrSourceClosed)
}

func TestSource_CloseUnblocksReceive(t *testing.T) {
	s := New(1)

	done := make(chan error, 1)
	go func() {
		_, err := s.Receive(context.Background(), time.Hour)
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ingest.ErrSourceClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive not unblocked by Close")
	}

	_, err := s.Opener().Open(context.Background())
	assert.ErrorIs(t, err, ingest.ErrSourceClosed)
}

func TestSource_ContextCancel(t *testing.T) {
	s := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Receive(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
