package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/gpumem"
)

const testSlotSize = 64

func newTestPool(t *testing.T, slots int) *Pool {
	t.Helper()
	p, err := New(Config{Slots: slots, SlotSize: testSlotSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// writeFrame runs the full producer protocol for one frame whose bytes are
// all equal to byte(id).
func writeFrame(t *testing.T, p *Pool, id uint64, size int) int {
	t.Helper()

	idx, err := p.SelectWriteSlot()
	require.NoError(t, err)

	require.NoError(t, p.SetMetadata(idx, Metadata{
		FrameID:      id,
		TimestampEOF: id * 1000,
		PayloadLen:   uint32(size),
		IntegLines:   uint32(id + 10),
		GlobalGain:   uint32(id + 20),
	}))

	region, err := p.WriteRegion(idx)
	require.NoError(t, err)
	require.NoError(t, gpumem.WithWriteMapping(region, func(view []byte) error {
		for i := 0; i < size; i++ {
			view[i] = byte(id)
		}
		return nil
	}))

	require.NoError(t, p.Publish(idx))
	return idx
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{SlotSize: 0})
	assert.Error(t, err)

	_, err = New(Config{Slots: -1, SlotSize: 8})
	assert.Error(t, err)

	p, err := New(Config{SlotSize: 8})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, DefaultSlots, p.Len())
	assert.Equal(t, 8, p.SlotSize())
}

func TestNew_FreesOnAllocationFailure(t *testing.T) {
	alloc := &failingAllocator{HostAllocator: gpumem.NewHostAllocator(), failAfter: 2}

	_, err := New(Config{Slots: 3, SlotSize: 8, Allocator: alloc})
	require.Error(t, err)
	assert.Equal(t, 0, alloc.Live(), "partially allocated slots must be freed")
}

type failingAllocator struct {
	*gpumem.HostAllocator
	failAfter int
	calls     int
}

func (a *failingAllocator) Allocate(n int) (gpumem.Region, error) {
	a.calls++
	if a.calls > a.failAfter {
		return nil, errors.New("out of device memory")
	}
	return a.HostAllocator.Allocate(n)
}

func TestSelectWriteSlot_PrefersFree(t *testing.T) {
	p := newTestPool(t, 3)

	for want := 0; want < 3; want++ {
		idx := writeFrame(t, p, uint64(want+1), 4)
		assert.Equal(t, want, idx)
	}

	st := p.Stats()
	assert.Equal(t, 3, st.Ready)
	assert.Equal(t, uint64(0), st.Overwrites)
}

// Frames 1,2,3 published with no readers: every slot is Ready and the next
// selection reclaims the slot of frame 1.
func TestScenario_ReclaimOldestReady(t *testing.T) {
	p := newTestPool(t, 3)

	var dropped []uint64
	p.onOverwrite = func(m Metadata) { dropped = append(dropped, m.FrameID) }

	slotOf := map[uint64]int{}
	for id := uint64(1); id <= 3; id++ {
		slotOf[id] = writeFrame(t, p, id, 8)
	}

	st := p.Stats()
	require.Equal(t, 3, st.Ready)

	idx, err := p.SelectWriteSlot()
	require.NoError(t, err)
	assert.Equal(t, slotOf[1], idx)
	assert.Equal(t, []uint64{1}, dropped)
	assert.Equal(t, uint64(1), p.Stats().Overwrites)

	require.NoError(t, p.Abort(idx))
}

// A reader holds frame 2 while frames 3, 4 and 5 are published into a pool
// of three slots. Frame 2's slot is never selected.
func TestScenario_ReaderHoldsSlot(t *testing.T) {
	p := newTestPool(t, 3)

	slot1 := writeFrame(t, p, 1, 8)
	slot2 := writeFrame(t, p, 2, 8)

	h, err := p.TryAcquireLatest(0)
	require.NoError(t, err)
	require.Equal(t, uint64(2), h.Metadata().FrameID)
	require.Equal(t, slot2, h.Index())

	slot3 := writeFrame(t, p, 3, 8)
	assert.NotEqual(t, slot2, slot3)

	slot4 := writeFrame(t, p, 4, 8)
	assert.NotEqual(t, slot2, slot4)
	assert.Equal(t, slot1, slot4, "frame 4 reclaims the oldest unread slot")

	slot5 := writeFrame(t, p, 5, 8)
	assert.NotEqual(t, slot2, slot5)
	assert.Equal(t, slot3, slot5)

	// The held frame is untouched.
	assert.Equal(t, uint64(2), h.Metadata().FrameID)
	for _, b := range h.Data() {
		assert.Equal(t, byte(2), b)
	}

	require.NoError(t, h.Release())
	info := p.Snapshot()[slot2]
	assert.Equal(t, StateFree, info.State)
	assert.Equal(t, 0, info.Readers)
}

func TestSelectWriteSlot_AllSlotsBusy(t *testing.T) {
	p := newTestPool(t, 2)

	writeFrame(t, p, 1, 4)
	h1, err := p.Acquire(0)
	require.NoError(t, err)

	writeFrame(t, p, 2, 4)
	h2, err := p.Acquire(1)
	require.NoError(t, err)

	_, err = p.SelectWriteSlot()
	assert.ErrorIs(t, err, ErrAllSlotsBusy)
	assert.Equal(t, uint64(1), p.Stats().Busy)

	// A failed selection leaves no writer behind.
	require.NoError(t, h1.Release())
	idx, err := p.SelectWriteSlot()
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	require.NoError(t, p.Abort(idx))
	require.NoError(t, h2.Release())
}

func TestSelectWriteSlot_SingleWriter(t *testing.T) {
	p := newTestPool(t, 3)

	idx, err := p.SelectWriteSlot()
	require.NoError(t, err)

	_, err = p.SelectWriteSlot()
	assert.ErrorIs(t, err, ErrWriteInProgress)

	assert.ErrorIs(t, p.Publish(idx+1), ErrNotWriter)
	assert.ErrorIs(t, p.Publish(99), ErrInvalidSlot)

	require.NoError(t, p.Abort(idx))
	assert.ErrorIs(t, p.Publish(idx), ErrNotWriter, "aborted slot can no longer be published")
}

func TestSetMetadata_RejectsOversizedPayload(t *testing.T) {
	p := newTestPool(t, 3)
	writeFrame(t, p, 7, 8)
	before := p.Snapshot()

	idx, err := p.SelectWriteSlot()
	require.NoError(t, err)

	err = p.SetMetadata(idx, Metadata{FrameID: 8, PayloadLen: testSlotSize + 1})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	require.NoError(t, p.Abort(idx))

	after := p.Snapshot()
	assert.Equal(t, before[0], after[0], "published slot must not change")
}

func TestAcquire_NotReady(t *testing.T) {
	p := newTestPool(t, 3)

	_, err := p.TryAcquireLatest(0)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = p.Acquire(0)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = p.Acquire(5)
	assert.ErrorIs(t, err, ErrInvalidSlot)

	// A slot being written is invisible.
	idx, err := p.SelectWriteSlot()
	require.NoError(t, err)
	_, err = p.Acquire(idx)
	assert.ErrorIs(t, err, ErrNotReady)
	require.NoError(t, p.Abort(idx))
}

func TestAcquireLatest_SharesReadingSlot(t *testing.T) {
	p := newTestPool(t, 3)
	idx := writeFrame(t, p, 1, 4)

	h1, err := p.TryAcquireLatest(0)
	require.NoError(t, err)
	h2, err := p.TryAcquireLatest(0)
	require.NoError(t, err)

	assert.Equal(t, idx, h1.Index())
	assert.Equal(t, idx, h2.Index())
	assert.Equal(t, 2, p.Snapshot()[idx].Readers)

	require.NoError(t, h1.Release())
	assert.Equal(t, StateReading, p.Snapshot()[idx].State)

	require.NoError(t, h2.Release())
	assert.Equal(t, StateFree, p.Snapshot()[idx].State)
}

func TestAcquireLatest_AfterSeq(t *testing.T) {
	p := newTestPool(t, 3)
	writeFrame(t, p, 1, 4)

	h, err := p.TryAcquireLatest(0)
	require.NoError(t, err)
	seen := h.Seq()
	require.NoError(t, h.Release())

	_, err = p.TryAcquireLatest(seen)
	assert.ErrorIs(t, err, ErrNotReady, "no frame newer than the one already seen")

	writeFrame(t, p, 2, 4)
	h, err = p.TryAcquireLatest(seen)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.Metadata().FrameID)
	assert.Greater(t, h.Seq(), seen)
	require.NoError(t, h.Release())
}

func TestAcquireLatest_BlocksUntilPublish(t *testing.T) {
	p := newTestPool(t, 3)

	got := make(chan *Handle, 1)
	go func() {
		h, err := p.AcquireLatest(context.Background(), 0)
		if err != nil {
			got <- nil
			return
		}
		got <- h
	}()

	select {
	case <-got:
		t.Fatal("AcquireLatest returned before any publish")
	case <-time.After(20 * time.Millisecond):
	}

	writeFrame(t, p, 42, 16)

	select {
	case h := <-got:
		require.NotNil(t, h)
		assert.Equal(t, uint64(42), h.Metadata().FrameID)
		assert.Len(t, h.Data(), 16)
		require.NoError(t, h.Release())
	case <-time.After(time.Second):
		t.Fatal("reader not woken by publish")
	}
}

func TestAcquireLatest_Timeout(t *testing.T) {
	p := newTestPool(t, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.AcquireLatest(ctx, 0)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStop_UnblocksReaders(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p, err := New(Config{Slots: 3, SlotSize: 8})
	require.NoError(t, err)

	const readers = 4
	errs := make(chan error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.AcquireLatest(context.Background(), 0)
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	p.Stop()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}

	_, err = p.SelectWriteSlot()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.TryAcquireLatest(0)
	assert.ErrorIs(t, err, ErrClosed)

	p.Stop() // idempotent
	require.NoError(t, p.Close())
}

func TestRelease_Pairing(t *testing.T) {
	p := newTestPool(t, 3)
	writeFrame(t, p, 1, 4)

	h, err := p.TryAcquireLatest(0)
	require.NoError(t, err)

	require.NoError(t, p.Release(h))
	assert.ErrorIs(t, p.Release(h), ErrAlreadyReleased)
	assert.ErrorIs(t, p.Release(nil), ErrForeignHandle)

	other := newTestPool(t, 3)
	writeFrame(t, other, 1, 4)
	oh, err := other.TryAcquireLatest(0)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Release(oh), ErrForeignHandle)
	require.NoError(t, oh.Release())

	for _, info := range p.Snapshot() {
		assert.GreaterOrEqual(t, info.Readers, 0)
	}
	st := p.Stats()
	assert.Equal(t, st.Acquired, st.Released)
}

func TestClose_DefersFreeUntilRelease(t *testing.T) {
	alloc := gpumem.NewHostAllocator()
	p, err := New(Config{Slots: 3, SlotSize: 8, Allocator: alloc})
	require.NoError(t, err)

	writeFrame(t, p, 9, 8)
	h, err := p.TryAcquireLatest(0)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, 1, alloc.Live(), "held slot stays mapped")
	assert.Equal(t, byte(9), h.Data()[0])

	require.NoError(t, h.Release())
	assert.Equal(t, 0, alloc.Live())

	require.NoError(t, p.Close(), "close is idempotent")
}

func TestPublish_AfterStop(t *testing.T) {
	alloc := gpumem.NewHostAllocator()
	p, err := New(Config{Slots: 3, SlotSize: 8, Allocator: alloc})
	require.NoError(t, err)

	idx, err := p.SelectWriteSlot()
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, 1, alloc.Live(), "slot being written stays mapped")

	assert.ErrorIs(t, p.Publish(idx), ErrClosed)
	assert.Equal(t, 0, alloc.Live())
}
