// Package pool implements the frame buffer rotation protocol: a fixed set of
// GPU-visible slots shared between one producer and any number of readers.
//
// Philosophy: "Drop frames, never wait." The producer never blocks on a
// reader. When no slot is free it overwrites the oldest published frame
// nobody has claimed yet; staleness is worse than loss for a sensor feed.
//
// Protocol:
//
//	producer: SelectWriteSlot → SetMetadata → WriteRegion (map/copy/unmap) → Publish
//	reader:   AcquireLatest / TryAcquireLatest / Acquire → Data, Metadata → Release
//
// Synchronization:
//   - Each slot has its own mutex guarding state, reader count, publish
//     sequence and its metadata entry. Operations on different slots do not
//     contend.
//   - The pool mutex and its sync.Cond only park readers waiting for a
//     publish. Lock order is pool → slot; Publish drops the slot lock before
//     broadcasting.
//   - Publish is the visibility barrier: every pixel and metadata write made
//     before it happens-before any read through a handle acquired after it.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/gpumem"
)

// DefaultSlots decouples write-in-progress, ready-for-read and
// read-in-progress without producer stalls.
const DefaultSlots = 3

const (
	noWriter  int32 = -1
	selecting int32 = -2
)

// Config configures a Pool.
type Config struct {
	// Slots is the number of buffers (default DefaultSlots).
	Slots int

	// SlotSize is the capacity of each buffer in bytes. Required.
	SlotSize int

	// Allocator provides GPU-visible regions (default: host memory).
	Allocator gpumem.Allocator

	// OnOverwrite is called, outside any lock, when the producer reclaims a
	// published frame that no reader acquired.
	OnOverwrite func(dropped Metadata)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type slot struct {
	mu          sync.Mutex
	state       SlotState
	readers     int
	seq         uint64
	region      gpumem.Region
	freePending bool // pool closed while the slot was busy
}

func (s *slot) readable() bool {
	return s.state == StateReady || s.state == StateReading
}

// Pool is a fixed-size set of frame slots with per-slot metadata.
//
// Thread-safety: one producer goroutine calls SelectWriteSlot, SetMetadata,
// WriteRegion, Publish and Abort. Any goroutine may call the read side,
// Stop, Close and Stats.
type Pool struct {
	slots    []*slot
	meta     *MetadataTable
	slotSize int
	alloc    gpumem.Allocator
	logger   *slog.Logger

	onOverwrite func(Metadata)

	mu   sync.Mutex
	cond *sync.Cond

	seq     atomic.Uint64
	writing atomic.Int32
	stopped atomic.Bool
	closed  atomic.Bool

	published  atomic.Uint64
	overwrites atomic.Uint64
	busy       atomic.Uint64
	aborted    atomic.Uint64
	acquired   atomic.Uint64
	released   atomic.Uint64
}

// New allocates every slot up front. No allocation happens afterwards.
func New(cfg Config) (*Pool, error) {
	if cfg.Slots == 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.Slots < 1 {
		return nil, fmt.Errorf("pool: invalid slot count %d", cfg.Slots)
	}
	if cfg.SlotSize <= 0 {
		return nil, fmt.Errorf("pool: invalid slot size %d", cfg.SlotSize)
	}
	if cfg.Allocator == nil {
		cfg.Allocator = gpumem.NewHostAllocator()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		slots:       make([]*slot, cfg.Slots),
		meta:        NewMetadataTable(cfg.Slots),
		slotSize:    cfg.SlotSize,
		alloc:       cfg.Allocator,
		logger:      cfg.Logger,
		onOverwrite: cfg.OnOverwrite,
	}
	p.cond = sync.NewCond(&p.mu)
	p.writing.Store(noWriter)

	for i := range p.slots {
		region, err := p.alloc.Allocate(cfg.SlotSize)
		if err != nil {
			for _, s := range p.slots[:i] {
				_ = p.alloc.Free(s.region)
			}
			return nil, fmt.Errorf("pool: allocate slot %d: %w", i, err)
		}
		p.slots[i] = &slot{region: region}
	}

	return p, nil
}

// Len returns the number of slots.
func (p *Pool) Len() int {
	return len(p.slots)
}

// SlotSize returns the capacity of each slot in bytes.
func (p *Pool) SlotSize() int {
	return p.slotSize
}

// SelectWriteSlot picks the next slot for the producer and marks it Writing.
//
// Policy:
//  1. The lowest-index Free slot.
//  2. Otherwise the least-recently-published Ready slot with zero readers.
//     Its frame is dropped (counted in Overwrites, reported to OnOverwrite).
//  3. A slot in Reading is never taken.
//
// Never blocks. Returns ErrAllSlotsBusy when every slot is held by readers,
// ErrWriteInProgress when a previous selection was not published or aborted,
// and ErrClosed after Stop.
func (p *Pool) SelectWriteSlot() (int, error) {
	if p.stopped.Load() {
		return -1, ErrClosed
	}
	if !p.writing.CompareAndSwap(noWriter, selecting) {
		return -1, ErrWriteInProgress
	}

	// Readers can only move a candidate from Ready to Reading between the
	// scan and the claim, so a few retries always settle.
	for attempt := 0; attempt <= len(p.slots); attempt++ {
		idx := p.pickWriteCandidate()
		if idx < 0 {
			break
		}

		s := p.slots[idx]
		s.mu.Lock()
		var dropped *Metadata
		switch {
		case s.state == StateFree:
		case s.state == StateReady && s.readers == 0:
			m := p.meta.get(idx)
			dropped = &m
		default:
			s.mu.Unlock()
			continue
		}
		s.state = StateWriting
		s.mu.Unlock()

		p.writing.Store(int32(idx))

		if dropped != nil {
			p.overwrites.Add(1)
			if p.onOverwrite != nil {
				p.onOverwrite(*dropped)
			}
		}
		return idx, nil
	}

	p.writing.Store(noWriter)
	p.busy.Add(1)
	return -1, ErrAllSlotsBusy
}

func (p *Pool) pickWriteCandidate() int {
	best := -1
	bestSeq := uint64(math.MaxUint64)

	for i, s := range p.slots {
		s.mu.Lock()
		state, readers, seq := s.state, s.readers, s.seq
		s.mu.Unlock()

		if state == StateFree {
			return i
		}
		if state == StateReady && readers == 0 && seq < bestSeq {
			best, bestSeq = i, seq
		}
	}
	return best
}

// writerSlot validates that idx is the slot currently selected for writing.
func (p *Pool) writerSlot(idx int) (*slot, error) {
	if idx < 0 || idx >= len(p.slots) {
		return nil, ErrInvalidSlot
	}
	if p.writing.Load() != int32(idx) {
		return nil, ErrNotWriter
	}
	return p.slots[idx], nil
}

// SetMetadata records the metadata of the frame being written into idx.
func (p *Pool) SetMetadata(idx int, m Metadata) error {
	s, err := p.writerSlot(idx)
	if err != nil {
		return err
	}
	if int64(m.PayloadLen) > int64(p.slotSize) {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, m.PayloadLen, p.slotSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateWriting {
		return ErrNotWriter
	}
	p.meta.set(idx, m)
	return nil
}

// WriteRegion returns the region of the slot being written. The caller maps
// it with gpumem.WithWriteMapping around the copy and nowhere else.
func (p *Pool) WriteRegion(idx int) (gpumem.Region, error) {
	s, err := p.writerSlot(idx)
	if err != nil {
		return nil, err
	}
	return s.region, nil
}

// Publish makes the slot visible to readers (Writing → Ready) and wakes
// readers blocked in AcquireLatest.
//
// After Stop the slot is returned to Free instead and ErrClosed is returned.
func (p *Pool) Publish(idx int) error {
	s, err := p.writerSlot(idx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateWriting {
		s.mu.Unlock()
		return ErrNotWriter
	}
	if p.stopped.Load() {
		s.state = StateFree
		p.reclaimLocked(s)
		s.mu.Unlock()
		p.writing.Store(noWriter)
		return ErrClosed
	}
	s.seq = p.seq.Add(1)
	s.state = StateReady
	s.mu.Unlock()

	p.writing.Store(noWriter)
	p.published.Add(1)

	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()

	return nil
}

// Abort abandons the write in progress (Writing → Free). The frame that
// previously occupied the slot is already gone.
func (p *Pool) Abort(idx int) error {
	s, err := p.writerSlot(idx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateWriting {
		s.state = StateFree
		s.seq = 0
		p.reclaimLocked(s)
	}
	s.mu.Unlock()

	p.writing.Store(noWriter)
	p.aborted.Add(1)
	return nil
}

// AcquireLatest claims the newest published frame whose sequence is greater
// than after (0 accepts any). It blocks until such a frame is published,
// ctx is done, or the pool stops.
//
// Returns ErrNotReady (wrapping the context error) when ctx ends first and
// ErrClosed when the pool stops. A slot already held by another reader is
// shared rather than skipped.
func (p *Pool) AcquireLatest(ctx context.Context, after uint64) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	for {
		if p.stopped.Load() {
			return nil, ErrClosed
		}
		if h := p.claimLatest(after); h != nil {
			return h, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		p.cond.Wait()
	}
}

// TryAcquireLatest is the polling form of AcquireLatest: it returns
// ErrNotReady at once when no matching frame is published.
func (p *Pool) TryAcquireLatest(after uint64) (*Handle, error) {
	if p.stopped.Load() {
		return nil, ErrClosed
	}
	if h := p.claimLatest(after); h != nil {
		return h, nil
	}
	return nil, ErrNotReady
}

// Acquire claims slot idx if it holds a published frame.
func (p *Pool) Acquire(idx int) (*Handle, error) {
	if idx < 0 || idx >= len(p.slots) {
		return nil, ErrInvalidSlot
	}
	if p.stopped.Load() {
		return nil, ErrClosed
	}
	if h := p.claim(idx, 0); h != nil {
		return h, nil
	}
	return nil, ErrNotReady
}

func (p *Pool) claimLatest(after uint64) *Handle {
	for attempt := 0; attempt <= len(p.slots); attempt++ {
		idx := -1
		var best uint64

		for i, s := range p.slots {
			s.mu.Lock()
			if s.readable() && s.seq > after && s.seq > best {
				idx, best = i, s.seq
			}
			s.mu.Unlock()
		}

		if idx < 0 {
			return nil
		}
		if h := p.claim(idx, best); h != nil {
			return h
		}
		// The producer reclaimed the slot between scan and claim. Rescan.
	}
	return nil
}

// claim takes a reader reference on idx. A non-zero seq must still match,
// so a slot rewritten since the scan is not handed out.
func (p *Pool) claim(idx int, seq uint64) *Handle {
	s := p.slots[idx]

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.readable() || (seq != 0 && s.seq != seq) {
		return nil
	}

	s.readers++
	s.state = StateReading
	meta := p.meta.get(idx)
	p.acquired.Add(1)

	return &Handle{
		pool:  p,
		index: idx,
		seq:   s.seq,
		meta:  meta,
		data:  s.region.ReadView()[:meta.PayloadLen],
	}
}

// Release drops the reader reference held by h. When the last reader of a
// slot releases, the slot becomes Free and is immediately reusable.
//
// Each handle releases exactly once; later calls return ErrAlreadyReleased.
// Release keeps working after Stop so readers can drain.
func (p *Pool) Release(h *Handle) error {
	if h == nil || h.pool != p {
		return ErrForeignHandle
	}
	if !h.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}

	s := p.slots[h.index]
	s.mu.Lock()
	s.readers--
	if s.readers == 0 {
		s.state = StateFree
		s.seq = 0
		p.reclaimLocked(s)
	}
	s.mu.Unlock()

	p.released.Add(1)
	return nil
}

// Stop wakes every reader blocked in AcquireLatest with ErrClosed and makes
// later SelectWriteSlot and acquire calls fail fast. Idempotent.
func (p *Pool) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()

	p.logger.Debug("pool: stopped",
		"published", p.published.Load(),
		"overwrites", p.overwrites.Load(),
	)
}

// Close stops the pool and frees its regions. A region still held by
// readers, or by an unfinished write, is freed when that slot is released.
func (p *Pool) Close() error {
	p.Stop()

	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	for i, s := range p.slots {
		s.mu.Lock()
		s.freePending = true
		if s.state != StateWriting && s.readers == 0 {
			s.state = StateFree
			if err := p.reclaimLocked(s); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("pool: free slot %d: %w", i, err)
			}
		}
		s.mu.Unlock()
	}
	return firstErr
}

// reclaimLocked frees the slot region once the pool is closed and the slot
// is idle. Caller holds s.mu.
func (p *Pool) reclaimLocked(s *slot) error {
	if !s.freePending || s.region == nil || s.readers > 0 || s.state == StateWriting {
		return nil
	}
	err := p.alloc.Free(s.region)
	s.region = nil
	if err != nil {
		p.logger.Warn("pool: free region failed", "error", err)
	}
	return err
}

// Stats returns counters and current occupancy (non-blocking snapshot).
func (p *Pool) Stats() Stats {
	st := Stats{
		Slots:      len(p.slots),
		SlotSize:   p.slotSize,
		Published:  p.published.Load(),
		LastSeq:    p.seq.Load(),
		Overwrites: p.overwrites.Load(),
		Busy:       p.busy.Load(),
		Aborted:    p.aborted.Load(),
		Acquired:   p.acquired.Load(),
		Released:   p.released.Load(),
	}

	for _, s := range p.slots {
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()

		switch state {
		case StateFree:
			st.Free++
		case StateWriting:
			st.Writing++
		case StateReady:
			st.Ready++
		case StateReading:
			st.Reading++
		}
	}
	return st
}

// Snapshot returns the state of every slot. Metadata is only meaningful for
// Ready and Reading slots.
func (p *Pool) Snapshot() []SlotInfo {
	out := make([]SlotInfo, len(p.slots))
	for i, s := range p.slots {
		s.mu.Lock()
		out[i] = SlotInfo{
			Index:   i,
			State:   s.state,
			Readers: s.readers,
			Seq:     s.seq,
		}
		if s.readable() {
			out[i].Metadata = p.meta.get(i)
		}
		s.mu.Unlock()
	}
	return out
}
