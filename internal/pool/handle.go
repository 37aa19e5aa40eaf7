package pool

import "sync/atomic"

// Handle is a reader's claim on one published slot.
//
// The slot cannot be reused while the handle is held. Data and Metadata
// always describe the same frame. Neither may be used after Release.
type Handle struct {
	pool     *Pool
	index    int
	seq      uint64
	meta     Metadata
	data     []byte
	released atomic.Bool
}

// Data returns the frame pixels, sliced to the payload length. Callers must
// not write to it. Only allocators that protect their read views (the mmap
// allocator) turn such a write into a fault; with host memory it silently
// corrupts the frame.
func (h *Handle) Data() []byte {
	return h.data
}

// Metadata returns the frame metadata snapshot taken at acquire time.
func (h *Handle) Metadata() Metadata {
	return h.meta
}

// Seq returns the publish sequence of the frame. Pass it as the after
// argument of AcquireLatest to wait for a newer frame.
func (h *Handle) Seq() uint64 {
	return h.seq
}

// Index returns the slot index.
func (h *Handle) Index() int {
	return h.index
}

// Release returns the slot to the pool. Equivalent to Pool.Release(h).
func (h *Handle) Release() error {
	return h.pool.Release(h)
}
