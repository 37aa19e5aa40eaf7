package gpumem

import (
	"sync"
	"sync/atomic"
)

// HostAllocator backs regions with Go heap memory. It keeps the map/unmap
// discipline of device allocators so writers are exercised the same way
// on machines without a shared GPU domain.
type HostAllocator struct {
	live atomic.Int64
}

// NewHostAllocator returns a heap-backed allocator.
func NewHostAllocator() *HostAllocator {
	return &HostAllocator{}
}

// Allocate returns a zeroed region of the given capacity.
func (a *HostAllocator) Allocate(capacity int) (Region, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	a.live.Add(1)
	return &hostRegion{owner: a, buf: make([]byte, capacity)}, nil
}

// Free releases r. Freeing twice returns ErrFreed.
func (a *HostAllocator) Free(r Region) error {
	hr, ok := r.(*hostRegion)
	if !ok || hr.owner != a {
		return ErrForeignRegion
	}

	hr.mu.Lock()
	defer hr.mu.Unlock()

	if hr.freed {
		return ErrFreed
	}
	hr.freed = true
	hr.mapped = false
	hr.buf = nil
	a.live.Add(-1)
	return nil
}

// Live reports how many regions are allocated and not yet freed.
func (a *HostAllocator) Live() int {
	return int(a.live.Load())
}

type hostRegion struct {
	owner *HostAllocator

	mu     sync.Mutex
	buf    []byte
	mapped bool
	freed  bool
}

func (r *hostRegion) Cap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cap(r.buf)
}

func (r *hostRegion) MapWrite() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.freed {
		return nil, ErrFreed
	}
	if r.mapped {
		return nil, ErrAlreadyMapped
	}
	r.mapped = true
	return r.buf, nil
}

func (r *hostRegion) Unmap() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.freed {
		return ErrFreed
	}
	if !r.mapped {
		return ErrNotMapped
	}
	r.mapped = false
	return nil
}

func (r *hostRegion) ReadView() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf
}
