//go:build unix

package gpumem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// MmapAllocator backs regions with anonymous shared mappings. Regions are
// PROT_READ outside a write mapping, so a stray consumer write faults
// instead of corrupting a published frame.
type MmapAllocator struct {
	live atomic.Int64
}

// NewMmapAllocator returns an allocator of page-aligned shared mappings.
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{}
}

// Allocate maps a new read-only region of the given capacity.
func (a *MmapAllocator) Allocate(capacity int) (Region, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}

	mem, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("gpumem: mmap %d bytes: %w", capacity, err)
	}

	a.live.Add(1)
	return &mmapRegion{owner: a, mem: mem}, nil
}

// Free unmaps r. The region's views become invalid.
func (a *MmapAllocator) Free(r Region) error {
	mr, ok := r.(*mmapRegion)
	if !ok || mr.owner != a {
		return ErrForeignRegion
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	if mr.freed {
		return ErrFreed
	}
	if err := unix.Munmap(mr.mem); err != nil {
		return fmt.Errorf("gpumem: munmap: %w", err)
	}
	mr.freed = true
	mr.mapped = false
	mr.mem = nil
	a.live.Add(-1)
	return nil
}

// Live reports how many regions are mapped and not yet freed.
func (a *MmapAllocator) Live() int {
	return int(a.live.Load())
}

type mmapRegion struct {
	owner *MmapAllocator

	mu     sync.Mutex
	mem    []byte
	mapped bool
	freed  bool
}

func (r *mmapRegion) Cap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mem)
}

func (r *mmapRegion) MapWrite() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.freed {
		return nil, ErrFreed
	}
	if r.mapped {
		return nil, ErrAlreadyMapped
	}
	if err := unix.Mprotect(r.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return nil, fmt.Errorf("gpumem: mprotect rw: %w", err)
	}
	r.mapped = true
	return r.mem, nil
}

func (r *mmapRegion) Unmap() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.freed {
		return ErrFreed
	}
	if !r.mapped {
		return ErrNotMapped
	}
	if err := unix.Mprotect(r.mem, unix.PROT_READ); err != nil {
		return fmt.Errorf("gpumem: mprotect ro: %w", err)
	}
	r.mapped = false
	return nil
}

func (r *mmapRegion) ReadView() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem
}
