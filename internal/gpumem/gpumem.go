// Package gpumem allocates frame regions that live in a memory domain shared
// by the CPU writer and a GPU reader.
//
// A Region is readable at any time through ReadView, but the CPU may only
// write to it between MapWrite and Unmap. Mapping is not reentrant: a second
// MapWrite before Unmap fails with ErrAlreadyMapped. Use WithWriteMapping so
// the mapping is released on every exit path.
package gpumem

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyMapped is returned by MapWrite while a write mapping is open.
	ErrAlreadyMapped = errors.New("gpumem: region already mapped for write")

	// ErrNotMapped is returned by Unmap without a matching MapWrite.
	ErrNotMapped = errors.New("gpumem: region not mapped")

	// ErrFreed is returned by any operation on a region after Free.
	ErrFreed = errors.New("gpumem: region freed")

	// ErrInvalidCapacity is returned by Allocate for a non-positive capacity.
	ErrInvalidCapacity = errors.New("gpumem: capacity must be positive")

	// ErrForeignRegion is returned by Free for a region from another allocator.
	ErrForeignRegion = errors.New("gpumem: region not owned by allocator")
)

// Region is one fixed-capacity buffer in the shared memory domain.
type Region interface {
	// Cap is the region size in bytes.
	Cap() int

	// MapWrite opens the region for CPU writes and returns the writable view.
	MapWrite() ([]byte, error)

	// Unmap closes the write mapping opened by MapWrite.
	Unmap() error

	// ReadView returns the region contents for readers. The view must not be
	// written to and must not be used after the region is freed.
	ReadView() []byte
}

// Allocator hands out and reclaims regions. Mapping distinct regions from
// different goroutines must not interfere.
type Allocator interface {
	Allocate(capacity int) (Region, error)
	Free(r Region) error
}

// WithWriteMapping maps r for writing, runs fn with the writable view and
// unmaps it again, also when fn fails.
func WithWriteMapping(r Region, fn func(view []byte) error) (err error) {
	view, err := r.MapWrite()
	if err != nil {
		return fmt.Errorf("gpumem: map for write: %w", err)
	}

	defer func() {
		if uerr := r.Unmap(); uerr != nil {
			err = errors.Join(err, fmt.Errorf("gpumem: unmap: %w", uerr))
		}
	}()

	return fn(view)
}
