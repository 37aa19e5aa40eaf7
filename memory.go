package visionbuf

import (
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/gpumem"
)

// Region is one fixed-capacity slot buffer handed out by an Allocator.
//
// Writers only touch it between MapWrite and Unmap. ReadView returns the
// contents for readers; whether writes through that view are prevented
// depends on the allocator.
type Region = gpumem.Region

// HostAllocator keeps slots in Go heap memory. Read views are ordinary
// slices and are not write-protected.
type HostAllocator = gpumem.HostAllocator

var (
	ErrAlreadyMapped = gpumem.ErrAlreadyMapped
	ErrNotMapped     = gpumem.ErrNotMapped
	ErrForeignRegion = gpumem.ErrForeignRegion
)

// NewHostAllocator returns the default allocator.
func NewHostAllocator() *HostAllocator { return gpumem.NewHostAllocator() }

// WithWriteMapping maps r, runs fn on the writable view and unmaps r again
// on every exit path.
func WithWriteMapping(r Region, fn func(view []byte) error) error {
	return gpumem.WithWriteMapping(r, fn)
}
