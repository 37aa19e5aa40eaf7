//go:build unix

package visionbuf

import (
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/gpumem"
)

// MmapAllocator backs slots with shared anonymous mappings that are
// read-only outside write windows, so a reader writing into a frame faults.
type MmapAllocator = gpumem.MmapAllocator

func NewMmapAllocator() *MmapAllocator { return gpumem.NewMmapAllocator() }
