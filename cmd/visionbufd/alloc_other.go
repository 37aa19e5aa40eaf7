//go:build !unix

package main

import (
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/gpumem"
)

func newAllocator(kind string) (gpumem.Allocator, error) {
	switch kind {
	case config.AllocatorHost, "":
		return gpumem.NewHostAllocator(), nil
	default:
		return nil, fmt.Errorf("allocator %q not supported on this platform", kind)
	}
}
