//go:build unix

package gpumem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapAllocator_WriteThenRead(t *testing.T) {
	a := NewMmapAllocator()

	r, err := a.Allocate(4096)
	require.NoError(t, err)
	assert.Equal(t, 4096, r.Cap())

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	err = WithWriteMapping(r, func(view []byte) error {
		copy(view, payload)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, payload, r.ReadView()[:len(payload)])

	require.NoError(t, a.Free(r))
	assert.Equal(t, 0, a.Live())
	assert.Nil(t, r.ReadView())
}

func TestMmapAllocator_UnmapWithoutMap(t *testing.T) {
	a := NewMmapAllocator()

	r, err := a.Allocate(128)
	require.NoError(t, err)
	defer a.Free(r)

	assert.ErrorIs(t, r.Unmap(), ErrNotMapped)
}
