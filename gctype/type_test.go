package gctype

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTypeCopiesOffsets(t *testing.T) {
	offsets := []uintptr{32, 40, 56}
	typ := NewType("Container", 64, offsets)

	require.Equal(t, offsets, typ.ManagedPointerOffsets())

	offsets[0] = 999
	require.NotEqual(t, offsets[0], typ.ManagedPointerOffsets()[0], "Type must not alias the caller's slice")
}

func TestNewTypeEmptyOffsets(t *testing.T) {
	typ := NewType("Leaf", 32, nil)
	require.Empty(t, typ.ManagedPointerOffsets())
	require.Equal(t, uintptr(32), typ.Size)
}
