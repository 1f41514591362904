package heap

import "math/bits"

// MinCellSize is the smallest allocatable cell, 32 bytes — also the size
// of the object header (object.Size), so a 32-byte object is all header
// and no user fields.
const MinCellSize = 32

// MaxCellSize is the largest allocatable cell. The practical cap is
// 512 MiB even though the top pool's nominal span reaches toward 1 GiB.
const MaxCellSize = 512 << 20

// roundToPowerOfTwo returns the smallest power of two >= size, with a
// floor of MinCellSize. Mirrors heap_alloc's
// `1ull << (64 - __builtin_clzll(size - 1))`.
func roundToPowerOfTwo(size uintptr) uintptr {
	if size <= MinCellSize {
		return MinCellSize
	}
	return uintptr(1) << bits.Len64(uint64(size-1))
}

// poolIndexForCellSize returns the size-class index for an
// already-power-of-two cell size.
//
// The minimum cell is fixed at 32 B and must land in index 0, with cells
// sized 2^(i+5) for index i: pool_idx = ceil(log2(size)) - 5. An index
// formula of ceil(log2(size)) - 4 would instead put the 32 B cell at
// index 1, leaving index 0 mapped to an unreachable 16 B class — so the
// -5 form is the one used here, keeping the 32 B class at index 0 with
// no orphaned slot below it.
func poolIndexForCellSize(size uintptr) int {
	return bits.Len64(uint64(size-1)) - 5
}

// cellSizeForPoolIndex is the inverse: size = 2^(idx+5).
func cellSizeForPoolIndex(idx int) uintptr {
	return uintptr(1) << (idx + 5)
}
