package pagebacking

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReserveMapUnmap(t *testing.T) {
	phys := NewBudgetedAllocator(-1)
	b, err := Reserve(Config{Size: 16 << 20}, phys, zap.NewNop())
	require.NoError(t, err)
	require.NotZero(t, b.Base())

	addr := b.Base()
	require.False(t, b.IsPresent(addr, Page4K))

	require.NoError(t, b.Map(addr, Page4K, 1))
	require.True(t, b.IsPresent(addr, Page4K))

	require.NoError(t, b.Unmap(addr, Page4K, 1))
	require.False(t, b.IsPresent(addr, Page4K))
}

func TestDirtyBit(t *testing.T) {
	phys := NewBudgetedAllocator(-1)
	b, err := Reserve(Config{Size: 16 << 20}, phys, zap.NewNop())
	require.NoError(t, err)

	addr := b.Base()
	require.NoError(t, b.Map(addr, Page4K, 1))

	require.False(t, b.Dirty(addr, Page4K))
	b.MarkDirty(addr, Page4K)
	require.True(t, b.Dirty(addr, Page4K))
	b.ClearDirty(addr, Page4K)
	require.False(t, b.Dirty(addr, Page4K))
}

func TestMapRollsBackOnBudgetExhaustion(t *testing.T) {
	phys := NewBudgetedAllocator(1) // one 4 KiB page only
	b, err := Reserve(Config{Size: 16 << 20}, phys, zap.NewNop())
	require.NoError(t, err)

	addr := b.Base()
	err = b.Map(addr, Page4K, 2)
	require.Error(t, err)
	require.False(t, b.IsPresent(addr, Page4K))
	require.EqualValues(t, 1, phys.Remaining())
}

func TestContains(t *testing.T) {
	phys := NewBudgetedAllocator(-1)
	b, err := Reserve(Config{Size: 1 << 20}, phys, zap.NewNop())
	require.NoError(t, err)

	require.True(t, b.Contains(b.Base()))
	require.True(t, b.Contains(b.Base()+b.Size()-1))
	require.False(t, b.Contains(b.Base()+b.Size()))
	require.False(t, b.Contains(b.Base()-1))
}
