package pagebacking

import "sync/atomic"

// PhysicalAllocator is the physical page source consumed by Backing: an
// Alloc(n)/Free(n) pair mirroring palloc/pfree. The real physical page
// allocator is out of scope for this module; this is a budgeted
// simulation so heap tests can deterministically exercise the allocation-
// failure path without actually exhausting host memory.
type PhysicalAllocator interface {
	// Alloc reserves n pages of 4 KiB (Backing.Map asks for a 2 MiB page
	// as 512 of them). Returns false, simulating
	// palloc returning null, once the budget is exhausted.
	Alloc(n int) bool
	// Free releases n pages previously obtained from Alloc.
	Free(n int)
}

// BudgetedAllocator is a PhysicalAllocator with a fixed page budget. A
// negative budget means unlimited — Map still commits pages with a real
// mprotect call and so is bounded only by the host's actual memory and
// overcommit policy.
type BudgetedAllocator struct {
	budget    int64 // pages; negative means unlimited
	remaining int64
}

// NewBudgetedAllocator creates an allocator with budgetPages pages
// available. Pass a negative value for no artificial limit.
func NewBudgetedAllocator(budgetPages int64) *BudgetedAllocator {
	return &BudgetedAllocator{budget: budgetPages, remaining: budgetPages}
}

// Alloc implements PhysicalAllocator.
func (a *BudgetedAllocator) Alloc(n int) bool {
	if a.budget < 0 {
		return true
	}
	for {
		cur := atomic.LoadInt64(&a.remaining)
		if cur < int64(n) {
			return false
		}
		if atomic.CompareAndSwapInt64(&a.remaining, cur, cur-int64(n)) {
			return true
		}
	}
}

// Free implements PhysicalAllocator.
func (a *BudgetedAllocator) Free(n int) {
	if a.budget < 0 {
		return
	}
	atomic.AddInt64(&a.remaining, int64(n))
}

// Remaining reports the number of pages left in the budget. Only
// meaningful for a finite budget.
func (a *BudgetedAllocator) Remaining() int64 {
	return atomic.LoadInt64(&a.remaining)
}
