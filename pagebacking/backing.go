//go:build linux

// Package pagebacking is the abstract provider of mapped/unmapped pages
// over a reserved virtual range. It is the only package in this module
// that talks to the operating system's virtual memory primitives;
// everything above it (the heap) only ever asks "is this page present"
// and "map/unmap N pages" — the page backing and physical page allocator
// are kept strictly separate collaborators behind that contract.
//
// This file is Linux-only: it uses SYS_MMAP directly to request a fixed
// reservation address, which golang.org/x/sys/unix's portable Mmap
// wrapper does not expose.
package pagebacking

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Level is a page-table granularity. The heap consults presence and dirty
// bits at whichever level corresponds to a given size class: one 2 MiB
// huge page per cell for large size classes, one 4 KiB page per cell
// otherwise.
type Level int

const (
	// Page4K is the native page size, used for size classes below 2 MiB.
	Page4K Level = iota
	// Page2M is the huge page size, used for size classes at or above
	// 2 MiB.
	Page2M
)

// Size returns the byte size of one page at this level.
func (l Level) Size() uintptr {
	switch l {
	case Page2M:
		return 2 << 20
	default:
		return 4 << 10
	}
}

// Config describes the virtual range a Backing reserves.
type Config struct {
	// Base is the address the range is reserved at. Zero lets the
	// operating system choose; Backing.Base reports the address actually
	// used. A real kernel build would fix this at OBJECT_HEAP_START; a
	// userspace port cannot MAP_FIXED an arbitrary kernel-space address,
	// so a nonzero Base is passed to mmap with MAP_FIXED (the range is
	// placed exactly there, replacing any mapping already at that address,
	// or Reserve fails), and the caller (heap.Heap) derives pool/size-class
	// arithmetic from whatever address Reserve actually returns.
	Base uintptr
	// Size is the total span reserved, covering every size class's
	// top-level pool back to back.
	Size uintptr
}

type pageState struct {
	present int32
	dirty   int32
}

// Backing reserves a virtual range up front and lazily commits/decommits
// pages within it.
type Backing struct {
	base uintptr
	size uintptr
	phys PhysicalAllocator
	log  *zap.Logger

	mu    sync.Mutex
	pages map[uintptr]*pageState // keyed by page-aligned address
}

// Reserve maps cfg.Size bytes as PROT_NONE starting at cfg.Base (or
// wherever the kernel places it, if cfg.Base is zero), reproducing
// init_heap's one-time reservation of the managed address range.
func Reserve(cfg Config, phys PhysicalAllocator, log *zap.Logger) (*Backing, error) {
	if log == nil {
		log = zap.NewNop()
	}
	base, err := mmapReserve(cfg.Base, cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("pagebacking: reserve %d bytes: %w", cfg.Size, err)
	}
	log.Info("reserved managed virtual range",
		zap.Uintptr("base", base), zap.Uintptr("size", cfg.Size))
	return &Backing{
		base:  base,
		size:  cfg.Size,
		phys:  phys,
		log:   log,
		pages: make(map[uintptr]*pageState),
	}, nil
}

// Base returns the actual base address of the reserved range.
func (b *Backing) Base() uintptr { return b.base }

// Size returns the total size of the reserved range.
func (b *Backing) Size() uintptr { return b.size }

// Contains reports whether addr lies within the reserved managed range.
func (b *Backing) Contains(addr uintptr) bool {
	return addr >= b.base && addr < b.base+b.size
}

func (b *Backing) state(pageAddr uintptr) *pageState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.pages[pageAddr]
	if !ok {
		st = &pageState{}
		b.pages[pageAddr] = st
	}
	return st
}

func (b *Backing) existingState(pageAddr uintptr) (*pageState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.pages[pageAddr]
	return st, ok
}

// IsPresent reports whether the page at addr (rounded down to the page
// size of level) is currently mapped.
func (b *Backing) IsPresent(addr uintptr, level Level) bool {
	pageAddr := addr &^ (level.Size() - 1)
	st, ok := b.existingState(pageAddr)
	if !ok {
		return false
	}
	return atomic.LoadInt32(&st.present) != 0
}

// Map commits n consecutive pages of the given level starting at addr
// (which must already be page-aligned), acquiring physical pages from the
// configured PhysicalAllocator first. On failure it rolls back every page
// it already committed in this call.
func (b *Backing) Map(addr uintptr, level Level, n int) error {
	pageSize := level.Size()
	if !b.phys.Alloc(n * int(pageSize/Page4K.Size())) {
		return fmt.Errorf("pagebacking: out of physical pages mapping %d page(s) at %#x", n, addr)
	}

	mapped := 0
	var rollbackErr error
	for i := 0; i < n; i++ {
		pageAddr := addr + uintptr(i)*pageSize
		if err := mmapCommit(pageAddr, pageSize); err != nil {
			rollbackErr = err
			break
		}
		b.state(pageAddr).present = 1
		mapped++
	}
	if rollbackErr != nil {
		for i := 0; i < mapped; i++ {
			pageAddr := addr + uintptr(i)*pageSize
			_ = mmapDecommit(pageAddr, pageSize)
			b.mu.Lock()
			delete(b.pages, pageAddr)
			b.mu.Unlock()
		}
		b.phys.Free(n * int(pageSize/Page4K.Size()))
		b.log.Warn("page backing map failed, rolled back",
			zap.Uintptr("addr", addr), zap.Int("pages", n), zap.Error(rollbackErr))
		return fmt.Errorf("pagebacking: map %#x: %w", addr, rollbackErr)
	}
	return nil
}

// Unmap decommits n consecutive pages at addr and returns their physical
// pages to the allocator. Physical pages for cells repainted BLUE are
// intentionally kept mapped by the heap for reuse; Unmap exists for
// direct-map alias teardown, and the heap itself never calls it.
func (b *Backing) Unmap(addr uintptr, level Level, n int) error {
	pageSize := level.Size()
	for i := 0; i < n; i++ {
		pageAddr := addr + uintptr(i)*pageSize
		if err := mmapDecommit(pageAddr, pageSize); err != nil {
			return fmt.Errorf("pagebacking: unmap %#x: %w", pageAddr, err)
		}
		b.mu.Lock()
		delete(b.pages, pageAddr)
		b.mu.Unlock()
	}
	b.phys.Free(n * int(pageSize/Page4K.Size()))
	return nil
}

// Dirty reports the dirty bit of the page at addr/level.
func (b *Backing) Dirty(addr uintptr, level Level) bool {
	pageAddr := addr &^ (level.Size() - 1)
	st, ok := b.existingState(pageAddr)
	if !ok {
		return false
	}
	return atomic.LoadInt32(&st.dirty) != 0
}

// MarkDirty sets the dirty bit of the page at addr/level. Real hardware
// page tables set this automatically on a write; a userspace Go process
// cannot observe the CPU's dirty bit portably, so a future incremental
// collector would need to call this explicitly from its write barrier.
// Unused by the mark-sweep cycle in gc.Collector, which re-derives
// reachability from the object graph every cycle instead of relying on
// card marks; exercised here only as substrate for heap.IterateDirtyObjects.
func (b *Backing) MarkDirty(addr uintptr, level Level) {
	pageAddr := addr &^ (level.Size() - 1)
	atomic.StoreInt32(&b.state(pageAddr).dirty, 1)
}

// ClearDirty clears the dirty bit of the page at addr/level. Called by
// IterateDirtyObjects after invoking its callback for every object on the
// page.
func (b *Backing) ClearDirty(addr uintptr, level Level) {
	pageAddr := addr &^ (level.Size() - 1)
	if st, ok := b.existingState(pageAddr); ok {
		atomic.StoreInt32(&st.dirty, 0)
	}
}

func mmapReserve(base, size uintptr) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON | unix.MAP_NORESERVE
	if base != 0 {
		flags |= unix.MAP_FIXED
	}
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		base,
		size,
		unix.PROT_NONE,
		uintptr(flags),
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	return addr, nil
}

func mmapCommit(addr, size uintptr) error {
	s := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Mprotect(s, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	return nil
}

func mmapDecommit(addr, size uintptr) error {
	s := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Madvise(s, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(s, unix.PROT_NONE)
}
