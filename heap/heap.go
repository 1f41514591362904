// Package heap implements the size-segregated, virtual-address-derived
// object heap. The pool a cell lives in — and therefore its size — is a
// pure function of the cell's address; no size metadata is ever stored
// alongside a cell. Concurrency is brokered by per-band semaphores inside
// each size class: a contended band is skipped rather than waited on, so
// allocation never blocks on another allocator.
package heap

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/managed-kernel/mgc/internal/gclog"
	"github.com/managed-kernel/mgc/object"
	"github.com/managed-kernel/mgc/pagebacking"
)

// Config parameterizes the address-space layout. The zero value is not
// useful; use DefaultConfig or DefaultTestConfig.
type Config struct {
	// PoolCount is the number of top-level size classes (26 in production).
	PoolCount int
	// PoolSize is the byte span of one top-level pool (512 GiB in
	// production).
	PoolSize uintptr
	// SubPoolSize is the byte span of one sub-pool within a pool (1 GiB
	// in production).
	SubPoolSize uintptr
	// Bands is the number of lock bands per pool: locked bands of
	// 512/cpu_count sub-pools per spinlock, i.e. one band per core. New
	// raises a value below 1 to 1, caps it at PoolSize/SubPoolSize, and
	// rounds it down to the nearest divisor of PoolSize/SubPoolSize.
	Bands int
	// Base is passed through to pagebacking.Config.Base.
	Base uintptr
}

// DefaultConfig returns the production address-space layout: 26 pools of
// 512 GiB, 1 GiB sub-pools, one band per CPU.
func DefaultConfig() Config {
	return Config{
		PoolCount:   26,
		PoolSize:    512 << 30,
		SubPoolSize: 1 << 30,
		Bands:       runtime.NumCPU(),
		Base:        0,
	}
}

// DefaultTestConfig returns a scaled-down layout that preserves every bit
// of the production algorithm (pool index is still a pure function of the
// address's high bits, bands still gate sub-pool groups) while reserving a
// virtual span small enough for a test process: 26 pools of 64 MiB, 1 MiB
// sub-pools.
func DefaultTestConfig() Config {
	return Config{
		PoolCount:   26,
		PoolSize:    64 << 20,
		SubPoolSize: 1 << 20,
		Bands:       runtime.NumCPU(),
		Base:        0,
	}
}

// Heap is the size-segregated allocator.
type Heap struct {
	cfg     Config
	backing *pagebacking.Backing
	log     *zap.Logger

	subPoolsPerPool int
	subPoolsPerBand int
	bands           [][]*semaphore.Weighted // [poolIdx][bandIdx]
}

// New reserves the managed virtual range and prepares per-pool band locks.
func New(cfg Config, phys pagebacking.PhysicalAllocator, log *zap.Logger) (*Heap, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Bands <= 0 {
		cfg.Bands = 1
	}
	subPoolsPerPool := int(cfg.PoolSize / cfg.SubPoolSize)
	if cfg.Bands > subPoolsPerPool {
		cfg.Bands = subPoolsPerPool
	}
	// Bands are sized as sub-pools per spinlock, an exact division; round
	// the band count down to the nearest divisor of subPoolsPerPool
	// instead of failing outright, so a host's actual core count (rarely
	// itself a divisor of a config picked independently) never prevents
	// the heap from coming up.
	for subPoolsPerPool%cfg.Bands != 0 {
		cfg.Bands--
	}

	total := cfg.PoolSize * uintptr(cfg.PoolCount)
	backing, err := pagebacking.Reserve(pagebacking.Config{Base: cfg.Base, Size: total}, phys, gclog.Named(log, "pagebacking"))
	if err != nil {
		return nil, err
	}

	bands := make([][]*semaphore.Weighted, cfg.PoolCount)
	for i := range bands {
		bands[i] = make([]*semaphore.Weighted, cfg.Bands)
		for j := range bands[i] {
			bands[i][j] = semaphore.NewWeighted(1)
		}
	}

	return &Heap{
		cfg:             cfg,
		backing:         backing,
		log:             log,
		subPoolsPerPool: subPoolsPerPool,
		subPoolsPerBand: subPoolsPerPool / cfg.Bands,
		bands:           bands,
	}, nil
}

// Base returns the managed range's actual base address.
func (h *Heap) Base() uintptr { return h.backing.Base() }

func (h *Heap) poolBase(poolIdx int) uintptr {
	return h.backing.Base() + uintptr(poolIdx)*h.cfg.PoolSize
}

func (h *Heap) subPoolBase(poolIdx, subIdx int) uintptr {
	return h.poolBase(poolIdx) + uintptr(subIdx)*h.cfg.SubPoolSize
}

// cellLevel returns which page-granularity a cell of the given size is
// tracked at: one 2 MiB huge page per cell at or above 2 MiB, one native
// 4 KiB page per cell below that.
func cellLevel(cellSize uintptr) pagebacking.Level {
	if cellSize >= pagebacking.Page2M.Size() {
		return pagebacking.Page2M
	}
	return pagebacking.Page4K
}

// Alloc rounds size up to the next power of two (floor MinCellSize),
// derives the owning pool, and returns the first BLUE cell found while
// scanning that pool's bands in order. Returns nil, nil if the pool is
// exhausted rather than an error — an out-of-memory condition is the
// caller's to surface, not this package's.
func (h *Heap) Alloc(size uintptr) (*object.Header, error) {
	if size > MaxCellSize {
		return nil, fmt.Errorf("heap: requested size %d exceeds MaxCellSize %d", size, MaxCellSize)
	}
	cellSize := roundToPowerOfTwo(size)
	poolIdx := poolIndexForCellSize(cellSize)
	if poolIdx < 0 || poolIdx >= h.cfg.PoolCount {
		return nil, fmt.Errorf("heap: size %d maps to out-of-range pool %d", size, poolIdx)
	}

	level := cellLevel(cellSize)

	for bandIdx := 0; bandIdx < h.cfg.Bands; bandIdx++ {
		sem := h.bands[poolIdx][bandIdx]
		if !sem.TryAcquire(1) {
			// Band is contended; skip it entirely rather than wait. As
			// many bands exist as cores, so some band is always free to
			// a caller eventually.
			continue
		}
		obj, err := h.allocInBand(poolIdx, bandIdx, cellSize, level)
		sem.Release(1)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			return obj, nil
		}
	}
	return nil, nil
}

func (h *Heap) allocInBand(poolIdx, bandIdx int, cellSize uintptr, level pagebacking.Level) (*object.Header, error) {
	firstSub := bandIdx * h.subPoolsPerBand
	for s := 0; s < h.subPoolsPerBand; s++ {
		subIdx := firstSub + s
		base := h.subPoolBase(poolIdx, subIdx)
		obj, err := h.allocInSubPool(base, h.cfg.SubPoolSize, cellSize, level)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			return obj, nil
		}
	}
	return nil, nil
}

// allocInSubPool walks cellSize-aligned slots across [base, base+span),
// lazily committing the page(s) backing each slot the first time it is
// touched, and returns the first one whose header is BLUE.
func (h *Heap) allocInSubPool(base, span, cellSize uintptr, level pagebacking.Level) (*object.Header, error) {
	pageSize := level.Size()
	cellsPerPage := uintptr(1)
	pagesPerCell := uintptr(1)
	if cellSize >= pageSize {
		pagesPerCell = cellSize / pageSize
	} else {
		cellsPerPage = pageSize / cellSize
	}
	_ = cellsPerPage

	for addr := base; addr < base+span; addr += cellSize {
		pageAddr := addr &^ (pageSize - 1)
		if !h.backing.IsPresent(pageAddr, level) {
			if err := h.backing.Map(pageAddr, level, int(pagesPerCell)); err != nil {
				// Out of physical memory materializing this slot; this is
				// recoverable, advance to the next slot.
				h.log.Warn("heap: page backing failure, skipping slot",
					zap.Uintptr("addr", addr), zap.Error(err))
				// Skip the rest of the page(s) we couldn't map.
				addr = pageAddr + pageSize*pagesPerCell - cellSize
				continue
			}
		}

		hdr := object.HeaderAt(addr)
		if hdr.Color() == object.ColorBlue {
			if hdr.CompareAndSwapColor(object.ColorBlue, object.ColorA) {
				return hdr, nil
			}
		}
	}
	return nil, nil
}

// Find returns the object containing ptr, or nil if ptr does not land
// inside a currently-mapped managed cell. This is the conservative stack
// scanner's "does this bit pattern point into a managed object?" test;
// it never allocates or mutates state.
func (h *Heap) Find(ptr uintptr) *object.Header {
	if !h.backing.Contains(ptr) {
		return nil
	}
	offset := ptr - h.backing.Base()
	poolIdx := int(offset / h.cfg.PoolSize)
	if poolIdx < 0 || poolIdx >= h.cfg.PoolCount {
		return nil
	}
	cellSize := cellSizeForPoolIndex(poolIdx)
	level := cellLevel(cellSize)
	pageSize := level.Size()
	pageAddr := ptr &^ (pageSize - 1)
	if !h.backing.IsPresent(pageAddr, level) {
		return nil
	}
	cellAddr := ptr &^ (cellSize - 1)
	return object.HeaderAt(cellAddr)
}

// Free repaints obj's cell BLUE. The physical page backing it stays
// mapped for reuse by a future allocation in the same size class.
func (h *Heap) Free(obj *object.Header) {
	obj.SetType(nil)
	obj.SetColor(object.ColorBlue)
}

// ObjectCallback is invoked once per mapped cell by IterateObjects and
// IterateDirtyObjects, in address order.
type ObjectCallback func(obj *object.Header)

// IterateObjects walks every mapped cell across every pool, in address
// order, regardless of color.
func (h *Heap) IterateObjects(cb ObjectCallback) {
	for poolIdx := 0; poolIdx < h.cfg.PoolCount; poolIdx++ {
		cellSize := cellSizeForPoolIndex(poolIdx)
		level := cellLevel(cellSize)
		pageSize := level.Size()
		poolBase := h.poolBase(poolIdx)
		for addr := poolBase; addr < poolBase+h.cfg.PoolSize; addr += cellSize {
			pageAddr := addr &^ (pageSize - 1)
			if !h.backing.IsPresent(pageAddr, level) {
				// Skip to the next page boundary; nothing in this page
				// is mapped.
				addr = pageAddr + pageSize - cellSize
				continue
			}
			cb(object.HeaderAt(addr))
		}
	}
}

// IterateDirtyObjects walks only cells on pages whose dirty bit is set,
// invoking cb once per cell on that page, then clears the bit. This is
// card-marking substrate for a future incremental collector; the
// concurrent mark-sweep cycle this module implements does not call it.
func (h *Heap) IterateDirtyObjects(cb ObjectCallback) {
	// lastReported is the base of the last cell handed to cb, so a cell
	// spanning several dirty pages is reported only once.
	var lastReported uintptr
	for poolIdx := 0; poolIdx < h.cfg.PoolCount; poolIdx++ {
		cellSize := cellSizeForPoolIndex(poolIdx)
		level := cellLevel(cellSize)
		pageSize := level.Size()
		poolBase := h.poolBase(poolIdx)
		for pageAddr := poolBase; pageAddr < poolBase+h.cfg.PoolSize; pageAddr += pageSize {
			if !h.backing.IsPresent(pageAddr, level) {
				continue
			}
			if !h.backing.Dirty(pageAddr, level) {
				continue
			}
			if cb != nil {
				// objBase is the true base of the cell(s) covering this
				// page. For cellSize <= pageSize (many cells per page)
				// objBase == pageAddr, matching the previous behavior.
				// For cellSize > pageSize (a cell spans multiple pages,
				// size classes 8 KiB-1 MiB and 4 MiB-512 MiB), pageAddr
				// may be an interior page of a cell that started on an
				// earlier page, so align down to the cell size first —
				// mirrors heap_iterate_dirty_objects's
				// object_base = ALIGN_DOWN(pml1i << 12, pool_object_size).
				objBase := pageAddr &^ (cellSize - 1)
				for addr := objBase; addr < pageAddr+pageSize; addr += cellSize {
					if addr < pageAddr && addr == lastReported {
						// This cell started on an earlier page that was
						// dirty too and has already been reported; a
						// multi-page cell is handed to cb once, whichever
						// of its pages are dirty.
						continue
					}
					cb(object.HeaderAt(addr))
					lastReported = addr
				}
			}
			h.backing.ClearDirty(pageAddr, level)
		}
	}
}
