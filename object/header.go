// Package object defines the fixed-size prefix laid down at the start of
// every managed allocation. It is deliberately tiny and imported by both
// heap (which reads and writes the color to tell a free cell from a live
// one, and clears the type when freeing) and gc (which owns the rest of the
// collector semantics), so the two packages agree on one in-memory
// layout without heap depending on the collector or vice versa.
package object

import (
	"sync/atomic"
	"unsafe"

	"github.com/managed-kernel/mgc/gctype"
)

// Color is the color tag kept in every object header. Black and
// white swap meaning every cycle — colors are a two-element rotating
// set, not fixed mark bits; only Blue is a stable, absolute value — it
// is never produced except by heap.Free repainting a cell, and never
// consumed except by heap.Alloc looking for a free cell.
type Color uint32

const (
	// ColorBlue is the stable "free cell" sentinel, chosen as the zero
	// value deliberately: newly committed pages from the page backing
	// arrive zero-filled by the operating system (anonymous mmap), so a
	// cell nobody has ever allocated already reads as BLUE with no
	// explicit initialization needed. Neither rotating register value is
	// ever zero, so no ordinary allocation can spontaneously produce
	// BLUE.
	ColorBlue Color = 0
	// ColorA and ColorB are the two rotating register values. Which one
	// currently means BLACK and which means WHITE is tracked globally by
	// the collector (gc.Collector), not by the object itself.
	ColorA Color = 1
	ColorB Color = 2
)

// Header is the prefix of every managed allocation. Its layout is fixed at
// exactly 32 bytes so it fits inside the smallest heap size class, the
// 32-byte pool: Type, LogPointer and Next are each one machine word, and
// Color is packed into the remaining word.
//
// Header values are never constructed directly in Go; they are always
// obtained via HeaderAt, which overlays this struct onto a raw address
// handed back by the heap.
type Header struct {
	typ        unsafe.Pointer // *gctype.Type; nil iff Color == ColorBlue
	logPointer unsafe.Pointer // the object's published pre-mutation snapshot, or nil
	next       unsafe.Pointer // *Header; intrusive all-objects list link
	color      uint32
}

// Size is the header's footprint in bytes. Field offsets passed to the
// write barrier are relative to the object's base address and are
// expected (by the out-of-scope metadata loader) to start at or after
// Size.
const Size = unsafe.Sizeof(Header{})

func init() {
	if Size != 32 {
		// The header must fit the smallest size class exactly; a layout
		// change here changes the minimum viable object size.
		panic("object: Header size drifted from 32 bytes")
	}
}

// HeaderAt overlays a Header onto the memory at addr. addr must be a cell
// address returned by heap.Heap.Alloc/Find — i.e. already aligned to its
// size class.
func HeaderAt(addr uintptr) *Header {
	return (*Header)(unsafe.Pointer(addr))
}

// Addr returns the object's base address.
func (h *Header) Addr() uintptr {
	return uintptr(unsafe.Pointer(h))
}

// Type returns the object's type descriptor, or nil for a free (BLUE)
// cell.
func (h *Header) Type() *gctype.Type {
	p := atomic.LoadPointer(&h.typ)
	return (*gctype.Type)(p)
}

// SetType stamps the object's type. Only ever called once, at allocation.
func (h *Header) SetType(t *gctype.Type) {
	atomic.StorePointer(&h.typ, unsafe.Pointer(t))
}

// Color returns the object's current color.
func (h *Header) Color() Color {
	return Color(atomic.LoadUint32(&h.color))
}

// SetColor sets the object's color unconditionally. Used by allocation
// (stamping the allocation color), sweep (repainting BLUE) and the tracer
// (marking an object black).
func (h *Header) SetColor(c Color) {
	atomic.StoreUint32(&h.color, uint32(c))
}

// CompareAndSwapColor atomically claims a cell out of the free (BLUE)
// state. heap.Alloc uses this to make "find a BLUE cell and take it" a
// single atomic step, so two concurrent allocators scanning the same band
// can never both walk away believing they own the same cell.
func (h *Header) CompareAndSwapColor(old, new Color) bool {
	return atomic.CompareAndSwapUint32(&h.color, uint32(old), uint32(new))
}

// LogPointer returns the address of this object's pre-mutation field
// snapshot (recorded in its owning mutator's log), or 0 if the object is
// clean this cycle.
func (h *Header) LogPointer() uintptr {
	return uintptr(atomic.LoadPointer(&h.logPointer))
}

// CompareAndSwapLogPointer implements the barrier's racing-publication
// check: re-check log_pointer == nil, and if still nil publish; if not
// nil, another barrier raced this one and won.
func (h *Header) CompareAndSwapLogPointer(old, new uintptr) bool {
	return atomic.CompareAndSwapPointer(&h.logPointer, unsafe.Pointer(old), unsafe.Pointer(new))
}

// ClearLogPointer resets the dirty marker at the end of a cycle's
// prepare phase.
func (h *Header) ClearLogPointer() {
	atomic.StorePointer(&h.logPointer, nil)
}

// Next returns the next header in the intrusive all-objects list.
func (h *Header) Next() *Header {
	p := atomic.LoadPointer(&h.next)
	return (*Header)(p)
}

// CompareAndSwapNext atomically replaces the next link if it still equals
// old. The all-objects list does not use it: prepend and removal CAS only
// the list head (gc.Collector), and interior links are set with SetNext.
func (h *Header) CompareAndSwapNext(old, new *Header) bool {
	return atomic.CompareAndSwapPointer(&h.next, unsafe.Pointer(old), unsafe.Pointer(new))
}

// SetNext sets the next link unconditionally. Used by the collector's
// prepend on a cell not yet published, and by sweep when it already holds
// exclusive knowledge of the predecessor (no concurrent mutator can be
// prepending behind an object sweep is about to unlink).
func (h *Header) SetNext(n *Header) {
	atomic.StorePointer(&h.next, unsafe.Pointer(n))
}

// FieldPointer returns the address of the reference-typed field at
// byteOffset from the object's base address.
func (h *Header) FieldPointer(byteOffset uintptr) *unsafe.Pointer {
	return (*unsafe.Pointer)(unsafe.Pointer(h.Addr() + byteOffset))
}

// ReadField atomically reads the reference-typed field at byteOffset.
func (h *Header) ReadField(byteOffset uintptr) uintptr {
	return uintptr(atomic.LoadPointer(h.FieldPointer(byteOffset)))
}

// WriteField atomically writes the reference-typed field at byteOffset.
func (h *Header) WriteField(byteOffset uintptr, value uintptr) {
	atomic.StorePointer(h.FieldPointer(byteOffset), unsafe.Pointer(value))
}
