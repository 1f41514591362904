// Package gctype defines the contract the collector and heap require from
// the managed-language type system. The actual metadata loader and class
// representation live outside this module; the collector only ever sees
// this narrow view of a type.
package gctype

// Type describes the shape of a managed object for the purposes of
// allocation and tracing. Implementations are owned by the metadata
// loader; the GC never constructs one itself.
type Type struct {
	// Size is the number of bytes occupied by an instance of this type,
	// header included. Object allocation rounds this up to the next
	// power of two to pick a heap size class.
	Size uintptr

	// Name is used only for diagnostics (OOM/assertion logging).
	Name string

	// managedPointerOffsets holds the byte offsets, relative to the start
	// of the object, of every reference-typed field, in ascending order.
	// The write barrier and tracer read fields in this order when taking
	// or replaying a snapshot.
	managedPointerOffsets []uintptr
}

// NewType builds a Type descriptor. offsets must already be sorted in
// ascending order; NewType does not sort them — that is the metadata loader's
// responsibility, not this package's.
func NewType(name string, size uintptr, offsets []uintptr) *Type {
	cp := make([]uintptr, len(offsets))
	copy(cp, offsets)
	return &Type{Size: size, Name: name, managedPointerOffsets: cp}
}

// ManagedPointerOffsets returns the ascending list of reference-typed field
// offsets. The write barrier and tracer use this to enumerate exactly the
// fields that can hold a managed pointer; non-reference fields are never
// touched by the collector.
func (t *Type) ManagedPointerOffsets() []uintptr {
	return t.managedPointerOffsets
}
