package gc

import (
	"github.com/managed-kernel/mgc/object"
	"github.com/managed-kernel/mgc/scheduler"
)

// logSnapshot is one object's pre-mutation field snapshot, published into
// that object's log_pointer by the write barrier. It is allocated once
// and never mutated afterward, so the tracer can read its fields while
// the owning mutator keeps running concurrently — there is no shared
// backing array to reallocate out from under a previously published
// pointer, unlike a flat append-only buffer would have.
type logSnapshot struct {
	obj    *object.Header
	fields []uintptr // in ManagedPointerOffsets order
}

// MutatorState is the per-thread collector-visible state a mutator
// carries: its current allocation color, whether the snapshot barrier is
// armed, the snoop flag, and its private log buffer. The flags, the snoop
// set and the thread roots are touched only by the owning goroutine while
// running, or by the collector while that goroutine is suspended at a
// safepoint — never both at once — so none of it needs atomics. The log is
// the one exception: prepare drains it under the all-threads lock without
// suspending the mutator, after handshake 4 has cleared TraceOn so the
// owner publishes nothing new into it.
type MutatorState struct {
	Thread    *scheduler.Thread
	collector *Collector

	// AllocColor is the color stamped onto every object this mutator
	// allocates. Set to the new BLACK by the collector (while this mutator
	// is suspended) at handshake 3 (ingest roots), right after the colors
	// flip.
	AllocColor object.Color

	// TraceOn gates the write barrier's log-capture path. False outside a
	// collection cycle.
	TraceOn bool

	// Snoop is armed between handshake 1 (install snoop) and handshake 3
	// (ingest roots, which lowers it and drains the snoop set). While
	// armed, newly escaping pointers
	// are also recorded into Snooped.
	Snoop bool

	// log holds every snapshot this mutator published this cycle, so
	// prepare can clear each one's log_pointer without walking the whole
	// all-objects list.
	log []*logSnapshot

	// Snooped holds objects written into any field while Snoop was
	// armed, so the collector can treat them as already-marked roots even
	// though they were written after the root snapshot was taken.
	Snooped []*object.Header

	// ThreadRoots holds the addresses this mutator currently considers GC
	// roots — its live stack slots and registers, as a conservative or
	// precise stack scanner would report them. Populated at will by the
	// owning mutator via SetThreadRoots; read by the collector only while
	// this mutator is suspended during the "ingest roots" handshake
	// (spec.md §4.F handshake 3), exactly like Snooped. This module does
	// not itself walk stacks — the JIT/codegen layer that owns them is an
	// out-of-scope external collaborator (spec.md §1) — so the owning
	// mutator is responsible for keeping this set current.
	ThreadRoots []*object.Header
}

// NewMutatorState attaches collector bookkeeping to an already-spawned
// scheduler thread and seeds alloc_color from the collector's current
// BLACK: a mutator born mid-cycle allocates with the same color a
// survivor of this cycle would get.
func NewMutatorState(t *scheduler.Thread, c *Collector) *MutatorState {
	return &MutatorState{Thread: t, collector: c, AllocColor: c.currentBlack()}
}

// publishLog records a newly published snapshot for later clearing in
// prepare.
func (m *MutatorState) publishLog(snap *logSnapshot) {
	m.log = append(m.log, snap)
}

// drainLog returns and clears the accumulated log. Called by the
// collector's prepare phase under the all-threads lock, after handshake 4
// has cleared TraceOn; the mutator is not suspended at that point.
func (m *MutatorState) drainLog() []*logSnapshot {
	l := m.log
	m.log = nil
	return l
}

// SetThreadRoots replaces the mutator's current thread-local root set. A
// real JIT would call this from its own stack-walk/safepoint code as the
// mutator's live references change; the collector only ever reads the
// result while this mutator is suspended, so no synchronization is needed
// between a call here and the collector's read at handshake 3.
func (m *MutatorState) SetThreadRoots(roots []*object.Header) {
	m.ThreadRoots = roots
}

// recordSnoop appends an object written into a reachable field while
// Snoop is armed, capturing a late-published reference the root snapshot
// would otherwise have missed.
func (m *MutatorState) recordSnoop(obj *object.Header) {
	m.Snooped = append(m.Snooped, obj)
}

// drainSnoop returns and clears the snoop set. Called at handshake 3,
// while this mutator is suspended and right after its snoop flag has been
// lowered.
func (m *MutatorState) drainSnoop() []*object.Header {
	s := m.Snooped
	m.Snooped = nil
	return s
}
