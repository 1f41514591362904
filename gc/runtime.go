package gc

import (
	"go.uber.org/zap"

	"github.com/managed-kernel/mgc/gctype"
	"github.com/managed-kernel/mgc/heap"
	"github.com/managed-kernel/mgc/internal/gclog"
	"github.com/managed-kernel/mgc/object"
	"github.com/managed-kernel/mgc/pagebacking"
	"github.com/managed-kernel/mgc/scheduler"
)

// Runtime is the module's single entry point: it owns the heap, the
// scheduler, the collector, and the conductor, and exposes exactly the
// external interfaces a JIT/managed runtime caller needs (alloc_object,
// write_ref, gc_wait, gc_wake) plus the mutator lifecycle hooks a real JIT
// would call on thread start/exit.
type Runtime struct {
	heap      *heap.Heap
	sched     *scheduler.Scheduler
	collector *Collector
	conductor *Conductor
	log       *zap.Logger
}

// New builds a Runtime: reserves the managed heap, then spawns the
// dedicated collector task and blocks until it is alive and listening for
// requests, rather than returning as soon as the goroutine has merely
// been scheduled.
func New(cfg heap.Config, phys pagebacking.PhysicalAllocator, log *zap.Logger) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}

	h, err := heap.New(cfg, phys, gclog.Named(log, "heap"))
	if err != nil {
		return nil, err
	}

	sched := scheduler.New()
	collector := NewCollector(h, sched, gclog.Named(log, "collector"))
	conductor := NewConductor()

	r := &Runtime{
		heap:      h,
		sched:     sched,
		collector: collector,
		conductor: conductor,
		log:       log,
	}

	go conductor.Run(collector.Cycle)
	conductor.WaitUntilReady()

	return r, nil
}

// SpawnMutator registers a new mutator thread with both the scheduler and
// the collector's handshake population. Call once per JIT-level thread at
// birth, before any allocation or write barrier call from it.
func (r *Runtime) SpawnMutator() *MutatorState {
	t := r.sched.Spawn()
	m := NewMutatorState(t, r.collector)
	r.collector.RegisterMutator(m)
	return m
}

// RetireMutator removes a mutator from both the scheduler and the
// collector's handshake population. The thread must not be suspended when
// this is called.
func (r *Runtime) RetireMutator(m *MutatorState) {
	r.collector.UnregisterMutator(m)
	r.sched.Retire(m.Thread)
}

// AllocObject is the external alloc_object entry point.
func (r *Runtime) AllocObject(m *MutatorState, typ *gctype.Type) (*object.Header, error) {
	return r.collector.AllocObject(m, typ)
}

// WriteRef is the external write_ref entry point: must wrap every store
// of a reference-typed field into a managed object.
func (r *Runtime) WriteRef(m *MutatorState, obj *object.Header, fieldOffset uintptr, newValue uintptr) {
	WriteRef(m, obj, fieldOffset, newValue)
}

// GCWait triggers a collection and blocks until it completes.
func (r *Runtime) GCWait() {
	r.conductor.Wait()
}

// GCWake triggers a collection without waiting for it to complete. A
// no-op if a cycle is already in flight.
func (r *Runtime) GCWake() {
	r.conductor.Wake()
}

// RegisterGlobalRoot adds a runtime-global object (e.g. the core library
// descriptor) to every cycle's root set.
func (r *Runtime) RegisterGlobalRoot(obj *object.Header) {
	r.collector.RegisterGlobalRoot(obj)
}

// Find is the conservative stack scanner's entry point: does ptr land
// inside a currently-mapped managed cell?
func (r *Runtime) Find(ptr uintptr) *object.Header {
	return r.heap.Find(ptr)
}

// Heap exposes the underlying heap for callers (tests, diagnostics) that
// need iteration or size-class introspection beyond the mutator-facing
// surface above.
func (r *Runtime) Heap() *heap.Heap { return r.heap }
