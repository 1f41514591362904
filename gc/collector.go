package gc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/managed-kernel/mgc/gctype"
	"github.com/managed-kernel/mgc/heap"
	"github.com/managed-kernel/mgc/object"
	"github.com/managed-kernel/mgc/scheduler"
)

// Collector owns the four-handshake mark-sweep cycle and the collector's
// global state: the two rotating color registers, the all-objects head,
// and the registered global roots (each cycle builds its own root set from
// these plus every mutator's thread roots and snoop set).
type Collector struct {
	heap  *heap.Heap
	sched *scheduler.Scheduler
	log   *zap.Logger

	// black is the color register fresh allocations and survivors of the
	// in-progress cycle are tagged with; its complement is WHITE. They
	// swap at every cycle — colors are a two-element rotating set, not a
	// fixed mark bit.
	black uint32

	allObjectsHead unsafe.Pointer // *object.Header, CAS-managed

	mu          sync.Mutex
	mutators    map[*MutatorState]struct{}
	globalRoots []*object.Header

	markStack []*object.Header // transient, owned by the collector task
}

// NewCollector wires a collector to its heap and scheduler. The initial
// BLACK register is object.ColorA, matching a freshly-created mutator's
// zero-cycle alloc_color.
func NewCollector(h *heap.Heap, sched *scheduler.Scheduler, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{
		heap:     h,
		sched:    sched,
		log:      log,
		black:    uint32(object.ColorA),
		mutators: make(map[*MutatorState]struct{}),
	}
}

func (c *Collector) currentBlack() object.Color {
	return object.Color(atomic.LoadUint32(&c.black))
}

func (c *Collector) currentWhite() object.Color {
	if c.currentBlack() == object.ColorA {
		return object.ColorB
	}
	return object.ColorA
}

// flip swaps the meaning of BLACK and WHITE.
func (c *Collector) flip() {
	atomic.StoreUint32(&c.black, uint32(c.currentWhite()))
}

// RegisterMutator adds m to the population the handshakes drive. Must be
// called before m's thread performs any allocation or barrier call.
func (c *Collector) RegisterMutator(m *MutatorState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutators[m] = struct{}{}
}

// UnregisterMutator removes a retiring mutator from the handshake
// population.
func (c *Collector) UnregisterMutator(m *MutatorState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mutators, m)
}

// RegisterGlobalRoot adds a runtime-global object (e.g. the core library
// descriptor) to every cycle's root set.
func (c *Collector) RegisterGlobalRoot(obj *object.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalRoots = append(c.globalRoots, obj)
}

// Roots returns a snapshot of the currently registered global roots.
func (c *Collector) Roots() []*object.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*object.Header, len(c.globalRoots))
	copy(out, c.globalRoots)
	return out
}

func (c *Collector) mutatorSnapshot() []*MutatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*MutatorState, 0, len(c.mutators))
	for m := range c.mutators {
		out = append(out, m)
	}
	return out
}

// AllocObject allocates a zero-initialized cell sized for typ, tags it
// with the calling mutator's current alloc_color, stamps typ, and
// prepends it to the all-objects list. Every managed allocation must go
// through this entry point.
func (c *Collector) AllocObject(m *MutatorState, typ *gctype.Type) (*object.Header, error) {
	m.Thread.PreemptDisable()
	defer m.Thread.PreemptEnable()

	hdr, err := c.heap.Alloc(typ.Size)
	if err != nil {
		return nil, &ErrAllocationFailure{Size: typ.Size, Err: err}
	}
	if hdr == nil {
		return nil, &ErrAllocationFailure{Size: typ.Size}
	}

	// A reused cell still holds the fields of the object freed from it;
	// clear everything past the header before publishing it.
	if typ.Size > object.Size {
		clear(unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(hdr), object.Size)), typ.Size-object.Size))
	}
	hdr.SetType(typ)
	hdr.SetColor(m.AllocColor)
	c.prependAllObjects(hdr)

	if m.Snoop {
		m.recordSnoop(hdr)
	}
	return hdr, nil
}

// prependAllObjects is the lock-free CAS prepend used to publish a freshly
// allocated cell onto the all-objects list.
func (c *Collector) prependAllObjects(hdr *object.Header) {
	for {
		head := (*object.Header)(atomic.LoadPointer(&c.allObjectsHead))
		hdr.SetNext(head)
		if atomic.CompareAndSwapPointer(&c.allObjectsHead, unsafe.Pointer(head), unsafe.Pointer(hdr)) {
			return
		}
	}
}

// handshake drives every registered mutator through one suspend/apply/
// resume round: one goroutine per mutator (fanned out via errgroup, since
// every mutator's flag update is independent) suspends it, applies fn to
// it, and resumes it. Returns only after every mutator
// has observed fn's effect, establishing the happens-before edge the
// protocol depends on: once handshake N returns, every mutator has
// observed every effect handshake N applied.
func (c *Collector) handshake(name string, fn func(*MutatorState)) {
	c.sched.LockAllThreads()
	defer c.sched.UnlockAllThreads()

	mutators := c.mutatorSnapshot()
	c.log.Debug("handshake", zap.String("name", name), zap.Int("mutators", len(mutators)))

	var g errgroup.Group
	for _, m := range mutators {
		m := m
		g.Go(func() error {
			state := c.sched.SuspendThread(m.Thread)
			fn(m)
			c.sched.ResumeThread(state)
			return nil
		})
	}
	_ = g.Wait()
}

// Cycle runs one full mark-sweep cycle, in order: initiate, get roots,
// trace, sweep, prepare.
func (c *Collector) Cycle() {
	c.log.Info("gc cycle starting")

	// Initiate. The gap between these two handshakes is intentional: the
	// collector must already be snooping everywhere before tracing
	// begins, so nothing escapes unrecorded.
	c.handshake("install-snoop", func(m *MutatorState) { m.Snoop = true })
	c.handshake("install-barrier", func(m *MutatorState) { m.TraceOn = true })

	// Get roots.
	c.flip()
	var (
		roots   []*object.Header
		rootsMu sync.Mutex
	)
	c.handshake("ingest-roots", func(m *MutatorState) {
		m.AllocColor = c.currentBlack()
		m.Snoop = false
		// spec.md handshake 3 copies both this mutator's thread-local root
		// state (its stack/register roots, see MutatorState.ThreadRoots)
		// and its snoop set into the global root set. handshake fans every
		// mutator's closure out concurrently (see handshake above), so the
		// shared roots slice needs its own lock here — the per-mutator
		// GC-state fields it reads do not, since those are single-writer.
		threadRoots := m.ThreadRoots
		snooped := m.drainSnoop()
		rootsMu.Lock()
		roots = append(roots, threadRoots...)
		roots = append(roots, snooped...)
		rootsMu.Unlock()
	})
	roots = append(roots, c.Roots()...)

	// Trace.
	c.trace(roots)

	// Sweep.
	c.handshake("disarm-barrier", func(m *MutatorState) { m.TraceOn = false })
	freed := c.sweep()

	// Prepare.
	c.prepare()

	c.log.Info("gc cycle complete", zap.Int("freed", freed))
}

// trace drains the mark stack starting from roots, coloring every
// reachable WHITE object BLACK. Each object is pushed at most once per
// distinct discovery, but re-pushing an already-BLACK object (a root
// counted twice, or a cycle) is a cheap no-op since its color check
// simply fails on the second pop — this is what bounds the loop's
// termination.
func (c *Collector) trace(roots []*object.Header) {
	white := c.currentWhite()
	black := c.currentBlack()
	c.markStack = append(c.markStack[:0], roots...)

	for len(c.markStack) > 0 {
		n := len(c.markStack) - 1
		o := c.markStack[n]
		c.markStack = c.markStack[:n]

		if o.Color() != white {
			continue
		}

		typ := o.Type()
		if typ == nil {
			panicInvariant("trace: WHITE object has nil type")
		}

		if lp := o.LogPointer(); lp != 0 {
			// Dirty: the live fields may have since been overwritten.
			// Trace the snapshot taken at the moment the barrier first
			// fired on this object this cycle instead.
			snap := decodeLogToken(lp)
			for _, ref := range snap.fields {
				if ref != 0 {
					c.markStack = append(c.markStack, object.HeaderAt(ref))
				}
			}
		} else {
			// Clean: the live fields are exactly what was reachable at
			// cycle start.
			for _, off := range typ.ManagedPointerOffsets() {
				if ref := o.ReadField(off); ref != 0 {
					c.markStack = append(c.markStack, object.HeaderAt(ref))
				}
			}
		}

		o.SetColor(black)
	}
}

// sweep walks the intrusive all-objects list, reclaiming every still-WHITE
// cell. The head is CASed on removal because mutators may still be
// prepending fresh (BLACK) allocations concurrently; a failed head CAS
// means a prepend landed between the read and the CAS, so it retries by
// walking forward from the new head to find cur's actual predecessor —
// mutators only ever prepend (they never rewrite an existing node's next),
// so once past the head a plain store is all unlinking needs.
func (c *Collector) sweep() int {
	white := c.currentWhite()
	freed := 0

	var prev *object.Header
	cur := (*object.Header)(atomic.LoadPointer(&c.allObjectsHead))
	for cur != nil {
		next := cur.Next()
		if cur.Color() == white {
			c.unlink(prev, cur, next)
			debugAssert(cur.Color() != object.ColorBlue, "sweep: double free of a BLUE cell")
			c.heap.Free(cur)
			freed++
			cur = next
			continue
		}
		prev = cur
		cur = next
	}
	return freed
}

// unlink removes cur (whose predecessor was prev, or nil if cur was the
// head at read time) from the all-objects list, retrying against a racing
// prepend instead of giving up and leaking the cell for another cycle.
func (c *Collector) unlink(prev, cur, next *object.Header) {
	if prev == nil {
		if atomic.CompareAndSwapPointer(&c.allObjectsHead, unsafe.Pointer(cur), unsafe.Pointer(next)) {
			return
		}
		// A concurrent prepend beat us to the head. Walk forward from
		// whatever the head is now until we find cur's new predecessor.
		p := (*object.Header)(atomic.LoadPointer(&c.allObjectsHead))
		for p != nil && p.Next() != cur {
			p = p.Next()
		}
		debugAssert(p != nil, "sweep: cur vanished from the all-objects list mid-unlink")
		prev = p
	}
	prev.SetNext(next)
}

// prepare clears every log_pointer published this cycle: for every
// object referenced by a mutator's log, clear that object's log_pointer
// and drop the log itself.
func (c *Collector) prepare() {
	c.sched.LockAllThreads()
	defer c.sched.UnlockAllThreads()

	for _, m := range c.mutatorSnapshot() {
		for _, snap := range m.drainLog() {
			snap.obj.ClearLogPointer()
		}
	}
}
