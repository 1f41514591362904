package gc

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/managed-kernel/mgc/gctype"
	"github.com/managed-kernel/mgc/heap"
	"github.com/managed-kernel/mgc/object"
	"github.com/managed-kernel/mgc/pagebacking"
	"github.com/managed-kernel/mgc/scheduler"
)

// refType describes a managed type with a single reference-typed field
// right after the header, used throughout these tests.
var refType = gctype.NewType("Container", uintptr(object.Size)+8, []uintptr{object.Size})

func newTestCollector(t *testing.T) (*Collector, *MutatorState) {
	t.Helper()
	h, err := heap.New(heap.DefaultTestConfig(), pagebacking.NewBudgetedAllocator(-1), zap.NewNop())
	require.NoError(t, err)

	sched := scheduler.New()
	c := NewCollector(h, sched, zap.NewNop())
	m := NewMutatorState(sched.Spawn(), c)
	c.RegisterMutator(m)
	return c, m
}

func alloc(t *testing.T, c *Collector, m *MutatorState) *object.Header {
	t.Helper()
	obj, err := c.AllocObject(m, refType)
	require.NoError(t, err)
	require.NotNil(t, obj)
	return obj
}

// scenario 1: single-threaded acyclic graph. A -> B -> C, drop the root;
// gc_wait must free all three.
func TestAcyclicGraphReclamation(t *testing.T) {
	c, m := newTestCollector(t)

	a := alloc(t, c, m)
	b := alloc(t, c, m)
	cc := alloc(t, c, m)
	WriteRef(m, a, object.Size, b.Addr())
	WriteRef(m, b, object.Size, cc.Addr())
	// No root registered: dropping "the root reference to A" means the
	// test never calls RegisterGlobalRoot(a).

	c.Cycle()

	require.Equal(t, object.ColorBlue, a.Color())
	require.Equal(t, object.ColorBlue, b.Color())
	require.Equal(t, object.ColorBlue, cc.Color())
}

// scenario 2: a two-object cycle with no roots must still be fully
// reclaimed (this collector does no reference counting, so cycles are not
// a special case).
func TestCycleReclamation(t *testing.T) {
	c, m := newTestCollector(t)

	a := alloc(t, c, m)
	b := alloc(t, c, m)
	WriteRef(m, a, object.Size, b.Addr())
	WriteRef(m, b, object.Size, a.Addr())

	c.Cycle()

	require.Equal(t, object.ColorBlue, a.Color())
	require.Equal(t, object.ColorBlue, b.Color())
}

// scenario 3: barrier-preserves-live. Root = A, A.f = B. Once trace_on is
// armed and colors have flipped, T1 overwrites A.f = null; the barrier
// must log B as A's pre-mutation snapshot so trace still finds and
// retains B even though the live field no longer points to it.
func TestBarrierPreservesLive(t *testing.T) {
	c, m := newTestCollector(t)

	a := alloc(t, c, m)
	b := alloc(t, c, m)
	WriteRef(m, a, object.Size, b.Addr())
	c.RegisterGlobalRoot(a)

	c.handshake("install-snoop", func(ms *MutatorState) { ms.Snoop = true })
	c.handshake("install-barrier", func(ms *MutatorState) { ms.TraceOn = true })
	c.flip()

	// T1 is "about to overwrite A.f = null" right as the collector has
	// armed the barrier and flipped colors: a and b are now WHITE, so the
	// barrier fires and snapshots a's current fields (including the
	// reference to b) before the store clears it.
	require.Equal(t, c.currentWhite(), a.Color())
	WriteRef(m, a, object.Size, 0)
	require.NotZero(t, a.LogPointer(), "barrier must have published a's snapshot")
	require.Zero(t, a.ReadField(object.Size), "the live field must reflect the new store")

	var roots []*object.Header
	c.handshake("ingest-roots", func(ms *MutatorState) {
		ms.AllocColor = c.currentBlack()
		ms.Snoop = false
		roots = append(roots, ms.drainSnoop()...)
	})
	roots = append(roots, c.Roots()...)

	c.trace(roots)

	require.Equal(t, c.currentBlack(), a.Color())
	require.Equal(t, c.currentBlack(), b.Color(), "b must survive via a's logged snapshot")
}

// TestThreadRootsSurviveCycle checks that an object reachable only through
// a mutator's declared ThreadRoots — never stored into any managed field,
// and never registered as a global root — is still carried into the cycle's
// root set at handshake 3 and survives, per spec.md's handshake 3 "copy
// thread-local root state ... into the global roots set".
func TestThreadRootsSurviveCycle(t *testing.T) {
	c, m := newTestCollector(t)

	stackLocal := alloc(t, c, m)
	m.SetThreadRoots([]*object.Header{stackLocal})

	c.Cycle()

	require.NotEqual(t, object.ColorBlue, stackLocal.Color(), "object reachable only via ThreadRoots must survive")
}

// scenario 4: snoop captures late publication. Root R holds container C.
// Between "install snoop" and "install barrier", the mutator stores
// C.f = X where X was previously unreferenced; X must end up in the root
// set and survive the cycle via the snoop set, not via the live graph.
func TestSnoopCapturesLatePublication(t *testing.T) {
	c, m := newTestCollector(t)

	r := alloc(t, c, m)
	contC := alloc(t, c, m)
	x := alloc(t, c, m)
	WriteRef(m, r, object.Size, contC.Addr())
	c.RegisterGlobalRoot(r)

	c.handshake("install-snoop", func(ms *MutatorState) { ms.Snoop = true })

	// The narrow window between handshake 1 and handshake 2.
	WriteRef(m, contC, object.Size, x.Addr())
	require.Contains(t, m.Snooped, x)

	c.handshake("install-barrier", func(ms *MutatorState) { ms.TraceOn = true })
	c.flip()

	var roots []*object.Header
	c.handshake("ingest-roots", func(ms *MutatorState) {
		ms.AllocColor = c.currentBlack()
		ms.Snoop = false
		roots = append(roots, ms.drainSnoop()...)
	})
	roots = append(roots, c.Roots()...)
	require.Contains(t, roots, x)

	c.trace(roots)

	require.Equal(t, c.currentBlack(), x.Color(), "x must survive: it was captured by the snoop set")
	require.Equal(t, c.currentBlack(), contC.Color())
	require.Equal(t, c.currentBlack(), r.Color())
}

// scenario 5: fresh allocation during trace. After "ingest roots", a
// mutator allocation is tagged with the new BLACK and must survive this
// cycle's sweep regardless of reachability, but is fair game for the very
// next cycle.
func TestFreshAllocationDuringTraceSurvivesOneCycle(t *testing.T) {
	c, m := newTestCollector(t)

	c.handshake("install-snoop", func(ms *MutatorState) { ms.Snoop = true })
	c.handshake("install-barrier", func(ms *MutatorState) { ms.TraceOn = true })
	c.flip()
	c.handshake("ingest-roots", func(ms *MutatorState) {
		ms.AllocColor = c.currentBlack()
		ms.Snoop = false
		ms.drainSnoop()
	})

	d := alloc(t, c, m) // unreferenced, allocated mid-cycle
	require.Equal(t, c.currentBlack(), d.Color())

	c.trace(nil)
	c.handshake("disarm-barrier", func(ms *MutatorState) { ms.TraceOn = false })
	c.sweep()
	c.prepare()

	require.NotEqual(t, object.ColorBlue, d.Color(), "d must survive the cycle it was born in")

	// Next cycle: still unreferenced, now fair game.
	c.Cycle()
	require.Equal(t, object.ColorBlue, d.Color())
}

// TestBarrierIdempotence checks that across any sequence of barrier
// invocations on one object within a single cycle, at most one snapshot is
// ever published.
func TestBarrierIdempotence(t *testing.T) {
	c, m := newTestCollector(t)

	a := alloc(t, c, m)
	b := alloc(t, c, m)
	x := alloc(t, c, m)
	WriteRef(m, a, object.Size, b.Addr())

	c.handshake("install-barrier", func(ms *MutatorState) { ms.TraceOn = true })
	c.flip()

	WriteRef(m, a, object.Size, x.Addr())
	first := a.LogPointer()
	require.NotZero(t, first)

	WriteRef(m, a, object.Size, 0)
	require.Equal(t, first, a.LogPointer(), "a second barrier firing on the same object must not republish")

	require.Len(t, m.log, 1)
}

func TestAllocObjectZeroInitializedAndListed(t *testing.T) {
	c, m := newTestCollector(t)

	obj := alloc(t, c, m)
	require.Zero(t, obj.ReadField(object.Size))
	require.Equal(t, m.AllocColor, obj.Color())

	found := false
	for cur := (*object.Header)(atomic.LoadPointer(&c.allObjectsHead)); cur != nil; cur = cur.Next() {
		if cur == obj {
			found = true
			break
		}
	}
	require.True(t, found, "newly allocated object must be on the all-objects list")
}
