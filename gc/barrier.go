package gc

import (
	"unsafe"

	"github.com/managed-kernel/mgc/object"
)

// WriteRef implements the snapshot-at-the-beginning write barrier: it
// must wrap every store of a reference-typed field into a managed
// object. fieldOffset is the byte offset of the field within obj,
// matching one of obj.Type().ManagedPointerOffsets(). newValue is the
// address being stored (0 for a null reference).
func WriteRef(m *MutatorState, obj *object.Header, fieldOffset uintptr, newValue uintptr) {
	// Step 1: suppress preemption. The whole barrier body below must run
	// between safepoints — no cooperative yield points inside it.
	m.Thread.PreemptDisable()
	defer m.Thread.PreemptEnable()

	// Step 2: log the pre-mutation snapshot, at most once per object per
	// cycle.
	if m.TraceOn && obj.Color() == m.collector.currentWhite() && obj.LogPointer() == 0 {
		logFirstTouch(m, obj)
	}

	// Step 3: the actual store.
	obj.WriteField(fieldOffset, newValue)

	// Step 4: snoop captures late publication between handshake 1 and
	// handshake 2.
	if m.Snoop && newValue != 0 {
		m.recordSnoop(object.HeaderAt(newValue))
	}
}

// logFirstTouch performs the barrier's snapshot-then-publish sequence:
// copy every reference-typed field of obj into a new snapshot, then
// re-check log_pointer is still nil before publishing —
// discarding the snapshot if another barrier already won the race. The
// caller has already observed obj WHITE with a nil log_pointer, but both
// can change concurrently (another thread's barrier racing on the same
// obj), which is exactly why the publish step re-checks rather than
// trusting that earlier read.
func logFirstTouch(m *MutatorState, obj *object.Header) {
	typ := obj.Type()
	if typ == nil {
		// Invariant violation: a non-BLUE cell always carries a type.
		panicInvariant("write barrier: object has nil type but non-BLUE color")
	}

	offsets := typ.ManagedPointerOffsets()
	snap := &logSnapshot{obj: obj, fields: make([]uintptr, len(offsets))}
	for i, off := range offsets {
		snap.fields[i] = obj.ReadField(off)
	}

	if obj.CompareAndSwapLogPointer(0, logToken(snap)) {
		m.publishLog(snap)
	}
	// Else: another barrier published first; snap is simply discarded
	// (unreferenced) and collected by this program's own garbage
	// collector — there is no buffer position to rewind.
}

// logToken and decodeLogToken convert between a *logSnapshot and the
// uintptr form object.Header's log_pointer field stores it in. The
// snapshot is kept reachable by MutatorState.log until prepare drains it
// and clears the object's log_pointer in the same step (see
// Collector.prepare), so the conversion never outlives the snapshot's
// last strong reference.
func logToken(snap *logSnapshot) uintptr {
	return uintptr(unsafe.Pointer(snap))
}

func decodeLogToken(token uintptr) *logSnapshot {
	return (*logSnapshot)(unsafe.Pointer(token))
}
