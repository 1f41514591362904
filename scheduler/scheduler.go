// Package scheduler provides the safepoint/suspension primitive the
// collector uses to mutate per-mutator GC state. The real thread scheduler
// is out of scope for this module; this package is a thin cooperative
// stand-in that gives the collector the same guarantee a real scheduler
// would: a suspended thread has completed any write barrier in progress
// and will not execute another managed store until resumed.
//
// There is no portable way to force-suspend an arbitrary goroutine from the
// outside, so suspension here is cooperative: a thread checks its paused
// flag at the two suspension points (managed allocation, managed field
// store), via PreemptDisable, and parks there until resumed — a per-thread
// atomic flag polled at allocation/barrier entry.
package scheduler

import "sync"

// Thread is a single mutator's handle into the scheduler. Mutator code
// holds on to its own Thread and passes it explicitly to allocation and
// write-barrier calls — there is no hidden thread-local lookup, which
// keeps the safepoint contract visible at every call site that needs it.
type Thread struct {
	id int64

	mu     sync.Mutex
	cond   *sync.Cond
	depth  int32 // nesting count of PreemptDisable/PreemptEnable
	paused bool  // set by the collector while suspending this thread
}

func newThread(id int64) *Thread {
	t := &Thread{id: id}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// ID returns a stable identifier for diagnostics.
func (t *Thread) ID() int64 { return t.id }

// PreemptDisable brackets a suspension point (allocation, write barrier).
// Nestable: only the outermost call checks for a pending suspend request.
// If the collector has suspended this thread, PreemptDisable blocks until
// ResumeThread is called — this is the polling half of the safepoint
// contract, and it fires before any new managed store/allocation begins.
func (t *Thread) PreemptDisable() {
	t.mu.Lock()
	if t.depth == 0 {
		for t.paused {
			t.cond.Wait()
		}
	}
	t.depth++
	t.mu.Unlock()
}

// PreemptEnable closes a PreemptDisable bracket. When the outermost
// bracket closes, any collector waiting in SuspendThread for this thread
// to quiesce is woken.
func (t *Thread) PreemptEnable() {
	t.mu.Lock()
	t.depth--
	if t.depth == 0 {
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

// IsPreempted reports whether preemption is currently disabled for this
// thread, i.e. the thread is inside a barrier-bracketed section.
func (t *Thread) IsPreempted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depth != 0
}

// SuspendState is the token returned by SuspendThread and required by
// ResumeThread. It is opaque to callers outside this package.
type SuspendState struct {
	thread *Thread
}

// Scheduler is the registry of live mutator threads plus the all-threads
// lock the four GC handshakes run under.
type Scheduler struct {
	mu      sync.Mutex // the "all-threads lock"
	nextID  int64
	threads map[*Thread]struct{}
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{threads: make(map[*Thread]struct{})}
}

// Spawn registers a new mutator thread. Flags default to their zero value;
// callers (typically gc.NewMutatorState) are responsible for seeding
// AllocColor from the collector's current BLACK.
func (s *Scheduler) Spawn() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := newThread(s.nextID)
	s.threads[t] = struct{}{}
	return t
}

// Retire removes a thread from the scheduler's registry. A retiring thread
// must not be suspended.
func (s *Scheduler) Retire(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, t)
}

// LockAllThreads takes the all-threads lock for the duration of one
// handshake only — not for an entire cycle.
func (s *Scheduler) LockAllThreads() { s.mu.Lock() }

// UnlockAllThreads releases the all-threads lock.
func (s *Scheduler) UnlockAllThreads() { s.mu.Unlock() }

// Threads returns an immutable snapshot of the currently registered
// threads. Must be called with the all-threads lock held.
func (s *Scheduler) Threads() []*Thread {
	out := make([]*Thread, 0, len(s.threads))
	for t := range s.threads {
		out = append(out, t)
	}
	return out
}

// Count returns the number of registered threads. Must be called with the
// all-threads lock held.
func (s *Scheduler) Count() int { return len(s.threads) }

// SuspendThread suspends t at its next safepoint and returns a state used
// to resume it. Blocks until t has no PreemptDisable bracket in flight: a
// suspended thread is guaranteed to have completed any barrier in
// progress at the moment of suspension. Safe to call without the
// all-threads lock held — callers
// that must suspend the whole population still take the lock to keep the
// snapshot from Threads() stable across the handshake.
func (s *Scheduler) SuspendThread(t *Thread) SuspendState {
	t.mu.Lock()
	t.paused = true
	for t.depth != 0 {
		t.cond.Wait()
	}
	t.mu.Unlock()
	return SuspendState{thread: t}
}

// ResumeThread resumes a thread previously suspended with SuspendThread.
func (s *Scheduler) ResumeThread(state SuspendState) {
	t := state.thread
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
	t.cond.Broadcast()
}
