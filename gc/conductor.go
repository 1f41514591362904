package gc

import "sync"

// Conductor couples external wake/wait requests to the collector's cycle
// boundary. It holds the single piece of state that lets many concurrent
// GCWait callers collapse onto one in-flight cycle: a mutex, two
// condition variables, and a running flag.
type Conductor struct {
	mu      sync.Mutex
	wake    *sync.Cond
	done    *sync.Cond
	running bool
	started bool
}

// NewConductor builds an idle conductor.
func NewConductor() *Conductor {
	c := &Conductor{}
	c.wake = sync.NewCond(&c.mu)
	c.done = sync.NewCond(&c.mu)
	return c
}

// Wait is the synchronous "collect now and do not return until finished"
// entry point. If a cycle is already running, this call collapses onto
// it rather than starting a second one.
func (c *Conductor) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = true
	c.wake.Signal()
	for c.running {
		c.done.Wait()
	}
}

// Wake is the fire-and-forget trigger. A no-op if a cycle is already
// running.
func (c *Conductor) Wake() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.wake.Signal()
}

// next marks the in-flight cycle (if any) done and blocks until the next
// one is requested: lock -> set running=false, broadcast done -> wait on
// wake until running -> unlock. Called both after every completed cycle
// and once before the very first one; the first call also flips started,
// which is what WaitUntilReady actually waits on.
func (c *Conductor) next() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.started = true
	c.done.Broadcast()
	for !c.running {
		c.wake.Wait()
	}
}

// WaitUntilReady blocks until the collector loop has reached its first
// next() call — i.e. until the dedicated collector goroutine actually
// exists and is listening for requests, not just until Run has been
// invoked. The wait re-checks started under the lock on every wakeup, so
// it is correct regardless of whether the collector goroutine's first
// next() call happens to run before or after this call starts waiting —
// a bare done.Wait() would miss the broadcast if next() already fired.
func (c *Conductor) WaitUntilReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.started {
		c.done.Wait()
	}
}

// Run drives the collector loop forever: announce readiness/completion,
// wait for a request, execute one cycle, repeat. Intended to run on its
// own goroutine for the lifetime of the process.
func (c *Conductor) Run(cycle func()) {
	for {
		c.next()
		cycle()
	}
}
