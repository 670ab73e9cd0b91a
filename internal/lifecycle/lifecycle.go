// Package lifecycle implements the Initializing -> Live -> Draining ->
// Closed state machine, operation gate, and teardown barrier every
// engine operation passes through (spec.md §4.7, C7) — the subsystem the
// spec singles out as hardest, because it exists to rule out closures
// firing after teardown has begun and statements executing against a
// half-destroyed engine.
package lifecycle

import (
	"sync"
	"sync/atomic"

	"github.com/npiesco/absurder/internal/absurderr"
)

const op = "lifecycle"

// State is one of the four one-way states (Draining -> Closed is the only
// permitted reverse-looking step, and it is forward in practice: Draining
// never returns to Live).
type State int32

const (
	Initializing State = iota
	Live
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Live:
		return "live"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Core is the state machine owned by one connection cell. Only the owning
// cell may mutate state; every other caller goes through the operation
// gate.
type Core struct {
	state    atomic.Int32
	inflight atomic.Int64

	mu           sync.Mutex
	drainingCond *sync.Cond
}

// New constructs a Core in the Initializing state.
func New() *Core {
	c := &Core{}
	c.drainingCond = sync.NewCond(&c.mu)
	c.state.Store(int32(Initializing))
	return c
}

// State returns the current state.
func (c *Core) State() State {
	return State(c.state.Load())
}

// MarkLive transitions Initializing -> Live. Called once by the cell's
// constructor after the VFS, SQL engine, and coordinator are all wired up.
func (c *Core) MarkLive() {
	c.state.CompareAndSwap(int32(Initializing), int32(Live))
}

// Admission is returned by Enter and handed back to Release. Releasing
// the zero Admission that accompanies an Enter error is a no-op.
type Admission struct {
	admitted bool
}

// Enter is the operation gate (spec.md §4.7 "Operation gate contract"):
// if the state is not Live, it rejects immediately with Aborted(Closing)
// without touching any shared state; otherwise it increments the
// in-flight counter, which Release must later decrement.
func (c *Core) Enter() (Admission, error) {
	if State(c.state.Load()) != Live {
		return Admission{}, absurderr.Aborted
	}
	c.inflight.Add(1)
	// Re-check after incrementing: a concurrent BeginDrain may have already
	// observed inflight == 0 and signaled the barrier before we counted
	// ourselves in, so we must confirm Live held for the whole increment.
	if State(c.state.Load()) != Live {
		c.release()
		return Admission{}, absurderr.Aborted
	}
	return Admission{admitted: true}, nil
}

// Release must be called exactly once for every successful Enter, in a
// defer immediately following it.
func (c *Core) Release(a Admission) {
	if !a.admitted {
		return
	}
	c.release()
}

func (c *Core) release() {
	if c.inflight.Add(-1) == 0 && State(c.state.Load()) == Draining {
		c.mu.Lock()
		c.drainingCond.Broadcast()
		c.mu.Unlock()
	}
}

// BeginDrain performs step 1 of the teardown sequence: compare-and-set
// Live -> Draining. It returns false if the state was already something
// other than Live, so close() can return success idempotently.
func (c *Core) BeginDrain() bool {
	return c.state.CompareAndSwap(int32(Live), int32(Draining))
}

// WaitDrained blocks until the in-flight counter reaches zero, i.e. every
// operation admitted before BeginDrain has released the gate. Must be
// called after BeginDrain returns true.
func (c *Core) WaitDrained() {
	c.mu.Lock()
	for c.inflight.Load() != 0 {
		c.drainingCond.Wait()
	}
	c.mu.Unlock()
}

// MarkClosed completes the teardown sequence: Draining -> Closed.
func (c *Core) MarkClosed() {
	c.state.Store(int32(Closed))
}
