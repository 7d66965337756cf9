package agent

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Gate implements the per-thread reentrancy flags described in §4.2: native,
// own-code and no-log. Hook call sites run on whatever real OS thread the
// game created them on, not on a Go goroutine the runtime is free to move,
// so state is keyed by the Linux TID (unix.Gettid()) rather than anything
// goroutine-local. A goroutine that calls into gate-guarded code must pin
// itself first with runtime.LockOSThread.
type Gate struct {
	mu    sync.Mutex
	state map[int]*threadFlags
}

type threadFlags struct {
	native int // nesting depth
	own    int
	noLog  int
}

// NewGate constructs an empty gate.
func NewGate() *Gate {
	return &Gate{state: make(map[int]*threadFlags)}
}

func (g *Gate) flags() *threadFlags {
	tid := unix.Gettid()
	g.mu.Lock()
	defer g.mu.Unlock()
	f := g.state[tid]
	if f == nil {
		f = &threadFlags{}
		g.state[tid] = f
	}
	return f
}

// IsNative reports whether the calling thread is currently inside a
// deliberate call to a real function (no further reinterpretation).
func (g *Gate) IsNative() bool { return g.flags().native > 0 }

// IsOwnCode reports whether the calling thread is running agent bookkeeping
// that must not be tracked in time counters or movie input.
func (g *Gate) IsOwnCode() bool { return g.flags().own > 0 }

// IsNoLog reports whether diagnostics are currently suppressed on this thread.
func (g *Gate) IsNoLog() bool { return g.flags().noLog > 0 }

// release is returned by the Enter* methods; callers must defer it to
// guarantee release on every exit path, including panics.
type release func()

// EnterNative marks the calling thread as inside a real-function call. The
// nesting depth means a hook that itself calls another hooked symbol while
// native does not prematurely clear the flag for its caller.
func (g *Gate) EnterNative() release {
	f := g.flags()
	g.mu.Lock()
	f.native++
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		f.native--
		g.mu.Unlock()
	}
}

// EnterOwnCode marks the calling thread as running agent-internal bookkeeping.
func (g *Gate) EnterOwnCode() release {
	f := g.flags()
	g.mu.Lock()
	f.own++
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		f.own--
		g.mu.Unlock()
	}
}

// EnterNoLog suppresses diagnostics on the calling thread for the scope's
// duration, breaking logging recursion.
func (g *Gate) EnterNoLog() release {
	f := g.flags()
	g.mu.Lock()
	f.noLog++
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		f.noLog--
		g.mu.Unlock()
	}
}

// Forget drops the bookkeeping entry for a thread that has exited. Called by
// the thread registry's exit hook (C7) to avoid an unbounded map.
func (g *Gate) Forget(tid int) {
	g.mu.Lock()
	delete(g.state, tid)
	g.mu.Unlock()
}
