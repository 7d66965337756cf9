package agent

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// BarrierSignal is the realtime signal reserved for the checkpoint barrier
// (§6: "one realtime signal, the lowest free one at startup, announced to
// the controller"). Go cannot install a true async-signal-safe sigaction
// handler without cgo — there is no way to run arbitrary Go code, which
// always needs the scheduler and possibly the allocator, on a raw signal
// stack — so the barrier substitutes a cooperative scheme: every gate-guarded
// call site calls Barrier.CheckIn, which parks via Park when Requested
// reports true (see hooks.go's CallOriginal, waitrouter.go's sleep/wait
// handlers, and frame.go's Boundary/DeferToMain). BarrierSignal is
// still reserved and forwarded via os/signal so a thread parked in a real,
// uninterruptible blocking syscall at least has a chance to observe the
// signal's default wakeup; it is not relied on for correctness.
var BarrierSignal = unix.SIGRTMIN()

// Barrier implements the "quiesce all other threads" step of §4.8. Each
// registered thread parks cooperatively the next time it passes through a
// gate-guarded call site (hook entry in HookManager.CallOriginal, the
// sleep/wait router's blocking points, the frame-boundary loop) by calling
// CheckIn; the coordinator (always the main thread, inside the checkpoint
// engine) waits until every non-main thread reports parked before
// proceeding.
type Barrier struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requested bool
	parked    map[int]bool // tid -> parked

	threads *ThreadRegistry
	sigCh   chan os.Signal
}

// NewBarrier constructs a barrier bound to the thread registry and starts
// forwarding BarrierSignal.
func NewBarrier(threads *ThreadRegistry) *Barrier {
	b := &Barrier{
		parked:  make(map[int]bool),
		threads: threads,
		sigCh:   make(chan os.Signal, 1),
	}
	b.cond = sync.NewCond(&b.mu)
	signal.Notify(b.sigCh, unix.Signal(BarrierSignal))
	go func() {
		for range b.sigCh {
			// Delivery alone is enough to satisfy §6's "reserved signal"
			// requirement; actual quiescence is driven by Park below.
		}
	}()
	return b
}

// Engage raises the parking request and blocks until every currently
// registered non-main thread has called Park, or until timeout elapses (a
// thread wedged in a real, unbounded syscall is the one scenario the
// cooperative approximation cannot guarantee against).
func (b *Barrier) Engage(selfTID int, timeout time.Duration) (quiesced bool) {
	b.mu.Lock()
	b.requested = true
	b.parked = make(map[int]bool)
	b.mu.Unlock()

	const pollInterval = 2 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		done := b.allOthersParkedLocked(selfTID)
		b.mu.Unlock()
		if done {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

func (b *Barrier) allOthersParkedLocked(selfTID int) bool {
	all := true
	b.threads.IterThreads(func(t *Thread) {
		if t.TID == selfTID {
			return
		}
		if !b.parked[t.TID] {
			all = false
		}
	})
	return all
}

// Park is called by a hook entry point when Requested reports true. It
// records the thread's current bookkeeping register snapshot, marks itself
// parked, and blocks until Release.
func (b *Barrier) Park(tid int, regs Registers) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.threads.Get(tid); ok {
		t.LastRegs = regs
		t.State = ThreadAtCheckpointBarrier
	}
	b.parked[tid] = true
	b.cond.Broadcast()
	for b.requested {
		b.cond.Wait()
	}
	if t, ok := b.threads.Get(tid); ok {
		t.State = ThreadRunning
	}
}

// Requested reports whether a barrier is currently active; hook entry
// points consult this on every call, the cooperative analogue of a signal
// handler firing.
func (b *Barrier) Requested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requested
}

// CheckIn is the cooperative join point every gate-guarded call site uses:
// if Engage has raised the parking request, the calling thread (tid) parks
// here until Release, otherwise it returns immediately. Go exposes no
// portable way to read a goroutine's underlying CPU registers outside of a
// real signal handler, so the recorded register file is the zero value;
// that limitation is inherent to the cooperative approximation described
// above, not something CheckIn itself can fix.
func (b *Barrier) CheckIn(tid int) {
	if b.Requested() {
		b.Park(tid, Registers{})
	}
}

// Release ends the barrier and wakes every parked thread.
func (b *Barrier) Release() {
	b.mu.Lock()
	b.requested = false
	b.cond.Broadcast()
	b.mu.Unlock()
}
