package agent

import (
	"sync"

	"golang.org/x/sys/unix"
)

// currentTID returns the calling OS thread's Linux tid.
func currentTID() int { return unix.Gettid() }

// ThreadRole identifies a registered thread's purpose, §3 "Thread".
type ThreadRole int

const (
	RoleUnknown ThreadRole = iota
	RoleMain
	RoleWorker
	RoleFinalizer
)

// ThreadState tracks a thread's position relative to the frame loop and the
// checkpoint barrier, §3 "Thread".
type ThreadState int

const (
	ThreadRunning ThreadState = iota
	ThreadBlockedInHook
	ThreadAtCheckpointBarrier
)

// Registers is an architecture-sized register file. No code in this package
// captures register contents: the barrier has no signal handler, and
// CheckIn records a zero Registers value.
type Registers struct {
	raw [32]uint64 // 32 words of storage; left zero by every current caller
}

// Thread is one registered OS thread, §3 "Thread".
type Thread struct {
	TID          int
	NativeHandle uintptr
	Role         ThreadRole
	State        ThreadState
	StackLo      uintptr
	StackHi      uintptr
	TLSAddr      uintptr
	LastRegs     Registers
	EntryFn      uintptr
}

// ThreadRegistry implements C7. A worker thread can become the frame-driving
// thread by performing the first present call (games occasionally migrate
// their render loop between threads); IsMain always reflects the current
// holder, not the process's original main().
type ThreadRegistry struct {
	mu      sync.RWMutex
	threads map[int]*Thread
	mainTID int
	gate    *Gate
}

// NewThreadRegistry constructs an empty registry bound to gate, used to
// forget a thread's gate flags when it exits.
func NewThreadRegistry(gate *Gate) *ThreadRegistry {
	return &ThreadRegistry{threads: make(map[int]*Thread), gate: gate}
}

// Register records a newly created thread. A call made while the registry
// is empty establishes the main thread, matching §4.7's "whichever thread first
// reaches the agent's main initializer."
func (r *ThreadRegistry) Register(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.threads) == 0 {
		t.Role = RoleMain
		r.mainTID = t.TID
	}
	r.threads[t.TID] = t
}

// Unregister drops a thread's entry on its exit hook firing, and clears its
// gate bookkeeping to keep that map bounded.
func (r *ThreadRegistry) Unregister(tid int) {
	r.mu.Lock()
	delete(r.threads, tid)
	r.mu.Unlock()
	if r.gate != nil {
		r.gate.Forget(tid)
	}
}

// IsMain reports whether tid is the current frame-driving thread.
func (r *ThreadRegistry) IsMain(tid int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return tid == r.mainTID
}

// MainTID returns the current main thread's tid, or 0 if none registered.
func (r *ThreadRegistry) MainTID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mainTID
}

// PromoteToMain moves frame-driving responsibility to tid, used when a
// worker thread's present call is the first one observed (§4.7).
func (r *ThreadRegistry) PromoteToMain(tid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.threads[r.mainTID]; ok && r.mainTID != tid {
		prev.Role = RoleWorker
	}
	if t, ok := r.threads[tid]; ok {
		t.Role = RoleMain
	}
	r.mainTID = tid
}

// SetRole implements the engine-specific-quirk entrypoint of §4.7, e.g.
// tagging a GC finalizer thread so it is skipped or specially handled by
// the checkpoint barrier.
func (r *ThreadRegistry) SetRole(tid int, role ThreadRole) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.threads[tid]; ok {
		t.Role = role
	}
}

// SetState updates a thread's position relative to the frame loop/barrier.
func (r *ThreadRegistry) SetState(tid int, state ThreadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.threads[tid]; ok {
		t.State = state
	}
}

// IterThreads calls fn for every registered thread. Used only at checkpoint
// barriers (§4.7); fn must not call back into the registry.
func (r *ThreadRegistry) IterThreads(fn func(*Thread)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.threads {
		fn(t)
	}
}

// Get returns the thread entry for tid, if registered.
func (r *ThreadRegistry) Get(tid int) (*Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[tid]
	return t, ok
}

// Count returns the number of currently registered threads.
func (r *ThreadRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads)
}
