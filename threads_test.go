package agent

import "testing"

// TestThreadRegistryFirstRegisterBecomesMain verifies the first thread ever
// registered is promoted to RoleMain, per §4.7's "whichever thread first
// reaches the agent's main initializer."
func TestThreadRegistryFirstRegisterBecomesMain(t *testing.T) {
	r := NewThreadRegistry(NewGate())
	r.Register(&Thread{TID: 100})
	r.Register(&Thread{TID: 200})

	if !r.IsMain(100) {
		t.Fatal("expected the first registered thread to be main")
	}
	if r.IsMain(200) {
		t.Fatal("second registered thread must not be main")
	}
	if got, ok := r.Get(100); !ok || got.Role != RoleMain {
		t.Fatalf("thread 100 role = %v (ok=%v), want RoleMain", got, ok)
	}
}

// TestThreadRegistryPromoteToMain verifies a worker thread's first present
// call can take over frame-driving responsibility, demoting the previous
// main thread to RoleWorker.
func TestThreadRegistryPromoteToMain(t *testing.T) {
	r := NewThreadRegistry(NewGate())
	r.Register(&Thread{TID: 1})
	r.Register(&Thread{TID: 2})

	r.PromoteToMain(2)

	if !r.IsMain(2) {
		t.Fatal("expected tid 2 to be main after PromoteToMain")
	}
	if r.MainTID() != 2 {
		t.Fatalf("MainTID() = %d, want 2", r.MainTID())
	}
	prev, _ := r.Get(1)
	if prev.Role != RoleWorker {
		t.Fatalf("previous main's role = %v, want RoleWorker", prev.Role)
	}
}

// TestThreadRegistryUnregisterForgetsGate verifies Unregister both drops the
// thread entry and clears its gate bookkeeping.
func TestThreadRegistryUnregisterForgetsGate(t *testing.T) {
	gate := NewGate()
	r := NewThreadRegistry(gate)
	r.Register(&Thread{TID: 7})
	gate.state[7] = &threadFlags{native: 1}

	r.Unregister(7)

	if _, ok := r.Get(7); ok {
		t.Fatal("expected thread 7 to be gone after Unregister")
	}
	if _, ok := gate.state[7]; ok {
		t.Fatal("expected thread 7's gate bookkeeping to be cleared by Unregister")
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
}

// TestThreadRegistryIterThreads verifies IterThreads visits every registered
// thread exactly once.
func TestThreadRegistryIterThreads(t *testing.T) {
	r := NewThreadRegistry(NewGate())
	r.Register(&Thread{TID: 1})
	r.Register(&Thread{TID: 2})
	r.Register(&Thread{TID: 3})

	seen := make(map[int]bool)
	r.IterThreads(func(t *Thread) { seen[t.TID] = true })

	if len(seen) != 3 {
		t.Fatalf("IterThreads visited %d threads, want 3", len(seen))
	}
}

// TestThreadRegistrySetStateAndRole verifies SetState/SetRole mutate the
// registered thread in place.
func TestThreadRegistrySetStateAndRole(t *testing.T) {
	r := NewThreadRegistry(NewGate())
	r.Register(&Thread{TID: 1})

	r.SetRole(1, RoleFinalizer)
	r.SetState(1, ThreadAtCheckpointBarrier)

	got, _ := r.Get(1)
	if got.Role != RoleFinalizer {
		t.Fatalf("Role = %v, want RoleFinalizer", got.Role)
	}
	if got.State != ThreadAtCheckpointBarrier {
		t.Fatalf("State = %v, want ThreadAtCheckpointBarrier", got.State)
	}
}
