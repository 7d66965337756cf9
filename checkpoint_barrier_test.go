package agent

import (
	"sync"
	"testing"
	"time"
)

// TestBarrierEngageQuiescesWorkers drives Engage/CheckIn/Park/Release with
// goroutines standing in for worker OS threads (each assigned a distinct
// fake tid, the same way threads_test.go fakes TIDs). Each worker loops
// calling CheckIn, the same call every gate-guarded call site makes, until
// told to stop; Engage must not return true until every worker has parked.
func TestBarrierEngageQuiescesWorkers(t *testing.T) {
	const mainTID = 1
	workerTIDs := []int{2, 3, 4}

	threads := NewThreadRegistry(NewGate())
	threads.Register(&Thread{TID: mainTID})
	for _, tid := range workerTIDs {
		threads.Register(&Thread{TID: tid})
	}

	b := NewBarrier(threads)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for _, tid := range workerTIDs {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				b.CheckIn(tid)
				time.Sleep(time.Millisecond)
			}
		}(tid)
	}

	if !b.Engage(mainTID, 2*time.Second) {
		close(stop)
		wg.Wait()
		t.Fatal("Engage timed out waiting for workers to park")
	}

	for _, tid := range workerTIDs {
		th, ok := threads.Get(tid)
		if !ok {
			t.Fatalf("worker %d missing from registry", tid)
		}
		if th.State != ThreadAtCheckpointBarrier {
			t.Fatalf("worker %d state = %v, want ThreadAtCheckpointBarrier", tid, th.State)
		}
	}

	b.Release()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers never resumed after Release")
	}

	for _, tid := range workerTIDs {
		th, _ := threads.Get(tid)
		if th.State != ThreadRunning {
			t.Fatalf("worker %d state after release = %v, want ThreadRunning", tid, th.State)
		}
	}
}

// TestBarrierEngageExcludesSelf verifies the calling thread's own tid is
// never waited on, matching allOthersParkedLocked's selfTID skip: with no
// other registered threads, Engage must return immediately.
func TestBarrierEngageExcludesSelf(t *testing.T) {
	threads := NewThreadRegistry(NewGate())
	threads.Register(&Thread{TID: 1})

	b := NewBarrier(threads)

	start := time.Now()
	if !b.Engage(1, 2*time.Second) {
		t.Fatal("Engage with no other threads should succeed immediately")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Engage took %v with no other threads, expected near-instant", elapsed)
	}
	b.Release()
}

// TestBarrierEngageTimesOutOnStuckWorker verifies Engage reports false when
// a registered worker never calls CheckIn within the timeout, the one case
// the cooperative approximation cannot guarantee against.
func TestBarrierEngageTimesOutOnStuckWorker(t *testing.T) {
	threads := NewThreadRegistry(NewGate())
	threads.Register(&Thread{TID: 1})
	threads.Register(&Thread{TID: 2}) // never checks in

	b := NewBarrier(threads)

	if b.Engage(1, 50*time.Millisecond) {
		b.Release()
		t.Fatal("Engage should time out when a worker never parks")
	}
}
