package agent

import (
	"errors"
	"runtime"
	"time"
)

func yieldOnce() { runtime.Gosched() }

// SleepPolicy selects how the sleep/nanosleep/usleep family is routed, §4.4.
type SleepPolicy int

const (
	SleepNever SleepPolicy = iota
	SleepMainOnly
	SleepAlways
)

// WaitPolicy selects how a condition-wait-with-timeout is routed, §4.4.
type WaitPolicy int

const (
	WaitNative WaitPolicy = iota
	WaitFinite
	WaitInfinite
	WaitFullInfinite
)

// ErrCancelled marks a wait that returned because of a cancellation request
// on the underlying primitive; the router never swallows these (§4.4).
var ErrCancelled = errors.New("wait cancelled")

// WaitRouter implements C4. It holds no state of its own beyond the policy
// knobs, a reference to the clock it folds delay into, and an optional
// checkpoint barrier; everything else is argument-driven so it composes
// with whichever hook called it.
type WaitRouter struct {
	clock   *Clock
	barrier *Barrier

	SleepHandling SleepPolicy
	WaitHandling  WaitPolicy
}

// NewWaitRouter constructs a router bound to clock with the given policies.
func NewWaitRouter(clock *Clock, sleepPolicy SleepPolicy, waitPolicy WaitPolicy) *WaitRouter {
	return &WaitRouter{clock: clock, SleepHandling: sleepPolicy, WaitHandling: waitPolicy}
}

// SetBarrier wires the checkpoint barrier so every sleep/poll/cond-wait
// call checks in before blocking, per §5's ordering guarantee that any
// thread calling an intercepted function during a checkpoint barrier
// blocks until the barrier releases. May be left nil in tests that don't
// exercise checkpointing.
func (r *WaitRouter) SetBarrier(b *Barrier) { r.barrier = b }

func (r *WaitRouter) checkIn() {
	if r.barrier != nil {
		r.barrier.CheckIn(currentTID())
	}
}

// realSleep is the real blocking primitive, overridable in tests.
var realSleep = time.Sleep

// HandleSleep implements the sleep/nanosleep/usleep routing of §4.4.
// isMainThread reports whether the calling OS thread is the registry's main
// thread. Returns the duration actually spent in a real sleep (0 when the
// call was folded into the virtual clock and only yielded).
func (r *WaitRouter) HandleSleep(requested time.Duration, isMainThread bool) time.Duration {
	r.checkIn()
	switch r.SleepHandling {
	case SleepNever:
		realSleep(requested)
		return requested
	case SleepMainOnly:
		if isMainThread {
			r.foldAndYield(requested)
			return 0
		}
		realSleep(requested)
		return requested
	case SleepAlways:
		r.foldAndYield(requested)
		return 0
	default:
		realSleep(requested)
		return requested
	}
}

func (r *WaitRouter) foldAndYield(d time.Duration) {
	r.clock.AddDelay(d)
	// Yield once: give other runnable goroutines on this OS thread's run
	// queue a chance to progress, mirroring the real sched_yield a folded
	// sleep would otherwise have implied.
	yieldOnce()
}

// PollResult is the outcome of a real poll/select-family call, as observed
// by the caller before consulting the router.
type PollResult struct {
	TimedOut    bool
	HasAudioFD  bool
	Elapsed     time.Duration
	Timeout     time.Duration
	HasTimeout  bool
	RealFDCount int
}

// HandlePoll implements §4.4's poll/select/pselect/ppoll/epoll_wait routing.
// result is the outcome of the real syscall, which the caller has already
// made; audioWait is invoked first when the fd set contains the agent's fake
// audio fd. Returns
// whether the effective result should be reported as a timeout to the caller.
func (r *WaitRouter) HandlePoll(result PollResult, audioWait func() (done bool)) (timedOut bool) {
	r.checkIn()
	if result.HasAudioFD && audioWait != nil {
		if audioWait() {
			return false
		}
	}
	if result.RealFDCount > 0 && result.HasTimeout && result.TimedOut {
		r.clock.AddDelay(result.Timeout)
		return true
	}
	return result.TimedOut
}

// CondWaiter performs one real wait attempt of up to slice duration, and
// reports whether the condition was signalled (done) or a cancellation was
// observed (cancelled). It is supplied by the hook replacement, which knows
// how to call the real glib/pthread primitive.
type CondWaiter func(slice time.Duration) (done, cancelled bool)

// HandleCondWait implements §4.4's condition-wait-with-timeout routing.
// deadline is the logical wait duration requested by the game.
func (r *WaitRouter) HandleCondWait(deadline time.Duration, wait CondWaiter) error {
	r.checkIn()
	switch r.WaitHandling {
	case WaitNative:
		_, cancelled := wait(deadline)
		if cancelled {
			return ErrCancelled
		}
		return nil

	case WaitFinite:
		const slice = 10 * time.Millisecond
		remaining := deadline
		for remaining > 0 {
			step := slice
			if step > remaining {
				step = remaining
			}
			done, cancelled := wait(step)
			if cancelled {
				return ErrCancelled
			}
			if done {
				return nil
			}
			r.clock.AddDelay(step)
			remaining -= step
		}
		return nil

	case WaitInfinite:
		r.clock.AddDelay(deadline)
		_, cancelled := wait(0) // 0 means block without a real timeout
		if cancelled {
			return ErrCancelled
		}
		return nil

	case WaitFullInfinite:
		r.clock.AddDelay(deadline)
		const boundedSlice = 10 * time.Millisecond
		_, cancelled := wait(boundedSlice)
		if cancelled {
			return ErrCancelled
		}
		return nil

	default:
		_, cancelled := wait(deadline)
		if cancelled {
			return ErrCancelled
		}
		return nil
	}
}
