package agent

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// VirtualTime is the synthetic monotonic/realtime offset served to the game.
// See §3 "VirtualTime".
type VirtualTime struct {
	Sec  int64
	Nsec int64
}

// Add returns t+other, normalising the nanosecond component into [0, 1e9).
func (t VirtualTime) Add(other VirtualTime) VirtualTime {
	sec := t.Sec + other.Sec
	nsec := t.Nsec + other.Nsec
	for nsec >= int64(time.Second) {
		nsec -= int64(time.Second)
		sec++
	}
	return VirtualTime{Sec: sec, Nsec: nsec}
}

// AddNanos returns t advanced by n nanoseconds (n may be negative, used only
// for the transient fake_extra offset which never goes below the floor of 0).
func (t VirtualTime) AddNanos(n int64) VirtualTime {
	return t.Add(nanosToVirtual(n))
}

func nanosToVirtual(n int64) VirtualTime {
	sec := n / int64(time.Second)
	nsec := n % int64(time.Second)
	if nsec < 0 {
		nsec += int64(time.Second)
		sec--
	}
	return VirtualTime{Sec: sec, Nsec: nsec}
}

// Duration converts a VirtualTime interpreted as a duration since zero.
func (t VirtualTime) Duration() time.Duration {
	return time.Duration(t.Sec)*time.Second + time.Duration(t.Nsec)
}

// FrameRate is the rational frames-per-second in §3's "FrameRate".
// Num == 0 means non-deterministic passthrough (§4.3).
type FrameRate struct {
	Num int64
	Den int64
}

// CallKind enumerates the ~10 intercepted time-returning call kinds of §3's
// "CallTypeCounter". Untracked is used by calls that must not trip the
// anti-livelock valve (e.g. calls already known to be in native mode).
type CallKind int

const (
	CallUntracked CallKind = iota
	CallTime
	CallGettimeofday
	CallClockGettimeMonotonic
	CallClockGettimeRealtime
	CallSDLGetTicks
	CallPerformanceCounter
	CallGetTickCount
	CallQueryPerformanceCounter
	callKindCount
)

// isRealtime reports whether a call kind should read the realtime-delta
// branch rather than the monotonic branch, per the fixed table in §4.3.
func (k CallKind) isRealtime() bool {
	switch k {
	case CallTime, CallGettimeofday, CallGetTickCount, CallClockGettimeRealtime:
		return true
	default:
		return false
	}
}

// ThresholdConfig carries the per-kind main-thread/other-thread counter
// thresholds from SharedConfig (§3 "CallTypeCounter").
type ThresholdConfig struct {
	MainThreshold  [callKindCount]uint64
	OtherThreshold [callKindCount]uint64
	// ForceAdvanceNanos is the "arbitrary nudge" of §9 Open Questions,
	// configurable rather than hard-coded to 1ns as some games need more.
	ForceAdvanceNanos int64
}

// DefaultThresholdConfig matches end-to-end scenario 3 in §8: threshold 100,
// 1ns nudge.
func DefaultThresholdConfig() ThresholdConfig {
	var c ThresholdConfig
	for i := range c.MainThreshold {
		c.MainThreshold[i] = 100
		c.OtherThreshold[i] = 1000
	}
	c.ForceAdvanceNanos = 1
	return c
}

type counterKey struct {
	tid  int
	kind CallKind
}

// Clock is the deterministic timer (C3). It is safe for concurrent use; the
// mutex protects ticks, deferredDelay and the per-kind counters as specified
// in §5's shared-resource policy.
type Clock struct {
	mu sync.Mutex

	rate          FrameRate
	ticks         int64 // cumulative nanoseconds advanced since init
	deferredDelay int64 // nanoseconds folded from add_delay, not yet consumed
	fracRemainder int64 // carry-fraction remainder for exact long-run framerate
	fakeExtra     int64 // transient offset, never persists across a boundary

	realtimeDeltaSec  int64
	realtimeDeltaNsec int64

	initialWall      time.Time // wall-clock reference for passthrough mode
	boundaryOverhead time.Duration
	lastOneFrame     int64 // one_frame computed by the last EnterFrameBoundary

	thresholds ThresholdConfig
	mainTID    func() bool // injected: reports whether calling tid is the main thread
	counters   map[counterKey]uint64

	onForceAdvance func(kind CallKind) // test/diagnostic hook, may be nil
}

// NewClock creates a clock starting at initial with the given frame rate.
// isMainThread reports whether the calling goroutine's OS thread is the main
// thread; it is supplied by the thread registry (C7) to avoid an import
// cycle.
func NewClock(initial VirtualTime, rate FrameRate, thresholds ThresholdConfig, isMainThread func() bool) *Clock {
	return &Clock{
		rate:        rate,
		ticks:       initial.Duration().Nanoseconds(),
		initialWall: time.Now(),
		thresholds:  thresholds,
		mainTID:     isMainThread,
		counters:    make(map[counterKey]uint64),
	}
}

// SetRealtime sets the fake wall-clock delta added to realtime-kind calls.
func (c *Clock) SetRealtime(delta VirtualTime) {
	c.mu.Lock()
	c.realtimeDeltaSec = delta.Sec
	c.realtimeDeltaNsec = delta.Nsec
	c.mu.Unlock()
}

// GetTicks implements §4.3's get_ticks operation. native reports whether the
// calling thread currently holds the native gate flag, in which case the
// call forwards directly to the real clock (CLOCK_REALTIME for realtime
// kinds, CLOCK_MONOTONIC otherwise) without consulting the virtual clock at
// all.
func (c *Clock) GetTicks(kind CallKind, native bool) VirtualTime {
	if native {
		if kind.isRealtime() {
			return realRealtimeNow()
		}
		return realMonotonicNow()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rate.Num == 0 {
		// Non-deterministic passthrough: real elapsed time minus boundary
		// overhead so the game never observes synchronisation cost.
		elapsed := time.Since(c.initialWall) - c.boundaryOverhead
		vt := nanosToVirtual(elapsed.Nanoseconds())
		if kind.isRealtime() {
			vt.Sec += c.realtimeDeltaSec
			vt.Nsec += c.realtimeDeltaNsec
		}
		return vt
	}

	total := c.ticks + c.fakeExtra
	vt := nanosToVirtual(total)
	if kind.isRealtime() {
		vt.Sec += c.realtimeDeltaSec
		vt.Nsec += c.realtimeDeltaNsec
	}

	if kind != CallUntracked {
		c.bumpCounterLocked(kind)
	}
	return vt
}

func (c *Clock) bumpCounterLocked(kind CallKind) {
	isMain := c.mainTID == nil || c.mainTID()
	key := counterKey{tid: unix.Gettid(), kind: kind}
	c.counters[key]++

	var threshold uint64
	if isMain {
		threshold = c.thresholds.MainThreshold[kind]
	} else {
		threshold = c.thresholds.OtherThreshold[kind]
	}
	if threshold == 0 {
		return
	}
	if c.counters[key] > threshold {
		// Anti-livelock valve: force-advance by the configured nudge and
		// reset every counter (§3 CallTypeCounter, §4.3).
		c.ticks += c.thresholds.ForceAdvanceNanos
		warnf("clock: call kind %v exceeded threshold %d, force-advancing %dns", kind, threshold, c.thresholds.ForceAdvanceNanos)
		for k := range c.counters {
			delete(c.counters, k)
		}
		if c.onForceAdvance != nil {
			c.onForceAdvance(kind)
		}
	}
}

// AddDelay folds a sleep/wait duration into the virtual clock instead of
// actually sleeping (§4.3, §4.4). Returns true if the deferred delay now
// exceeds one frame's worth and the main thread must be forced through a
// NON_DRAW boundary to flush it (§3 SleepDebt). Only the main thread should
// ever be forced this way; callers on other threads ignore the return value.
func (c *Clock) AddDelay(d time.Duration) (overflow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deferredDelay += d.Nanoseconds()
	oneFrame := c.oneFrameNanosLocked()
	return c.deferredDelay > oneFrame
}

// SetFakeExtra advertises a future time without permanently advancing ticks
// (§4.3's fake_extra). Cleared by the next ExitFrameBoundary.
func (c *Clock) SetFakeExtra(n int64) {
	c.mu.Lock()
	c.fakeExtra = n
	c.mu.Unlock()
}

func (c *Clock) oneFrameNanosLocked() int64 {
	if c.rate.Num == 0 {
		return 0
	}
	return int64(time.Second) * c.rate.Den / c.rate.Num
}

// EnterFrameBoundary implements §4.3 step-by-step: compute one_frame with
// the carry-fraction trick, consume deferred delay, advance ticks, and
// return one_frame so the orchestrator knows how much audio to mix.
func (c *Clock) EnterFrameBoundary() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rate.Num == 0 {
		return 0
	}

	// one_frame = (1s * den) / num, carrying the remainder so the long-run
	// average framerate is exact (§4.3 step 1).
	numerSecNanos := int64(time.Second) * c.rate.Den
	oneFrame := numerSecNanos / c.rate.Num
	c.fracRemainder += numerSecNanos % c.rate.Num
	if c.fracRemainder >= c.rate.Num {
		oneFrame++
		c.fracRemainder -= c.rate.Num
	}

	if c.deferredDelay < oneFrame {
		c.ticks += oneFrame - c.deferredDelay
		c.deferredDelay = 0
	}
	// else: do not advance ticks here; ExitFrameBoundary subtracts one_frame
	// from the debt instead (§4.3 step 2).
	c.lastOneFrame = oneFrame
	return time.Duration(oneFrame)
}

// ExitFrameBoundary completes the pair started by EnterFrameBoundary,
// subtracting one_frame from any outstanding debt and clearing fake_extra.
func (c *Clock) ExitFrameBoundary() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deferredDelay > 0 {
		c.deferredDelay -= c.lastOneFrame
		if c.deferredDelay < 0 {
			c.deferredDelay = 0
		}
	}
	c.fakeExtra = 0
	c.boundaryOverhead += time.Duration(c.lastOneFrame)
}

// CounterSnapshot returns the live counters summed across threads, one total
// per call kind, a diagnostic surface the distilled spec dropped but the original tool's
// overlay exposed (SPEC_FULL.md "SUPPLEMENTED FEATURES").
func (c *Clock) CounterSnapshot() map[CallKind]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[CallKind]uint64)
	for k, v := range c.counters {
		out[k.kind] += v
	}
	return out
}

// DebtSnapshot reports the current deferred-delay and cap, for diagnostics.
func (c *Clock) DebtSnapshot() (debt, cap time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.deferredDelay), time.Duration(c.oneFrameNanosLocked())
}

// VirtualNow returns the current virtual time without tracking it against
// any call kind (equivalent to GetTicks(CallUntracked, false)).
func (c *Clock) VirtualNow() VirtualTime {
	return c.GetTicks(CallUntracked, false)
}

func realMonotonicNow() VirtualTime {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return VirtualTime{Sec: int64(ts.Sec), Nsec: int64(ts.Nsec)}
}

func realRealtimeNow() VirtualTime {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_REALTIME, &ts)
	return VirtualTime{Sec: int64(ts.Sec), Nsec: int64(ts.Nsec)}
}
