package agent

import (
	"runtime"
	"testing"
)

// TestGateNestingDepth verifies EnterNative's nesting counter only clears the
// native flag once every matching release has been called, so a hook calling
// another hooked symbol while already native does not prematurely drop its
// caller's flag.
func TestGateNestingDepth(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	g := NewGate()

	release1 := g.EnterNative()
	if !g.IsNative() {
		t.Fatal("expected IsNative after first EnterNative")
	}
	release2 := g.EnterNative()
	release2()
	if !g.IsNative() {
		t.Fatal("expected IsNative to remain true after releasing only the inner call")
	}
	release1()
	if g.IsNative() {
		t.Fatal("expected IsNative false after releasing every EnterNative call")
	}
}

// TestGateFlagsIndependent verifies native/own/no-log are independent
// counters, not a single shared flag.
func TestGateFlagsIndependent(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	g := NewGate()
	releaseOwn := g.EnterOwnCode()
	if g.IsNative() || g.IsNoLog() {
		t.Fatal("EnterOwnCode must not set native or no-log")
	}
	if !g.IsOwnCode() {
		t.Fatal("expected IsOwnCode true")
	}
	releaseOwn()
	if g.IsOwnCode() {
		t.Fatal("expected IsOwnCode false after release")
	}
}

// TestGateForget verifies Forget drops a thread's bookkeeping so a later
// query on that tid starts from a clean state.
func TestGateForget(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	g := NewGate()
	release := g.EnterNoLog()
	if !g.IsNoLog() {
		t.Fatal("expected IsNoLog true")
	}
	release()

	g.Forget(currentTID())
	if g.IsNoLog() {
		t.Fatal("expected IsNoLog false after Forget")
	}
}
