package agent

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

func init() { registerFeature("quirks:lua") }

// QuirksEngine runs a per-game Lua fixup script, generalising SharedConfig's
// QuirksMask (§3) into scripted hooks rather than a fixed bitmask of known
// quirks. The script runs under the gate's own-code flag so its calls never
// re-enter the hook layer and are never counted against time-call
// thresholds or recorded into movie input (§4.2).
type QuirksEngine struct {
	state *lua.LState
	gate  *Gate

	hasFrameHook bool
	hasSaveHook  bool
	hasLoadHook  bool
}

// LoadQuirksScript compiles and runs source once (top-level statements plus
// any of the functions on_frame_boundary/on_savestate/on_loadstate it
// defines), returning an engine ready to dispatch those hooks.
func LoadQuirksScript(source string, gate *Gate) (*QuirksEngine, error) {
	release := gate.EnterOwnCode()
	defer release()

	state := lua.NewState(lua.Options{SkipOpenLibs: false})
	if err := state.DoString(source); err != nil {
		state.Close()
		return nil, fmt.Errorf("quirks script: %w", err)
	}

	q := &QuirksEngine{state: state, gate: gate}
	q.hasFrameHook = isLuaFunction(state, "on_frame_boundary")
	q.hasSaveHook = isLuaFunction(state, "on_savestate")
	q.hasLoadHook = isLuaFunction(state, "on_loadstate")
	return q, nil
}

func isLuaFunction(state *lua.LState, name string) bool {
	v := state.GetGlobal(name)
	_, ok := v.(*lua.LFunction)
	return ok
}

// Close releases the Lua state.
func (q *QuirksEngine) Close() {
	q.state.Close()
}

// OnFrameBoundary calls the script's on_frame_boundary(framecount,
// virtual_time_ns) hook, if defined. Errors are logged, never propagated:
// a broken quirk script must not desync the frame loop.
func (q *QuirksEngine) OnFrameBoundary(frameCount uint64, vt VirtualTime) {
	if !q.hasFrameHook {
		return
	}
	release := q.gate.EnterOwnCode()
	defer release()

	nanos := vt.Duration().Nanoseconds()
	if err := q.state.CallByParam(lua.P{
		Fn:      q.state.GetGlobal("on_frame_boundary"),
		NRet:    0,
		Protect: true,
	}, lua.LNumber(frameCount), lua.LNumber(nanos)); err != nil {
		warnf("quirks on_frame_boundary: %v", err)
	}
}

// OnSaveState calls the script's on_savestate(slot) hook, if defined.
func (q *QuirksEngine) OnSaveState(slot int) {
	if !q.hasSaveHook {
		return
	}
	release := q.gate.EnterOwnCode()
	defer release()

	if err := q.state.CallByParam(lua.P{
		Fn:      q.state.GetGlobal("on_savestate"),
		NRet:    0,
		Protect: true,
	}, lua.LNumber(slot)); err != nil {
		warnf("quirks on_savestate: %v", err)
	}
}

// OnLoadState calls the script's on_loadstate(slot) hook, if defined.
func (q *QuirksEngine) OnLoadState(slot int) {
	if !q.hasLoadHook {
		return
	}
	release := q.gate.EnterOwnCode()
	defer release()

	if err := q.state.CallByParam(lua.P{
		Fn:      q.state.GetGlobal("on_loadstate"),
		NRet:    0,
		Protect: true,
	}, lua.LNumber(slot)); err != nil {
		warnf("quirks on_loadstate: %v", err)
	}
}
