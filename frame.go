package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/tasreplay/agent/internal/tasproto"
)

// FrameBackend is the single trait every supported rendering backend
// (GL/Vulkan/SDL-renderer/XShm in the original tool, Ebiten here) shares:
// "call the frame boundary with this draw closure" (§9 Design Notes,
// "Deep inheritance" — modelled as one interface with one method).
type FrameBackend interface {
	// Present is called by the backend's own event loop once per real
	// present; it must call boundary(true) synchronously and return only
	// after boundary returns, so the backend never presents two frames
	// without an intervening boundary.
	Present(boundary func(draw bool))
	// Close releases any backend resources (window, audio device).
	Close() error
}

// controlLink is the subset of C9 the orchestrator needs; satisfied by
// *ControlLink.
type controlLink interface {
	Send(tasproto.Message) error
	Recv() (tasproto.Message, error)
}

// checkpointer is the subset of C8 the orchestrator needs; satisfied by
// *CheckpointEngine.
type checkpointer interface {
	Save(slot uint32) error
	Load(slot uint32) error
}

// avSink is the external AV-encoding collaborator invoked at a DRAW
// boundary (§4.6 step 3); satisfied by the oto/headless sinks.
type avSink interface {
	EncodeFrame(framecount uint64, virtualTime VirtualTime) error
}

// Orchestrator implements C6. Exactly one of these exists per agent
// instance; Boundary is the only entrypoint every present hook calls into.
type Orchestrator struct {
	mu sync.Mutex

	clock   *Clock
	threads *ThreadRegistry
	input   *InputChannel
	config  *ConfigStore
	gate    *Gate
	link    controlLink
	chk     checkpointer
	sink    avSink
	quirks  *QuirksEngine // nil if no script loaded
	barrier *Barrier      // nil until SetCheckpointEngine wires one in

	frameCount uint64
	speedDiv   float64 // fast-forward divisor; 1.0 is real-time, 0 means unlimited
	lastEnter  time.Time

	quit bool
}

// NewOrchestrator wires C6 to its collaborators. sink and quirks may be nil.
func NewOrchestrator(clock *Clock, threads *ThreadRegistry, input *InputChannel, config *ConfigStore, gate *Gate, link controlLink, chk checkpointer, sink avSink, quirks *QuirksEngine) *Orchestrator {
	return &Orchestrator{
		clock:    clock,
		threads:  threads,
		input:    input,
		config:   config,
		gate:     gate,
		link:     link,
		chk:      chk,
		sink:     sink,
		quirks:   quirks,
		speedDiv: 1.0,
	}
}

// Quit reports whether a QUIT message has been processed; the present hook
// checks this after Boundary returns to decide whether to let the game's
// own shutdown run (§4.6 step 5, §5 Cancellation).
func (o *Orchestrator) Quit() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.quit
}

// FrameCount returns the number of frame boundaries completed so far.
func (o *Orchestrator) FrameCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frameCount
}

// setFrameCountFromLoad implements frameState for the checkpoint engine
// (checkpoint.go): a LOADSTATE resets the movie frame counter to the
// snapshot's recorded value (§4.8 step 6).
func (o *Orchestrator) setFrameCountFromLoad(n uint64) {
	o.mu.Lock()
	o.frameCount = n
	o.mu.Unlock()
}

// SetCheckpointEngine wires the checkpoint engine after construction,
// breaking the constructor cycle between Orchestrator (which needs a
// checkpointer) and CheckpointEngine (which needs the orchestrator as its
// frameState to reset the frame counter on load).
func (o *Orchestrator) SetCheckpointEngine(c *CheckpointEngine) {
	o.mu.Lock()
	o.chk = c
	o.barrier = c.Barrier()
	o.mu.Unlock()
}

// Boundary implements the §4.6 pseudo-contract B(draw) for the main thread.
// Callers on a non-main thread must not call this directly; route through
// DeferToMain instead.
func (o *Orchestrator) Boundary(draw bool) error {
	o.mu.Lock()
	barrier := o.barrier
	o.mu.Unlock()
	if barrier != nil {
		barrier.CheckIn(currentTID())
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	oneFrame := o.clock.EnterFrameBoundary()

	if draw {
		if o.sink != nil {
			if err := o.sink.EncodeFrame(o.frameCount, o.clock.VirtualNow()); err != nil {
				logf("avsink encode error: %v", err)
			}
		}
	}

	vt := o.clock.VirtualNow()
	begin := tasproto.FrameBeginPayload{
		FrameCount:  o.frameCount,
		Draw:        draw,
		VirtualSec:  vt.Sec,
		VirtualNsec: vt.Nsec,
	}
	if err := o.link.Send(tasproto.Message{Tag: tasproto.TagFrameBegin, Payload: begin.Encode()}); err != nil {
		return &ProtocolError{Detail: "send FRAME_BEGIN", Err: err}
	}

	o.input.BeginBoundary()
	if err := o.dispatchLoop(); err != nil {
		o.input.EndBoundary()
		return err
	}
	o.input.EndBoundary()

	if o.quirks != nil {
		o.quirks.OnFrameBoundary(o.frameCount, vt)
	}

	if !o.quit && o.speedDiv > 0 {
		target := o.lastEnter.Add(time.Duration(float64(oneFrame) * o.speedDiv))
		if d := time.Until(target); d > 0 {
			time.Sleep(d)
		}
	}
	o.lastEnter = time.Now()

	o.clock.ExitFrameBoundary()
	o.frameCount++
	return nil
}

// dispatchLoop implements §4.6 step 5: receive and act on controller
// messages until FRAME_END or QUIT.
func (o *Orchestrator) dispatchLoop() error {
	for {
		msg, err := o.link.Recv()
		if err != nil {
			return &ProtocolError{Detail: "recv during boundary", Err: err}
		}
		switch msg.Tag {
		case tasproto.TagConfigUpdate:
			var warnings []*ConfigError
			cfg, err := DecodeSharedConfig(msg.Payload, &warnings)
			if err != nil {
				return &ProtocolError{Detail: "decode CONFIG_UPDATE", Err: err}
			}
			for _, w := range warnings {
				warnf("%v", w)
			}
			o.config.Replace(cfg)
			o.applyConfigLocked(cfg)

		case tasproto.TagInputUpdate:
			frame, err := decodeInputFrame(msg.Payload)
			if err != nil {
				return &ProtocolError{Detail: "decode INPUT_UPDATE", Err: err}
			}
			o.input.Replace(frame)

		case tasproto.TagSaveState:
			slot, err := tasproto.DecodeSlot(msg.Payload)
			if err != nil {
				return &ProtocolError{Detail: "decode SAVESTATE", Err: err}
			}
			result := o.doSave(slot.Slot)
			if err := o.link.Send(tasproto.Message{Tag: tasproto.TagSaveStateResult, Payload: result.Encode()}); err != nil {
				return &ProtocolError{Detail: "send SAVESTATE_RESULT", Err: err}
			}

		case tasproto.TagLoadState:
			slot, err := tasproto.DecodeSlot(msg.Payload)
			if err != nil {
				return &ProtocolError{Detail: "decode LOADSTATE", Err: err}
			}
			result := o.doLoad(slot.Slot)
			if err := o.link.Send(tasproto.Message{Tag: tasproto.TagLoadStateResult, Payload: result.Encode()}); err != nil {
				return &ProtocolError{Detail: "send LOADSTATE_RESULT", Err: err}
			}

		case tasproto.TagFrameEnd:
			return nil

		case tasproto.TagQuit:
			o.quit = true
			return nil

		default:
			return &ProtocolError{Detail: fmt.Sprintf("unexpected tag %s during boundary", msg.Tag)}
		}
	}
}

func (o *Orchestrator) applyConfigLocked(cfg SharedConfig) {
	o.clock.mu.Lock()
	o.clock.rate = FrameRate{Num: int64(cfg.FrameRateNum), Den: int64(cfg.FrameRateDen)}
	o.clock.thresholds.MainThreshold = cfg.MainThreshold
	o.clock.thresholds.OtherThreshold = cfg.OtherThreshold
	o.clock.thresholds.ForceAdvanceNanos = cfg.ForceAdvanceNanos
	o.clock.mu.Unlock()
}

func (o *Orchestrator) doSave(slot uint32) tasproto.StateResultPayload {
	if err := o.chk.Save(slot); err != nil {
		return tasproto.StateResultPayload{Slot: slot, OK: false, Message: err.Error()}
	}
	if o.quirks != nil {
		o.quirks.OnSaveState(int(slot))
	}
	return tasproto.StateResultPayload{Slot: slot, OK: true}
}

func (o *Orchestrator) doLoad(slot uint32) tasproto.StateResultPayload {
	if err := o.chk.Load(slot); err != nil {
		return tasproto.StateResultPayload{Slot: slot, OK: false, Message: err.Error()}
	}
	if o.quirks != nil {
		o.quirks.OnLoadState(int(slot))
	}
	return tasproto.StateResultPayload{Slot: slot, OK: true}
}

// SetSpeedDivisor adjusts real-time pacing (§4.6 step 7): 1.0 is normal
// speed, >1.0 slows down, 0 disables pacing entirely (fast-forward).
func (o *Orchestrator) SetSpeedDivisor(d float64) {
	o.mu.Lock()
	o.speedDiv = d
	o.mu.Unlock()
}

// DeferToMain implements the non-main-present routing note in §4.6: it
// returns immediately and runs fn on a new goroutine, which first checks in
// with the barrier (if one is set) and then calls fn while holding the
// orchestrator's lock. No queue is kept and fn does not run on the main
// thread itself. In this implementation the only
// FrameBackend we ship (Ebiten) always presents from the main thread, so
// this is a narrow escape hatch for backends that don't.
func (o *Orchestrator) DeferToMain(fn func()) {
	go func() {
		o.mu.Lock()
		barrier := o.barrier
		o.mu.Unlock()
		if barrier != nil {
			barrier.CheckIn(currentTID())
		}

		o.mu.Lock()
		defer o.mu.Unlock()
		fn()
	}()
}
