package agent

import "testing"

// TestInputFrameEncodeDecodeRoundTrip verifies encodeInputFrame/decodeInputFrame
// round-trip every field of a populated InputFrame exactly, since both ends
// of the control link depend on the same wire layout (§4.9, §6).
func TestInputFrameEncodeDecodeRoundTrip(t *testing.T) {
	frame := InputFrame{
		Keys: map[uint32]bool{1: true, 2: true, 3: false},
		Mouse: MouseState{
			X: -42, Y: 17, Buttons: 0b101, Mode: MouseRelative,
		},
		FrameRateOverride:   FrameRate{Num: 30, Den: 1},
		RealtimeOverride:    VirtualTime{Sec: 123, Nsec: 456},
		HasRealtimeOverride: true,
		Flags:               0xC0FFEE,
	}
	frame.Pads[0] = GamepadState{Connected: true, Axes: [8]int16{1, -2, 3, -4, 5, -6, 7, -8}, Buttons: 0xFF}
	frame.Pads[2] = GamepadState{Connected: false}

	encoded := encodeInputFrame(frame)
	got, err := decodeInputFrame(encoded)
	if err != nil {
		t.Fatalf("decodeInputFrame: %v", err)
	}

	if !got.IsKeyDown(1) || !got.IsKeyDown(2) {
		t.Fatal("expected keys 1 and 2 to decode as pressed")
	}
	if got.IsKeyDown(3) {
		t.Fatal("key 3 was not pressed and must not decode as pressed")
	}
	if got.Mouse != frame.Mouse {
		t.Fatalf("mouse state = %+v, want %+v", got.Mouse, frame.Mouse)
	}
	if got.Pads[0] != frame.Pads[0] {
		t.Fatalf("pad 0 = %+v, want %+v", got.Pads[0], frame.Pads[0])
	}
	if got.Pads[2].Connected {
		t.Fatal("pad 2 should decode as disconnected")
	}
	if got.FrameRateOverride != frame.FrameRateOverride {
		t.Fatalf("frame rate override = %+v, want %+v", got.FrameRateOverride, frame.FrameRateOverride)
	}
	if !got.HasRealtimeOverride || got.RealtimeOverride != frame.RealtimeOverride {
		t.Fatalf("realtime override = %+v (has=%v), want %+v", got.RealtimeOverride, got.HasRealtimeOverride, frame.RealtimeOverride)
	}
	if got.Flags != frame.Flags {
		t.Fatalf("flags = %#x, want %#x", got.Flags, frame.Flags)
	}
}

// TestDecodeInputFrameTruncated verifies a short buffer is rejected rather
// than silently producing a zero-valued frame.
func TestDecodeInputFrameTruncated(t *testing.T) {
	if _, err := decodeInputFrame(nil); err == nil {
		t.Fatal("expected an error decoding an empty buffer")
	}
	full := encodeInputFrame(InputFrame{Keys: map[uint32]bool{7: true}})
	if _, err := decodeInputFrame(full[:len(full)-1]); err == nil {
		t.Fatal("expected an error decoding a truncated buffer")
	}
}

// TestInputChannelReplaceOnlyDuringBoundary verifies Replace is rejected
// outside the BeginBoundary/EndBoundary window, per §4.5.
func TestInputChannelReplaceOnlyDuringBoundary(t *testing.T) {
	ch := NewInputChannel()

	ok := ch.Replace(InputFrame{Keys: map[uint32]bool{5: true}})
	if ok {
		t.Fatal("Replace succeeded outside a frame boundary")
	}

	ch.BeginBoundary()
	ok = ch.Replace(InputFrame{Keys: map[uint32]bool{5: true}})
	ch.EndBoundary()
	if !ok {
		t.Fatal("Replace failed inside a frame boundary")
	}

	snap := ch.Snapshot()
	if !snap.IsKeyDown(5) {
		t.Fatal("expected the replaced frame to be visible via Snapshot")
	}

	ok = ch.Replace(InputFrame{Keys: map[uint32]bool{6: true}})
	if ok {
		t.Fatal("Replace succeeded again after EndBoundary closed the window")
	}
}

// TestInputChannelSnapshotIsolated verifies Snapshot returns an independent
// copy so a caller mutating its Keys map cannot corrupt the channel's state.
func TestInputChannelSnapshotIsolated(t *testing.T) {
	ch := NewInputChannel()
	ch.BeginBoundary()
	ch.Replace(InputFrame{Keys: map[uint32]bool{1: true}})
	ch.EndBoundary()

	snap := ch.Snapshot()
	snap.Keys[2] = true

	fresh := ch.Snapshot()
	if fresh.IsKeyDown(2) {
		t.Fatal("mutating a Snapshot's Keys map leaked back into the channel")
	}
}
