package tasproto

import (
	"bytes"
	"testing"
)

// TestMessageWriteToReadMessageRoundTrip verifies the (u32 tag, u32 len,
// payload) framing round-trips through a plain io.Writer/io.Reader pair.
func TestMessageWriteToReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Tag: TagFrameBegin, Payload: []byte{1, 2, 3, 4}}
	if _, err := msg.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Tag != msg.Tag || !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("round trip = %+v, want %+v", got, msg)
	}
}

// TestMessageWriteToReadMessageEmptyPayload verifies a zero-length payload
// (e.g. QUIT) round-trips without reading past the header.
func TestMessageWriteToReadMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Tag: TagQuit}
	if _, err := msg.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Tag != TagQuit || len(got.Payload) != 0 {
		t.Fatalf("got %+v, want TagQuit with empty payload", got)
	}
}

// TestReadMessageRejectsOversizedLength verifies a corrupt length prefix
// claiming more than MaxPayload is rejected rather than driving an
// unbounded allocation.
func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var hdr [8]byte
	// tag doesn't matter; length field (bytes 4:8) exceeds MaxPayload.
	hdr[4], hdr[5], hdr[6], hdr[7] = 0xFF, 0xFF, 0xFF, 0xFF
	if _, err := ReadMessage(bytes.NewReader(hdr[:])); err == nil {
		t.Fatal("expected an error for an oversized payload length")
	}
}

// TestReadMessageTruncatedHeader verifies a short read on the header itself
// is surfaced as an error, not a zero-valued message.
func TestReadMessageTruncatedHeader(t *testing.T) {
	if _, err := ReadMessage(bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Fatal("expected an error for a truncated header")
	}
}

// TestTagString spot-checks a few Tag.String() values, since malformed
// control-link logging is hard to debug without readable tag names.
func TestTagString(t *testing.T) {
	cases := []struct {
		tag  Tag
		want string
	}{
		{TagHello, "HELLO"},
		{TagFrameBegin, "FRAME_BEGIN"},
		{TagSaveStateResult, "SAVESTATE_RESULT"},
		{Tag(999), "TAG(999)"},
	}
	for _, c := range cases {
		if got := c.tag.String(); got != c.want {
			t.Fatalf("Tag(%d).String() = %q, want %q", c.tag, got, c.want)
		}
	}
}

// TestHelloPayloadEncodeDecodeRoundTrip verifies the handshake version
// triple survives the wire format.
func TestHelloPayloadEncodeDecodeRoundTrip(t *testing.T) {
	h := HelloPayload{Major: 1, Minor: 2, Patch: 3}
	got, err := DecodeHello(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

// TestHelloPayloadCompatible verifies major-version matching is the sole
// compatibility criterion; minor/patch differences are always compatible.
func TestHelloPayloadCompatible(t *testing.T) {
	ours := HelloPayload{Major: 1, Minor: 5, Patch: 0}
	if !ours.Compatible(HelloPayload{Major: 1, Minor: 0, Patch: 9}) {
		t.Fatal("expected same-major peers to be compatible")
	}
	if ours.Compatible(HelloPayload{Major: 2}) {
		t.Fatal("expected different-major peers to be incompatible")
	}
}

// TestDecodeHelloTooShort verifies a truncated hello payload is rejected.
func TestDecodeHelloTooShort(t *testing.T) {
	if _, err := DecodeHello([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error decoding a truncated hello payload")
	}
}

// TestFrameBeginPayloadEncodeDecodeRoundTrip verifies FRAME_BEGIN's fields,
// including a negative VirtualSec (pre-epoch virtual time is valid).
func TestFrameBeginPayloadEncodeDecodeRoundTrip(t *testing.T) {
	p := FrameBeginPayload{FrameCount: 999999, Draw: true, VirtualSec: -42, VirtualNsec: 123456789}
	got, err := DecodeFrameBegin(p.Encode())
	if err != nil {
		t.Fatalf("DecodeFrameBegin: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

// TestFrameBeginPayloadDrawFalse verifies the Draw flag's false case encodes
// as a zero byte, not just that true round-trips.
func TestFrameBeginPayloadDrawFalse(t *testing.T) {
	p := FrameBeginPayload{FrameCount: 1, Draw: false}
	encoded := p.Encode()
	if encoded[8] != 0 {
		t.Fatalf("draw byte = %d, want 0", encoded[8])
	}
	got, err := DecodeFrameBegin(encoded)
	if err != nil {
		t.Fatalf("DecodeFrameBegin: %v", err)
	}
	if got.Draw {
		t.Fatal("expected Draw=false to round-trip as false")
	}
}

// TestDecodeFrameBeginTooShort verifies a truncated frame-begin payload is
// rejected rather than silently zero-extended.
func TestDecodeFrameBeginTooShort(t *testing.T) {
	if _, err := DecodeFrameBegin(make([]byte, 24)); err == nil {
		t.Fatal("expected an error for a 24-byte (one short) frame-begin payload")
	}
}

// TestStateResultPayloadEncodeDecodeRoundTrip verifies the slot/ok/message
// triple used by SAVESTATE_RESULT and LOADSTATE_RESULT.
func TestStateResultPayloadEncodeDecodeRoundTrip(t *testing.T) {
	p := StateResultPayload{Slot: 3, OK: false, Message: "slot 3 does not exist"}
	got, err := DecodeStateResult(p.Encode())
	if err != nil {
		t.Fatalf("DecodeStateResult: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

// TestStateResultPayloadEmptyMessage verifies an empty message string still
// round-trips cleanly (the common OK=true case carries no message).
func TestStateResultPayloadEmptyMessage(t *testing.T) {
	p := StateResultPayload{Slot: 0, OK: true}
	got, err := DecodeStateResult(p.Encode())
	if err != nil {
		t.Fatalf("DecodeStateResult: %v", err)
	}
	if got.Message != "" || !got.OK || got.Slot != 0 {
		t.Fatalf("got %+v, want zero-value message with OK=true", got)
	}
}

// TestSlotPayloadEncodeDecodeRoundTrip verifies SAVESTATE/LOADSTATE's bare
// slot number.
func TestSlotPayloadEncodeDecodeRoundTrip(t *testing.T) {
	p := SlotPayload{Slot: 12345}
	got, err := DecodeSlot(p.Encode())
	if err != nil {
		t.Fatalf("DecodeSlot: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

// TestDecodeSlotTooShort verifies a truncated slot payload is rejected.
func TestDecodeSlotTooShort(t *testing.T) {
	if _, err := DecodeSlot([]byte{1, 2}); err == nil {
		t.Fatal("expected an error decoding a truncated slot payload")
	}
}
