// Package tasproto defines the control-link wire format shared between the
// agent and any out-of-process controller (§4.9, §6): a length-prefixed
// binary frame for the hot path, plus the JSON request/response shape used
// for out-of-band commands that never touch the per-frame loop.
package tasproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Tag identifies a control-link message, §4.9.
type Tag uint32

const (
	TagHello Tag = iota + 1
	TagFrameBegin
	TagFrameEnd
	TagConfigUpdate
	TagInputUpdate
	TagSaveState
	TagLoadState
	TagSaveStateResult
	TagLoadStateResult
	TagWindowID
	TagQuit
	TagAlertMsg
)

func (t Tag) String() string {
	switch t {
	case TagHello:
		return "HELLO"
	case TagFrameBegin:
		return "FRAME_BEGIN"
	case TagFrameEnd:
		return "FRAME_END"
	case TagConfigUpdate:
		return "CONFIG_UPDATE"
	case TagInputUpdate:
		return "INPUT_UPDATE"
	case TagSaveState:
		return "SAVESTATE"
	case TagLoadState:
		return "LOADSTATE"
	case TagSaveStateResult:
		return "SAVESTATE_RESULT"
	case TagLoadStateResult:
		return "LOADSTATE_RESULT"
	case TagWindowID:
		return "WINDOW_ID"
	case TagQuit:
		return "QUIT"
	case TagAlertMsg:
		return "ALERT_MSG"
	default:
		return fmt.Sprintf("TAG(%d)", uint32(t))
	}
}

// MaxPayload bounds a single message's payload so a corrupt length prefix
// cannot make the reader allocate unboundedly.
const MaxPayload = 64 << 20

// Message is one frame of the control-link protocol: (u32 tag, u32 len,
// payload), little-endian, §6.
type Message struct {
	Tag     Tag
	Payload []byte
}

// WriteTo serialises m onto w.
func (m Message) WriteTo(w io.Writer) (int64, error) {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(m.Tag))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(m.Payload)))
	n, err := w.Write(hdr[:])
	if err != nil {
		return int64(n), err
	}
	if len(m.Payload) == 0 {
		return int64(n), nil
	}
	pn, err := w.Write(m.Payload)
	return int64(n + pn), err
}

// ReadMessage reads one frame from r, per §6's fixed header layout.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	tag := Tag(binary.LittleEndian.Uint32(hdr[0:4]))
	length := binary.LittleEndian.Uint32(hdr[4:8])
	if length > MaxPayload {
		return Message{}, fmt.Errorf("tasproto: payload length %d exceeds max %d", length, MaxPayload)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Tag: tag, Payload: payload}, nil
}

// HelloPayload is the version triple exchanged first on every connection
// (§6, SPEC_FULL.md supplemented feature: HELLO handshake with semver).
type HelloPayload struct {
	Major uint32
	Minor uint32
	Patch uint32
}

// Encode serialises the hello payload to its wire form.
func (h HelloPayload) Encode() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], h.Major)
	binary.LittleEndian.PutUint32(buf[4:8], h.Minor)
	binary.LittleEndian.PutUint32(buf[8:12], h.Patch)
	return buf
}

// DecodeHello parses a HELLO payload.
func DecodeHello(b []byte) (HelloPayload, error) {
	if len(b) < 12 {
		return HelloPayload{}, fmt.Errorf("tasproto: hello payload too short")
	}
	return HelloPayload{
		Major: binary.LittleEndian.Uint32(b[0:4]),
		Minor: binary.LittleEndian.Uint32(b[4:8]),
		Patch: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// Compatible reports whether a peer's hello is usable with ours: same major.
func (h HelloPayload) Compatible(peer HelloPayload) bool {
	return h.Major == peer.Major
}

// FrameBeginPayload is FRAME_BEGIN's payload, §4.6 step 4.
type FrameBeginPayload struct {
	FrameCount  uint64
	Draw        bool
	VirtualSec  int64
	VirtualNsec int64
}

// Encode serialises the frame-begin payload.
func (p FrameBeginPayload) Encode() []byte {
	buf := make([]byte, 25)
	binary.LittleEndian.PutUint64(buf[0:8], p.FrameCount)
	if p.Draw {
		buf[8] = 1
	}
	binary.LittleEndian.PutUint64(buf[9:17], uint64(p.VirtualSec))
	binary.LittleEndian.PutUint64(buf[17:25], uint64(p.VirtualNsec))
	return buf
}

// DecodeFrameBegin parses a FRAME_BEGIN payload.
func DecodeFrameBegin(b []byte) (FrameBeginPayload, error) {
	if len(b) < 25 {
		return FrameBeginPayload{}, fmt.Errorf("tasproto: frame-begin payload too short")
	}
	return FrameBeginPayload{
		FrameCount:  binary.LittleEndian.Uint64(b[0:8]),
		Draw:        b[8] != 0,
		VirtualSec:  int64(binary.LittleEndian.Uint64(b[9:17])),
		VirtualNsec: int64(binary.LittleEndian.Uint64(b[17:25])),
	}, nil
}

// StateResultPayload is SAVESTATE_RESULT/LOADSTATE_RESULT's payload.
type StateResultPayload struct {
	Slot    uint32
	OK      bool
	Message string
}

// Encode serialises a state-result payload.
func (p StateResultPayload) Encode() []byte {
	msg := []byte(p.Message)
	buf := make([]byte, 5+len(msg))
	binary.LittleEndian.PutUint32(buf[0:4], p.Slot)
	if p.OK {
		buf[4] = 1
	}
	copy(buf[5:], msg)
	return buf
}

// DecodeStateResult parses a state-result payload.
func DecodeStateResult(b []byte) (StateResultPayload, error) {
	if len(b) < 5 {
		return StateResultPayload{}, fmt.Errorf("tasproto: state-result payload too short")
	}
	return StateResultPayload{
		Slot:    binary.LittleEndian.Uint32(b[0:4]),
		OK:      b[4] != 0,
		Message: string(b[5:]),
	}, nil
}

// SlotPayload is SAVESTATE/LOADSTATE's payload: just the target slot number.
type SlotPayload struct {
	Slot uint32
}

// Encode serialises a slot payload.
func (p SlotPayload) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, p.Slot)
	return buf
}

// DecodeSlot parses a slot payload.
func DecodeSlot(b []byte) (SlotPayload, error) {
	if len(b) < 4 {
		return SlotPayload{}, fmt.Errorf("tasproto: slot payload too short")
	}
	return SlotPayload{Slot: binary.LittleEndian.Uint32(b)}, nil
}

// SidecarRequest is the JSON-over-Unix-socket shape for out-of-band
// commands (attach, list-slots, status) that never touch the frame's
// length-prefixed binary hot path — borrowed from the teacher's ipcRequest.
type SidecarRequest struct {
	Cmd  string `json:"cmd"`
	Slot int    `json:"slot,omitempty"`
}

// SidecarResponse is the JSON reply to a SidecarRequest.
type SidecarResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Slots   []SlotInfo `json:"slots,omitempty"`
}

// SlotInfo describes one savestate slot for the list-slots sidecar command
// (SPEC_FULL.md supplemented feature: named slots with metadata listing).
type SlotInfo struct {
	Slot        int    `json:"slot"`
	FrameCount  uint64 `json:"framecount"`
	VirtualSec  int64  `json:"virtual_sec"`
	VirtualNsec int64  `json:"virtual_nsec"`
	SizeBytes   int64  `json:"size_bytes"`
}
