package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tasreplay/agent/internal/tasproto"
)

// ControlLink implements C9: a single UNIX-domain stream connection to the
// controller. Sends are synchronous and non-interleaved — callers already
// hold the orchestrator's mutex for the duration of a boundary (§4.9).
type ControlLink struct {
	conn net.Conn

	writeMu sync.Mutex

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	sidecarPath string
	sidecarLn   net.Listener
}

// DialController connects to the controller's well-known socket path
// (§6: "path derived from a well-known prefix plus the controller PID")
// and performs the HELLO handshake before returning.
func DialController(path string, ours tasproto.HelloPayload) (*ControlLink, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control link: dial %s: %w", path, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	link := &ControlLink{conn: conn, group: group, ctx: ctx, cancel: cancel}

	if err := link.handshake(ours); err != nil {
		conn.Close()
		cancel()
		return nil, err
	}
	return link, nil
}

func (l *ControlLink) handshake(ours tasproto.HelloPayload) error {
	if err := l.Send(tasproto.Message{Tag: tasproto.TagHello, Payload: ours.Encode()}); err != nil {
		return &ProtocolError{Detail: "send HELLO", Err: err}
	}
	msg, err := l.Recv()
	if err != nil {
		return &ProtocolError{Detail: "recv HELLO", Err: err}
	}
	if msg.Tag != tasproto.TagHello {
		return &ProtocolError{Detail: fmt.Sprintf("expected HELLO, got %s", msg.Tag)}
	}
	peer, err := tasproto.DecodeHello(msg.Payload)
	if err != nil {
		return &ProtocolError{Detail: "decode HELLO", Err: err}
	}
	if !ours.Compatible(peer) {
		return &ProtocolError{Detail: fmt.Sprintf("incompatible controller version %d.%d.%d", peer.Major, peer.Minor, peer.Patch)}
	}
	return nil
}

// Send writes one message. Per §4.9/§7, sends are uninterruptible by
// design: a failure here is always fatal to the connection.
func (l *ControlLink) Send(msg tasproto.Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := msg.WriteTo(l.conn)
	return err
}

// Recv reads one message, blocking until it arrives.
func (l *ControlLink) Recv() (tasproto.Message, error) {
	return tasproto.ReadMessage(l.conn)
}

// Close tears down the link and any sidecar listener.
func (l *ControlLink) Close() error {
	l.cancel()
	if l.sidecarLn != nil {
		l.sidecarLn.Close()
	}
	if l.sidecarPath != "" {
		os.Remove(l.sidecarPath)
	}
	err := l.conn.Close()
	_ = l.group.Wait()
	return err
}

// sidecarHandler answers one tasproto.SidecarRequest with a
// tasproto.SidecarResponse; those types mirror the teacher's runtime_ipc.go
// ipcRequest/ipcResponse JSON shape exactly, reused here for commands that
// never touch the per-frame binary protocol: attach, list-slots, status.
type sidecarHandler func(tasproto.SidecarRequest) tasproto.SidecarResponse

// SidecarHandler builds the default sidecar dispatcher for the "attach",
// "list-slots" and "status" commands (SPEC_FULL.md's supplemented named-slot
// listing), bound to a single checkpoint engine. Callers pass the result
// directly to StartSidecar.
func SidecarHandler(c *CheckpointEngine) func(tasproto.SidecarRequest) tasproto.SidecarResponse {
	return func(req tasproto.SidecarRequest) tasproto.SidecarResponse {
		switch req.Cmd {
		case "attach":
			return tasproto.SidecarResponse{Status: "ok"}
		case "list-slots":
			slots, err := c.ListSlots()
			if err != nil {
				return tasproto.SidecarResponse{Status: "err", Message: err.Error()}
			}
			infos := make([]tasproto.SlotInfo, len(slots))
			for i, s := range slots {
				infos[i] = tasproto.SlotInfo{
					Slot:        int(s.Slot),
					FrameCount:  s.FrameCount,
					VirtualSec:  s.VirtualSec,
					VirtualNsec: s.VirtualNsec,
					SizeBytes:   s.SizeBytes,
				}
			}
			return tasproto.SidecarResponse{Status: "ok", Slots: infos}
		case "status":
			return tasproto.SidecarResponse{Status: "ok", Message: "running"}
		default:
			return tasproto.SidecarResponse{Status: "err", Message: fmt.Sprintf("unknown cmd %q", req.Cmd)}
		}
	}
}

// StartSidecar opens a JSON-over-Unix-socket listener at path for
// out-of-band commands. Its accept loop runs in the link's errgroup, so it
// stops when the link's context is cancelled, and an accept error cancels
// that context; the main link's connection is not closed by it. Each
// accepted sidecar connection is served on its own goroutine outside the
// group.
func (l *ControlLink) StartSidecar(path string, handler sidecarHandler) error {
	if _, err := os.Stat(path); err == nil {
		if conn, dialErr := net.DialTimeout("unix", path, 2*time.Second); dialErr == nil {
			conn.Close()
			return fmt.Errorf("control link: sidecar already running at %s", path)
		}
		os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control link: sidecar bind %s: %w", path, err)
	}
	l.sidecarLn = ln
	l.sidecarPath = path

	l.group.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-l.ctx.Done():
					return nil
				default:
					return err
				}
			}
			go serveSidecarConn(conn, handler)
		}
	})
	return nil
}

func serveSidecarConn(conn net.Conn, handler sidecarHandler) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	var req tasproto.SidecarRequest
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&req); err != nil {
		writeSidecarResponse(conn, tasproto.SidecarResponse{Status: "err", Message: "invalid json"})
		return
	}
	resp := handler(req)
	writeSidecarResponse(conn, resp)
}

func writeSidecarResponse(conn net.Conn, resp tasproto.SidecarResponse) {
	data, _ := json.Marshal(resp)
	conn.Write(data)
}
