// Command tas-controller-stub is a minimal interactive controller: it
// listens for a single agent connection, completes the HELLO handshake, and
// lets an operator drive save/load/quit with raw keystrokes, mirroring the
// teacher's terminal_host.go raw-mode stdin reader (MakeRaw + non-blocking
// single-byte reads in a goroutine, restored on exit).
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tasreplay/agent/internal/tasproto"
)

func main() {
	var (
		socket = flag.String("socket", "", "control-link socket path to listen on (required)")
		slot   = flag.Uint("slot", 0, "savestate slot driven by the s/l keys")
	)
	flag.Parse()

	if *socket == "" {
		fmt.Fprintln(os.Stderr, "tas-controller-stub: -socket is required")
		os.Exit(1)
	}

	if err := run(*socket, uint32(*slot)); err != nil {
		fmt.Fprintf(os.Stderr, "tas-controller-stub: %v\n", err)
		os.Exit(1)
	}
}

func run(socketPath string, slot uint32) error {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socketPath, err)
	}
	defer ln.Close()

	fmt.Fprintf(os.Stderr, "tas-controller-stub: waiting for agent on %s\n", socketPath)
	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	ours := tasproto.HelloPayload{Major: 0, Minor: 1, Patch: 0}
	peer, err := handshake(conn, ours)
	if err != nil {
		return err
	}
	if !ours.Compatible(peer) {
		return fmt.Errorf("incompatible agent version %d.%d.%d", peer.Major, peer.Minor, peer.Patch)
	}
	fmt.Fprintf(os.Stderr, "tas-controller-stub: agent connected, proto v%d.%d.%d\n", peer.Major, peer.Minor, peer.Patch)

	keys := make(chan byte, 8)
	stop := startRawStdin(keys)
	defer stop()

	fmt.Fprintln(os.Stderr, "tas-controller-stub: keys: s=save  l=load  q=quit")
	return driveLink(conn, keys, slot)
}

// handshake performs the controller side of the HELLO exchange: receive
// first, since the agent sends HELLO immediately after dialing, then reply
// with our own payload.
func handshake(conn net.Conn, ours tasproto.HelloPayload) (tasproto.HelloPayload, error) {
	msg, err := tasproto.ReadMessage(conn)
	if err != nil {
		return tasproto.HelloPayload{}, fmt.Errorf("recv HELLO: %w", err)
	}
	if msg.Tag != tasproto.TagHello {
		return tasproto.HelloPayload{}, fmt.Errorf("expected HELLO, got %s", msg.Tag)
	}
	peer, err := tasproto.DecodeHello(msg.Payload)
	if err != nil {
		return tasproto.HelloPayload{}, fmt.Errorf("decode HELLO: %w", err)
	}
	reply := tasproto.Message{Tag: tasproto.TagHello, Payload: ours.Encode()}
	if _, err := reply.WriteTo(conn); err != nil {
		return tasproto.HelloPayload{}, fmt.Errorf("send HELLO: %w", err)
	}
	return peer, nil
}

// driveLink answers every FRAME_BEGIN with FRAME_END, unless a keystroke is
// waiting: 's' issues a SAVESTATE and 'l' a LOADSTATE, each still followed
// by the FRAME_END that lets the agent's boundary return; 'q' sends a QUIT
// alone, with no FRAME_END after it.
func driveLink(conn net.Conn, keys <-chan byte, slot uint32) error {
	for {
		msg, err := tasproto.ReadMessage(conn)
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		switch msg.Tag {
		case tasproto.TagFrameBegin:
			begin, err := tasproto.DecodeFrameBegin(msg.Payload)
			if err != nil {
				return fmt.Errorf("decode FRAME_BEGIN: %w", err)
			}
			if err := respondToFrame(conn, begin, keys, slot); err != nil {
				return err
			}
		case tasproto.TagAlertMsg:
			fmt.Fprintf(os.Stderr, "tas-controller-stub: alert: %s\n", string(msg.Payload))
		case tasproto.TagWindowID:
			// informational only; no action required of this stub controller.
		default:
			fmt.Fprintf(os.Stderr, "tas-controller-stub: unexpected tag %s outside a boundary\n", msg.Tag)
		}
	}
}

func respondToFrame(conn net.Conn, begin tasproto.FrameBeginPayload, keys <-chan byte, slot uint32) error {
	var key byte
	select {
	case key = <-keys:
	default:
	}

	switch key {
	case 's':
		if err := send(conn, tasproto.TagSaveState, tasproto.SlotPayload{Slot: slot}.Encode()); err != nil {
			return err
		}
		if err := awaitResult(conn, tasproto.TagSaveStateResult, "save"); err != nil {
			return err
		}
	case 'l':
		if err := send(conn, tasproto.TagLoadState, tasproto.SlotPayload{Slot: slot}.Encode()); err != nil {
			return err
		}
		if err := awaitResult(conn, tasproto.TagLoadStateResult, "load"); err != nil {
			return err
		}
	case 'q':
		return send(conn, tasproto.TagQuit, nil)
	}

	fmt.Fprintf(os.Stderr, "\rframe %d  t=%d.%09ds  draw=%v", begin.FrameCount, begin.VirtualSec, begin.VirtualNsec, begin.Draw)
	return send(conn, tasproto.TagFrameEnd, nil)
}

func awaitResult(conn net.Conn, want tasproto.Tag, verb string) error {
	msg, err := tasproto.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("recv %s: %w", want, err)
	}
	if msg.Tag != want {
		return fmt.Errorf("expected %s, got %s", want, msg.Tag)
	}
	result, err := tasproto.DecodeStateResult(msg.Payload)
	if err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	if !result.OK {
		fmt.Fprintf(os.Stderr, "\ntas-controller-stub: %s slot %d failed: %s\n", verb, result.Slot, result.Message)
	} else {
		fmt.Fprintf(os.Stderr, "\ntas-controller-stub: %s slot %d ok\n", verb, result.Slot)
	}
	return nil
}

func send(conn net.Conn, tag tasproto.Tag, payload []byte) error {
	msg := tasproto.Message{Tag: tag, Payload: payload}
	_, err := msg.WriteTo(conn)
	return err
}

// startRawStdin puts stdin into raw, non-blocking mode and feeds one byte at
// a time into keys, mirroring the teacher's TerminalHost.Start/Stop pair. It
// returns a stop func that restores stdin; calling it is always safe even
// if raw mode could not be entered.
func startRawStdin(keys chan<- byte) func() {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tas-controller-stub: stdin is not a terminal, keystrokes disabled: %v\n", err)
		return func() {}
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		_ = term.Restore(fd, oldState)
		return func() {}
	}

	stopCh := make(chan struct{})
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(done)
		buf := make([]byte, 1)
		for {
			select {
			case <-stopCh:
				return
			default:
			}
			n, err := syscall.Read(fd, buf)
			if n > 0 {
				select {
				case keys <- buf[0]:
				default:
				}
			}
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || n == 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if err != nil {
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(stopCh) })
		<-done
		_ = syscall.SetNonblock(fd, false)
		_ = term.Restore(fd, oldState)
	}
}
