//go:build !headless

package agent

import (
	"fmt"
	"image/color"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text"
	"golang.org/x/image/font/basicfont"
)

func init() { registerFeature("frame-backend:ebiten") }

// EbitenFrameBackend is the demo FrameBackend referenced in §9 Design Notes
// ("model as a single interface FrameBackend with one method taking a
// closure"): a tiny window whose Draw callback is the present primitive
// that drives the frame-boundary orchestrator, mirroring the teacher's
// EbitenOutput.Draw -> vsyncChan handshake from its (deleted)
// video_backend_ebiten.go.
type EbitenFrameBackend struct {
	width, height int
	title         string

	// StatusFunc, if set, is called once per drawn frame to render the HUD
	// overlay (framecount / virtual time / thread count).
	StatusFunc func() HUDStatus

	boundary  func(draw bool)
	vsyncChan chan struct{}

	mu     sync.Mutex
	closed bool
	runErr error
}

// NewEbitenFrameBackend constructs a backend with the given window size.
func NewEbitenFrameBackend(width, height int, title string) *EbitenFrameBackend {
	return &EbitenFrameBackend{
		width: width, height: height, title: title,
		vsyncChan: make(chan struct{}, 1),
	}
}

// NewDefaultFrameBackend builds the backend selected by the headless build
// tag, so callers such as cmd/tas-harness don't need their own build-tag
// pair just to pick a constructor.
func NewDefaultFrameBackend(width, height int, title string) FrameBackend {
	return NewEbitenFrameBackend(width, height, title)
}

// Present implements FrameBackend: it runs Ebiten's event loop, blocking
// until the window is closed. Each Draw call invokes boundary(true)
// synchronously before returning, so the harness never presents two frames
// without an intervening frame boundary (§4.6's per-backend contract).
func (b *EbitenFrameBackend) Present(boundary func(draw bool)) {
	b.boundary = boundary
	ebiten.SetWindowSize(b.width, b.height)
	ebiten.SetWindowTitle(b.title)
	ebiten.SetWindowResizable(true)
	ebiten.SetVsyncEnabled(true)
	if err := ebiten.RunGame(b); err != nil {
		b.mu.Lock()
		b.runErr = err
		b.mu.Unlock()
	}
}

// Update implements ebiten.Game.
func (b *EbitenFrameBackend) Update() error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ebiten.Termination
	}
	return nil
}

// Draw implements ebiten.Game. It is the present primitive of §4.1/§4.6:
// every real Draw call rendezvouses with the orchestrator before the frame
// is actually shown.
func (b *EbitenFrameBackend) Draw(screen *ebiten.Image) {
	if b.boundary != nil {
		b.boundary(true)
	}
	screen.Fill(color.Black)
	if b.StatusFunc != nil {
		s := b.StatusFunc()
		msg := fmt.Sprintf("frame %d  t=%d.%09ds  threads=%d", s.FrameCount, s.VirtualSec, s.VirtualNsec, s.ThreadCount)
		text.Draw(screen, msg, basicfont.Face7x13, 8, 16, color.White)
	}
	select {
	case b.vsyncChan <- struct{}{}:
	default:
	}
}

// Layout implements ebiten.Game.
func (b *EbitenFrameBackend) Layout(_, _ int) (int, int) {
	return b.width, b.height
}

// Close stops the event loop on its next Update.
func (b *EbitenFrameBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
