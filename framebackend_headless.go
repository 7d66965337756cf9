//go:build headless

package agent

import "sync"

func init() { registerFeature("frame-backend:headless") }

// HeadlessFrameBackend drives frame boundaries in a tight loop without any
// real window, for CI and container use where there is no display (mirrors
// the teacher's headless build tag pairing, e.g. video_backend_headless.go
// alongside video_backend_ebiten.go).
type HeadlessFrameBackend struct {
	// Frames caps the number of DRAW frames presented; 0 means run until
	// Close is called.
	Frames int

	mu     sync.Mutex
	closed bool
}

// NewHeadlessFrameBackend constructs a backend that presents frames
// synchronously, up to the given cap (0 for unbounded).
func NewHeadlessFrameBackend(frames int) *HeadlessFrameBackend {
	return &HeadlessFrameBackend{Frames: frames}
}

// NewDefaultFrameBackend builds the backend selected by the headless build
// tag, so callers such as cmd/tas-harness don't need their own build-tag
// pair just to pick a constructor. width/height/title are accepted for
// signature parity with the Ebiten constructor and ignored.
func NewDefaultFrameBackend(_, _ int, _ string) FrameBackend {
	return NewHeadlessFrameBackend(0)
}

// Present implements FrameBackend: it calls boundary once per iteration
// with no real vsync to wait on.
func (b *HeadlessFrameBackend) Present(boundary func(draw bool)) {
	for i := 0; b.Frames == 0 || i < b.Frames; i++ {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		boundary(true)
	}
}

// Close stops Present's loop on its next iteration.
func (b *HeadlessFrameBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
