package agent

// HUDStatus is the read-only snapshot a FrameBackend may overlay on each
// presented frame: framecount, virtual time and thread count, the same
// figures the original tool's (out-of-scope) debug overlay showed. Kept in
// a build-tag-free file so both the Ebiten and headless backends can share
// the type regardless of which one is compiled in.
type HUDStatus struct {
	FrameCount  uint64
	VirtualSec  int64
	VirtualNsec int64
	ThreadCount int
}
