package agent

// AVSink is the external AV-encoding collaborator the frame orchestrator
// calls into at a DRAW boundary (§1, §4.6 step 3). It is out of scope for
// the determinism/replay core itself; what matters here is only that the
// orchestrator has something real to call so the mixer hookup in step 3 is
// exercised end to end.
type AVSink interface {
	EncodeFrame(framecount uint64, virtualTime VirtualTime) error
	Close() error
}

// NullSink discards every frame; used when no AV-dumping is configured.
type NullSink struct{}

// EncodeFrame does nothing.
func (NullSink) EncodeFrame(uint64, VirtualTime) error { return nil }

// Close does nothing.
func (NullSink) Close() error { return nil }
