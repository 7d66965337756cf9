//go:build !headless

package agent

import (
	"sync"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"
)

// OtoSink feeds a constant silence/placeholder waveform through an oto
// player on every DRAW boundary, standing in for the encoder mixer
// callback §4.6 step 3 describes ("encode-one-frame if AV-dumping is
// active"). It mirrors the teacher's OtoPlayer in audio_backend_oto.go: an
// atomic pointer to avoid locking the hot Read path, a pre-allocated
// sample buffer, and a mutex only around setup/control operations.
type OtoSink struct {
	ctx    *oto.Context
	player *oto.Player

	mu      sync.Mutex
	started bool

	framesEncoded atomic.Uint64
}

func init() { registerFeature("av-sink:oto") }

// NewOtoSink opens an oto context at sampleRate and prepares (but does not
// start) a player reading from this sink.
func NewOtoSink(sampleRate int) (*OtoSink, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 2,
		Format:       oto.FormatFloat32LE,
		BufferSize:   4,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, err
	}
	<-ready

	sink := &OtoSink{ctx: ctx}
	sink.player = ctx.NewPlayer(sink)
	return sink, nil
}

// NewDefaultAVSink opens the oto-backed sink when audio output is
// available, pairing with the headless build's NullSink fallback.
func NewDefaultAVSink(sampleRate int) (AVSink, error) {
	return NewOtoSink(sampleRate)
}

// Read implements io.Reader for the oto player: silence, since the agent
// itself has no audio samples to mix (the game's own audio hook path is
// separate); this sink exists to give the DRAW-boundary encode step a real
// collaborator to call.
func (s *OtoSink) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// EncodeFrame implements AVSink; starts the player lazily on first call.
func (s *OtoSink) EncodeFrame(framecount uint64, _ VirtualTime) error {
	s.mu.Lock()
	if !s.started {
		s.player.Play()
		s.started = true
	}
	s.mu.Unlock()
	s.framesEncoded.Store(framecount)
	return nil
}

// FramesEncoded reports the last framecount passed to EncodeFrame.
func (s *OtoSink) FramesEncoded() uint64 { return s.framesEncoded.Load() }

// Close stops playback and releases the player.
func (s *OtoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		s.player.Close()
		s.player = nil
	}
	return nil
}
