//go:build headless

package agent

func init() { registerFeature("av-sink:null") }

// NewDefaultAVSink returns the discarding sink in headless builds, where no
// audio device is assumed to exist, pairing with avsink_oto.go's variant.
func NewDefaultAVSink(int) (AVSink, error) {
	return NullSink{}, nil
}
