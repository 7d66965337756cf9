package agent

import "testing"

// TestSharedConfigEncodeDecodeRoundTrip verifies every field survives the
// fixed-width wire encoding used to carry SharedConfig over CONFIG_UPDATE.
func TestSharedConfigEncodeDecodeRoundTrip(t *testing.T) {
	cfg := SharedConfig{
		FrameRateNum:       60000,
		FrameRateDen:       1001,
		AudioRateHz:        48000,
		AudioDepthBits:     16,
		AudioChannels:      2,
		InitialVirtualSec:  -5,
		InitialVirtualNsec: 250_000_000,
		SleepHandling:      uint32(SleepAlways),
		WaitHandling:       uint32(WaitFinite),
		ForceAdvanceNanos:  7,
		QuirksMask:         0xDEADBEEFCAFE,
	}
	cfg.MainThreshold[CallSDLGetTicks] = 42
	cfg.OtherThreshold[CallGetTickCount] = 99

	got, err := DecodeSharedConfig(cfg.Encode(), nil)
	if err != nil {
		t.Fatalf("DecodeSharedConfig: %v", err)
	}
	if got != cfg {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, cfg)
	}
}

// TestDecodeSharedConfigClampsInvalidFields verifies out-of-range fields are
// clamped to safe defaults and reported via clampWarnings, per §7's
// ConfigError policy.
func TestDecodeSharedConfigClampsInvalidFields(t *testing.T) {
	cfg := SharedConfig{
		FrameRateNum:      60,
		FrameRateDen:      0, // invalid: division by zero
		SleepHandling:     99,
		WaitHandling:      99,
		ForceAdvanceNanos: -1,
	}

	var warnings []*ConfigError
	got, err := DecodeSharedConfig(cfg.Encode(), &warnings)
	if err != nil {
		t.Fatalf("DecodeSharedConfig: %v", err)
	}
	if got.FrameRateDen != 1 {
		t.Fatalf("FrameRateDen = %d, want clamped to 1", got.FrameRateDen)
	}
	if got.SleepHandling != uint32(SleepNever) {
		t.Fatalf("SleepHandling = %d, want clamped to SleepNever", got.SleepHandling)
	}
	if got.WaitHandling != uint32(WaitNative) {
		t.Fatalf("WaitHandling = %d, want clamped to WaitNative", got.WaitHandling)
	}
	if got.ForceAdvanceNanos != 1 {
		t.Fatalf("ForceAdvanceNanos = %d, want clamped to 1", got.ForceAdvanceNanos)
	}
	if len(warnings) != 4 {
		t.Fatalf("expected 4 clamp warnings, got %d", len(warnings))
	}
}

// TestDecodeSharedConfigTooShort verifies a truncated buffer is rejected.
func TestDecodeSharedConfigTooShort(t *testing.T) {
	if _, err := DecodeSharedConfig([]byte{1, 2, 3}, nil); err == nil {
		t.Fatal("expected an error decoding a truncated SharedConfig buffer")
	}
}

// TestConfigStoreReplaceGet verifies the store always returns the most
// recently installed config.
func TestConfigStoreReplaceGet(t *testing.T) {
	s := NewConfigStore(SharedConfig{FrameRateNum: 60, FrameRateDen: 1})
	if got := s.Get().FrameRateNum; got != 60 {
		t.Fatalf("initial FrameRateNum = %d, want 60", got)
	}
	s.Replace(SharedConfig{FrameRateNum: 30, FrameRateDen: 1})
	if got := s.Get().FrameRateNum; got != 30 {
		t.Fatalf("FrameRateNum after Replace = %d, want 30", got)
	}
}

// TestRingBufferWraparound verifies writes beyond capacity overwrite the
// oldest bytes and ReadLast returns exactly the most recent n bytes.
func TestRingBufferWraparound(t *testing.T) {
	r := NewRingBuffer(4)
	r.Write([]byte{1, 2, 3})
	if got := r.ReadLast(3); string(got) != string([]byte{1, 2, 3}) {
		t.Fatalf("ReadLast(3) = %v, want [1 2 3]", got)
	}

	r.Write([]byte{4, 5, 6}) // overflows the 4-byte ring by 2 bytes
	got := r.ReadLast(4)
	want := []byte{3, 4, 5, 6}
	if string(got) != string(want) {
		t.Fatalf("ReadLast(4) after wraparound = %v, want %v", got, want)
	}
}

// TestRingBufferLargerThanCapacity verifies a single write larger than the
// ring's capacity keeps only its tail.
func TestRingBufferLargerThanCapacity(t *testing.T) {
	r := NewRingBuffer(3)
	n := r.Write([]byte{1, 2, 3, 4, 5})
	if n != 3 {
		t.Fatalf("Write returned %d, want 3 (only the kept tail is reported)", n)
	}
	got := r.ReadLast(3)
	want := []byte{3, 4, 5}
	if string(got) != string(want) {
		t.Fatalf("ReadLast(3) = %v, want %v", got, want)
	}
}
