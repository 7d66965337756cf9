package agent

import (
	"errors"
	"testing"
)

// TestByteSignatureScanSingleMatch verifies a wildcard-masked signature
// matching exactly once returns that offset.
func TestByteSignatureScanSingleMatch(t *testing.T) {
	text := []byte{0x00, 0x55, 0x8B, 0xEC, 0x00, 0xFF}
	sig := []byte{0x55, 0x8B, 0xEC}
	mask := []byte{1, 1, 1}

	off, err := ByteSignatureScan(text, sig, mask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if off != 1 {
		t.Fatalf("offset = %d, want 1", off)
	}
}

// TestByteSignatureScanWildcardBytes verifies mask bits of 0 are treated as
// don't-care positions.
func TestByteSignatureScanWildcardBytes(t *testing.T) {
	text := []byte{0x90, 0x55, 0xAA, 0xEC, 0x90}
	sig := []byte{0x55, 0x00, 0xEC}
	mask := []byte{1, 0, 1} // middle byte is a wildcard

	off, err := ByteSignatureScan(text, sig, mask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if off != 1 {
		t.Fatalf("offset = %d, want 1", off)
	}
}

// TestByteSignatureScanAmbiguous verifies two equally valid matches return
// an error rather than silently picking one, since an ambiguous patch site
// must never be patched (§4.1).
func TestByteSignatureScanAmbiguous(t *testing.T) {
	text := []byte{0x55, 0x8B, 0xEC, 0x00, 0x55, 0x8B, 0xEC}
	sig := []byte{0x55, 0x8B, 0xEC}
	mask := []byte{1, 1, 1}

	_, err := ByteSignatureScan(text, sig, mask)
	if err == nil {
		t.Fatal("expected an error for an ambiguous signature match")
	}
	var hookErr *HookError
	if !errors.As(err, &hookErr) || hookErr.Reason != HookReasonAmbiguousSig {
		t.Fatalf("expected HookReasonAmbiguousSig, got %v", err)
	}
}

// TestByteSignatureScanNoMatch verifies zero matches is also an error.
func TestByteSignatureScanNoMatch(t *testing.T) {
	text := []byte{0x01, 0x02, 0x03}
	sig := []byte{0xFF}
	mask := []byte{1}

	_, err := ByteSignatureScan(text, sig, mask)
	if err == nil {
		t.Fatal("expected an error when the signature is never found")
	}
	var hookErr *HookError
	if !errors.As(err, &hookErr) || hookErr.Reason != HookReasonSymbolNotFound {
		t.Fatalf("expected HookReasonSymbolNotFound, got %v", err)
	}
}

// TestByteSignatureScanMismatchedLengths verifies a malformed signature/mask
// pair is rejected up front.
func TestByteSignatureScanMismatchedLengths(t *testing.T) {
	if _, err := ByteSignatureScan([]byte{1, 2, 3}, []byte{1}, []byte{1, 1}); err == nil {
		t.Fatal("expected an error for mismatched signature/mask lengths")
	}
	if _, err := ByteSignatureScan([]byte{1, 2, 3}, nil, nil); err == nil {
		t.Fatal("expected an error for an empty signature")
	}
}
