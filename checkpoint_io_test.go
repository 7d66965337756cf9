package agent

import (
	"os"
	"path/filepath"
	"testing"
)

// TestWriteReadSnapshotRoundTrip verifies writeSnapshot/readSnapshot preserve
// header, thread and region records exactly, the on-disk layout §6 mandates.
func TestWriteReadSnapshotRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "slot0")

	header := snapshotHeader{
		FrameCount:  1234,
		VirtualSec:  56,
		VirtualNsec: 789,
		LayoutFlags: layoutFlagIncremental,
	}
	threads := []threadRecord{
		{TID: 100, StackHi: 0xdeadbeef},
		{TID: 200, StackHi: 0xcafef00d},
	}
	regions := []regionRecord{
		{Start: 0x1000, End: 0x2000, Perms: [4]byte{'r', 'w', '-', 'p'}, Backing: uint32(BackingAnonPrivate), Path: "", Offset: 0, StoredBytes: 16, BasePrevSlot: -1},
		{Start: 0x3000, End: 0x5000, Perms: [4]byte{'r', '-', '-', 'p'}, Backing: uint32(BackingFilePrivate), Path: "/lib/libc.so", Offset: 0x100, StoredBytes: 0, BasePrevSlot: -1},
	}
	pageData := [][]byte{
		make([]byte, 16),
		nil,
	}
	for i := range pageData[0] {
		pageData[0][i] = byte(i)
	}

	if err := writeSnapshot(dir, header, threads, regions, pageData); err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}

	gotHeader, gotThreads, gotRegions, err := readSnapshot(dir)
	if err != nil {
		t.Fatalf("readSnapshot: %v", err)
	}

	if gotHeader.FrameCount != header.FrameCount || gotHeader.VirtualSec != header.VirtualSec ||
		gotHeader.VirtualNsec != header.VirtualNsec || gotHeader.LayoutFlags != header.LayoutFlags {
		t.Fatalf("header = %+v, want %+v", gotHeader, header)
	}
	if len(gotThreads) != len(threads) {
		t.Fatalf("got %d threads, want %d", len(gotThreads), len(threads))
	}
	for i, th := range threads {
		if gotThreads[i].TID != th.TID || gotThreads[i].StackHi != th.StackHi {
			t.Fatalf("thread %d = %+v, want %+v", i, gotThreads[i], th)
		}
	}
	if len(gotRegions) != len(regions) {
		t.Fatalf("got %d regions, want %d", len(gotRegions), len(regions))
	}
	for i, r := range regions {
		g := gotRegions[i]
		if g.Start != r.Start || g.End != r.End || g.Perms != r.Perms || g.Backing != r.Backing ||
			g.Path != r.Path || g.Offset != r.Offset || g.StoredBytes != r.StoredBytes || g.BasePrevSlot != r.BasePrevSlot {
			t.Fatalf("region %d = %+v, want %+v", i, g, r)
		}
	}

	lengths := make([]uint64, len(gotRegions))
	for i, r := range gotRegions {
		lengths[i] = r.StoredBytes
	}
	pages, err := readPagesFile(filepath.Join(dir, "pages.bin"), lengths)
	if err != nil {
		t.Fatalf("readPagesFile: %v", err)
	}
	if len(pages[0]) != 16 || pages[0][15] != 15 {
		t.Fatalf("page data mismatch: %v", pages[0])
	}
	if len(pages[1]) != 0 {
		t.Fatalf("expected zero-length second page, got %d bytes", len(pages[1]))
	}
}

// TestReadHeaderFileRejectsBadMagic verifies a file without the expected
// 8-byte magic literal is rejected instead of silently misparsed.
func TestReadHeaderFileRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "header")
	if err := writeHeaderFile(path, snapshotHeader{Version: snapshotVersion}); err != nil {
		t.Fatalf("writeHeaderFile: %v", err)
	}
	if _, err := readHeaderFile(path); err != nil {
		t.Fatalf("expected the freshly written header to parse cleanly: %v", err)
	}

	corrupt := filepath.Join(t.TempDir(), "corrupt-header")
	if err := os.WriteFile(corrupt, []byte("NOTAMAGIC!!!!!!!!!!!"), 0o644); err != nil {
		t.Fatalf("write corrupt header: %v", err)
	}
	if _, err := readHeaderFile(corrupt); err == nil {
		t.Fatal("expected an error reading a header with a bad magic literal")
	}
}

// TestSlotDirNaming verifies slotDir produces the "slotN" naming ListSlots
// later parses back with fmt.Sscanf.
func TestSlotDirNaming(t *testing.T) {
	got := slotDir("/tmp/slots", 7)
	want := filepath.Join("/tmp/slots", "slot7")
	if got != want {
		t.Fatalf("slotDir = %q, want %q", got, want)
	}
}
