package agent

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// snapshotMagic is the 8-byte header literal mandated by §6.
const snapshotMagic = "TASSAVE1"
const snapshotVersion = uint32(1)

// snapshotHeader is the fixed record at the start of a slot's header file,
// §4.8 "Snapshot layout on disk per slot".
type snapshotHeader struct {
	Version     uint32
	FrameCount  uint64
	VirtualSec  int64
	VirtualNsec int64
	ThreadCount uint32
	RegionCount uint32
	LayoutFlags uint32
}

const layoutFlagIncremental = 1 << 0

// threadRecord is one entry of the "threads" file.
type threadRecord struct {
	TID     int32
	Regs    Registers
	StackHi uint64
}

// regionRecord is one entry of the "regions" file. PathLen/Path let a
// region's backing file be recorded without a fixed-width field.
type regionRecord struct {
	Start, End  uint64
	Perms       [4]byte
	Backing     uint32
	Path        string
	Offset      uint64
	StoredBytes uint64 // bytes of this region present in pages.bin (0 for reconstructed regions)
	BasePrevSlot int32 // -1 if this snapshot is self-contained; else the slot this region's unstored pages inherit from
}

// slotDir returns the directory a slot's files live under.
func slotDir(root string, slot uint32) string {
	return filepath.Join(root, fmt.Sprintf("slot%d", slot))
}

// writeSnapshot serialises header+threads+regions+pages.bin into dir,
// creating it if necessary. pageData supplies, for each region that needs
// dumping (shouldDump already applied by the caller), the exact bytes to
// store for that region (full region or just dirty pages, depending on
// incremental mode).
func writeSnapshot(dir string, header snapshotHeader, threads []threadRecord, regions []regionRecord, pageData [][]byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}

	header.Version = snapshotVersion
	header.ThreadCount = uint32(len(threads))
	header.RegionCount = uint32(len(regions))

	if err := writeHeaderFile(filepath.Join(dir, "header"), header); err != nil {
		return err
	}
	if err := writeThreadsFile(filepath.Join(dir, "threads"), threads); err != nil {
		return err
	}
	if err := writeRegionsFile(filepath.Join(dir, "regions"), regions); err != nil {
		return err
	}
	if err := writePagesFile(filepath.Join(dir, "pages.bin"), pageData); err != nil {
		return err
	}
	return nil
}

func writeHeaderFile(path string, h snapshotHeader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create header: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if _, err := w.WriteString(snapshotMagic); err != nil {
		return err
	}
	for _, v := range []any{h.Version, h.FrameCount, h.VirtualSec, h.VirtualNsec, h.ThreadCount, h.RegionCount, h.LayoutFlags} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("checkpoint: write header field: %w", err)
		}
	}
	return w.Flush()
}

func readHeaderFile(path string) (snapshotHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return snapshotHeader{}, fmt.Errorf("checkpoint: open header: %w", err)
	}
	defer f.Close()

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return snapshotHeader{}, fmt.Errorf("checkpoint: read magic: %w", err)
	}
	if string(magic) != snapshotMagic {
		return snapshotHeader{}, fmt.Errorf("checkpoint: bad magic %q", magic)
	}

	var h snapshotHeader
	for _, v := range []any{&h.Version, &h.FrameCount, &h.VirtualSec, &h.VirtualNsec, &h.ThreadCount, &h.RegionCount, &h.LayoutFlags} {
		if err := binary.Read(f, binary.LittleEndian, v); err != nil {
			return snapshotHeader{}, fmt.Errorf("checkpoint: read header field: %w", err)
		}
	}
	if h.Version != snapshotVersion {
		return snapshotHeader{}, fmt.Errorf("checkpoint: unsupported snapshot version %d", h.Version)
	}
	return h, nil
}

func writeThreadsFile(path string, threads []threadRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create threads: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, t := range threads {
		if err := binary.Write(w, binary.LittleEndian, t.TID); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, t.Regs.raw); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, t.StackHi); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readThreadsFile(path string, count uint32) ([]threadRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open threads: %w", err)
	}
	defer f.Close()

	out := make([]threadRecord, count)
	for i := range out {
		if err := binary.Read(f, binary.LittleEndian, &out[i].TID); err != nil {
			return nil, err
		}
		if err := binary.Read(f, binary.LittleEndian, &out[i].Regs.raw); err != nil {
			return nil, err
		}
		if err := binary.Read(f, binary.LittleEndian, &out[i].StackHi); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func writeRegionsFile(path string, regions []regionRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create regions: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, r := range regions {
		fields := []any{r.Start, r.End, r.Perms, r.Backing, uint32(len(r.Path))}
		for _, v := range fields {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(r.Path); err != nil {
			return err
		}
		for _, v := range []any{r.Offset, r.StoredBytes, r.BasePrevSlot} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func readRegionsFile(path string, count uint32) ([]regionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open regions: %w", err)
	}
	defer f.Close()

	out := make([]regionRecord, count)
	for i := range out {
		r := &out[i]
		if err := binary.Read(f, binary.LittleEndian, &r.Start); err != nil {
			return nil, err
		}
		if err := binary.Read(f, binary.LittleEndian, &r.End); err != nil {
			return nil, err
		}
		if err := binary.Read(f, binary.LittleEndian, &r.Perms); err != nil {
			return nil, err
		}
		if err := binary.Read(f, binary.LittleEndian, &r.Backing); err != nil {
			return nil, err
		}
		var pathLen uint32
		if err := binary.Read(f, binary.LittleEndian, &pathLen); err != nil {
			return nil, err
		}
		pathBytes := make([]byte, pathLen)
		if _, err := io.ReadFull(f, pathBytes); err != nil {
			return nil, err
		}
		r.Path = string(pathBytes)
		if err := binary.Read(f, binary.LittleEndian, &r.Offset); err != nil {
			return nil, err
		}
		if err := binary.Read(f, binary.LittleEndian, &r.StoredBytes); err != nil {
			return nil, err
		}
		if err := binary.Read(f, binary.LittleEndian, &r.BasePrevSlot); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func writePagesFile(path string, pageData [][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create pages.bin: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, p := range pageData {
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	return w.Flush()
}

// readPagesFile reads exactly the requested byte ranges out of pages.bin in
// order, matching how writePagesFile concatenated them.
func readPagesFile(path string, lengths []uint64) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open pages.bin: %w", err)
	}
	defer f.Close()

	out := make([][]byte, len(lengths))
	for i, n := range lengths {
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(f, buf); err != nil {
				return nil, fmt.Errorf("checkpoint: read pages.bin region %d: %w", i, err)
			}
		}
		out[i] = buf
	}
	return out, nil
}

func readSnapshot(dir string) (snapshotHeader, []threadRecord, []regionRecord, error) {
	header, err := readHeaderFile(filepath.Join(dir, "header"))
	if err != nil {
		return snapshotHeader{}, nil, nil, err
	}
	threads, err := readThreadsFile(filepath.Join(dir, "threads"), header.ThreadCount)
	if err != nil {
		return snapshotHeader{}, nil, nil, err
	}
	regions, err := readRegionsFile(filepath.Join(dir, "regions"), header.RegionCount)
	if err != nil {
		return snapshotHeader{}, nil, nil, err
	}
	return header, threads, regions, nil
}
