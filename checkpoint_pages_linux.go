package agent

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// captureRegion returns the bytes to store for r: the full region in
// full-snapshot mode, or only its dirty pages (concatenated) in
// incremental mode, per §4.8. storedBytes records exactly how many bytes
// were written so the reader knows how much to pull from pages.bin.
func (e *CheckpointEngine) captureRegion(r MemoryRegion, incremental bool) (data []byte, storedBytes uint64, err error) {
	size := int(r.End - r.Start)
	if size <= 0 {
		return nil, 0, fmt.Errorf("checkpoint: empty region %#x-%#x", r.Start, r.End)
	}

	if !incremental {
		buf := make([]byte, size)
		copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(r.Start)), size))
		return buf, uint64(size), nil
	}

	dirty, err := e.soft.DirtyPages(r)
	if err != nil {
		return nil, 0, err
	}
	buf := make([]byte, len(dirty)*pageSize)
	for i, off := range dirty {
		copy(buf[i*pageSize:(i+1)*pageSize], unsafe.Slice((*byte)(unsafe.Pointer(r.Start+off)), pageSize))
	}
	return buf, uint64(len(buf)), nil
}

// restoreRegion implements §4.8's per-region restore steps 2-4: always remap
// the region read/write at its original address, copy bytes in, then
// mprotect it to the recorded protections.
func restoreRegion(rec regionRecord, data []byte) error {
	size := int(rec.End - rec.Start)
	if size <= 0 {
		return fmt.Errorf("checkpoint: invalid region size in record")
	}

	prot := protFromPerms(rec.Perms)
	addr := uintptr(rec.Start)

	// Re-establish the mapping at its exact original address (MAP_FIXED
	// plus an explicit addr hint, via the raw syscall since the high-level
	// unix.Mmap wrapper has no fixed-address form), with the recorded
	// backing (§4.8 Restore step 2: "mmap it with the recorded permissions
	// and backing"). A shared-anon region must come back MAP_SHARED or any
	// other process/thread still mapping the same memory (e.g. the
	// SharedConfig region, §3/§6) desyncs from the restored copy; a
	// file-backed region must come back mapped from its original file
	// rather than clobbered with anonymous pages.
	if err := mmapRestoredRegion(addr, size, BackingKind(rec.Backing), rec.Path, rec.Offset); err != nil {
		return err
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if len(data) > 0 {
		copy(dst, data)
	}

	if err := unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), prot); err != nil {
		return fmt.Errorf("checkpoint: restore mprotect %#x: %w", rec.Start, err)
	}
	return nil
}

// mmapRestoredRegion (re)establishes a region at addr with the backing kind
// recorded in the snapshot, per §4.8 Restore step 2. The mapping is always
// created read/write regardless of the final recorded permissions; the
// caller mprotects to the recorded permissions afterward (step 4), once the
// page bytes have been copied in (step 3).
func mmapRestoredRegion(addr uintptr, size int, backing BackingKind, path string, offset uint64) error {
	const rw = uintptr(unix.PROT_READ | unix.PROT_WRITE)

	switch backing {
	case BackingFilePrivate, BackingFileShared:
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("checkpoint: open backing file %s: %w", path, err)
		}
		defer f.Close()

		flags := uintptr(unix.MAP_FIXED)
		if backing == BackingFileShared {
			flags |= unix.MAP_SHARED
		} else {
			flags |= unix.MAP_PRIVATE
		}
		mapped, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size), rw, flags, f.Fd(), uintptr(offset))
		if errno != 0 {
			return fmt.Errorf("checkpoint: restore mmap %#x (file %s): %w", addr, path, errno)
		}
		if mapped != addr {
			return fmt.Errorf("checkpoint: kernel placed region at %#x, wanted %#x", mapped, addr)
		}
		return nil

	default:
		flags := uintptr(unix.MAP_ANON | unix.MAP_FIXED)
		if backing == BackingAnonShared {
			flags |= unix.MAP_SHARED
		} else {
			flags |= unix.MAP_PRIVATE
		}
		mapped, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size), rw, flags, ^uintptr(0), 0)
		if errno != 0 {
			return fmt.Errorf("checkpoint: restore mmap %#x: %w", addr, errno)
		}
		if mapped != addr {
			return fmt.Errorf("checkpoint: kernel placed region at %#x, wanted %#x", mapped, addr)
		}
		return nil
	}
}

func protFromPerms(perms [4]byte) int {
	prot := 0
	if perms[0] == 'r' {
		prot |= unix.PROT_READ
	}
	if perms[1] == 'w' {
		prot |= unix.PROT_WRITE
	}
	if perms[2] == 'x' {
		prot |= unix.PROT_EXEC
	}
	return prot
}
