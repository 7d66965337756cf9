package agent

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Trampoline is an executable page holding a target function's displaced
// prologue bytes followed by a jump back to the instruction after the patch
// site, per §4.1 technique 2. HookManager.CallOriginal forwards to the
// original through it.
type Trampoline struct {
	addr uintptr
	page []byte
}

// newTrampoline allocates an executable page, copies prologue into it, and
// appends an absolute jump to resumeAt (the first instruction of the target
// past the patched bytes).
func newTrampoline(prologue []byte, resumeAt uintptr) (*Trampoline, error) {
	jumpLen, err := platformJumpLen()
	if err != nil {
		return nil, err
	}
	size := len(prologue) + jumpLen

	page, err := unix.Mmap(-1, 0, pageRoundUp(size), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("allocate trampoline page: %w", err)
	}
	copy(page, prologue)

	pageAddr := uintptr(unsafe.Pointer(&page[0]))
	jumpFrom := pageAddr + uintptr(len(prologue))
	var jump []byte
	if jumpLen == jumpLen64 {
		jump = encodeAbsoluteJump(resumeAt)
	} else {
		jump = encodeRelativeJump32(jumpFrom, resumeAt)
	}
	copy(page[len(prologue):], jump)

	return &Trampoline{
		addr: pageAddr,
		page: page,
	}, nil
}

// Close releases the trampoline's page. Normally never called: trampolines
// live for the process lifetime once a hook is installed.
func (t *Trampoline) Close() error {
	return unix.Munmap(t.page)
}

func pageRoundUp(n int) int {
	const pageSize = 4096
	if n%pageSize == 0 {
		return n
	}
	return (n/pageSize + 1) * pageSize
}

// readPrologue copies n bytes starting at addr, the original bytes about to
// be overwritten by the jump to the replacement.
func readPrologue(addr uintptr, n int) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("nil target address")
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	out := make([]byte, n)
	copy(out, src)
	return out, nil
}

// encodeAbsoluteJump produces the jumpLen64-byte indirect-jump sequence:
// FF 25 00 00 00 00 <8-byte absolute target>, i.e. `jmp qword ptr [rip+0]`
// followed immediately by the 8-byte address it dereferences.
func encodeAbsoluteJump(target uintptr) []byte {
	buf := make([]byte, jumpLen64)
	buf[0] = 0xFF
	buf[1] = 0x25
	// bytes 2-5 are the zero rel32 displacement: the jump target immediately
	// follows the instruction itself.
	putUint64(buf[6:], uint64(target))
	return buf
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// writeAbsoluteJump overwrites jumpLen bytes at targetAddr with a jump to
// replacementAddr, after temporarily making the containing page writable.
// This is the mutation step of §4.1 technique 2; it must run with every
// other thread parked (the checkpoint barrier reuses the same parking
// primitive, but hook installation happens at init before any game thread
// exists, so no barrier is needed here).
func writeAbsoluteJump(targetAddr, replacementAddr uintptr, jumpLen int) error {
	pageStart := targetAddr &^ uintptr(4095)
	pageSpan := int(targetAddr-pageStart) + jumpLen
	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), pageRoundUp(pageSpan))

	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect writable: %w", err)
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(targetAddr)), jumpLen)
	if jumpLen == jumpLen64 {
		copy(dst, encodeAbsoluteJump(replacementAddr))
	} else {
		copy(dst, encodeRelativeJump32(targetAddr, replacementAddr))
	}

	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect restore: %w", err)
	}
	return nil
}

// encodeRelativeJump32 produces the 5-byte `E9 rel32` relative jump used on
// 32-bit targets, where the displacement fits the address range.
func encodeRelativeJump32(from, to uintptr) []byte {
	buf := make([]byte, jumpLen32)
	buf[0] = 0xE9
	rel := int32(int64(to) - int64(from) - int64(jumpLen32))
	putUint32(buf[1:], uint32(rel))
	return buf
}

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
