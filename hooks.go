package agent

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/ebitengine/purego"
)

// Jump-instruction lengths from §4.1's patch-site constraint: a prologue
// patch site must be at least this many bytes, or the site is rejected.
const (
	jumpLen32 = 5  // relative jmp rel32 on 32-bit targets
	jumpLen64 = 14 // 6-byte indirect jmp [rip+0] + 8-byte absolute target
)

// originalFn is the statically typed table of function pointers described
// in §9 "Dynamic dispatch to intercepted originals": filled once at startup,
// read thereafter without re-resolving.
type originalFn struct {
	addr    uintptr
	tramp   *Trampoline // non-nil only for prologue-patched symbols
	library string
}

// HookManager implements C1: it resolves the real implementation of a named
// symbol via dynamic-linker passthrough (symbol shadowing, §4.1 technique 1)
// and, where the caller goes through a dispatch table instead of calling the
// dynamic symbol directly, patches the target's prologue with a trampoline
// (technique 2). All patches must be installed before the game's entry point
// runs (§4.1 ordering requirement); this type does not enforce that itself,
// so callers make their ShadowSymbol/PatchPrologue calls during agent init.
type HookManager struct {
	gate    *Gate
	barrier *Barrier

	mu        sync.Mutex
	originals map[string]*originalFn
	handles   map[string]uintptr // library path -> dlopen handle, cached
}

// NewHookManager constructs an empty hook manager bound to the shared gate.
func NewHookManager(gate *Gate) *HookManager {
	return &HookManager{
		gate:      gate,
		originals: make(map[string]*originalFn),
		handles:   make(map[string]uintptr),
	}
}

// SetBarrier wires the checkpoint barrier so every call through
// CallOriginal checks in before touching the real function, per §5's
// "any thread calling an intercepted function during a checkpoint barrier
// blocks until the barrier releases." May be left nil in tests that don't
// exercise checkpointing.
func (h *HookManager) SetBarrier(b *Barrier) {
	h.mu.Lock()
	h.barrier = b
	h.mu.Unlock()
}

func (h *HookManager) libHandle(library string) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if handle, ok := h.handles[library]; ok {
		return handle, nil
	}
	handle, err := purego.Dlopen(library, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return 0, err
	}
	h.handles[library] = handle
	return handle, nil
}

// ShadowSymbol implements §4.1 technique 1: the agent's own copy of `symbol`
// is already installed ahead of the dynamic linker's search order simply by
// virtue of LD_PRELOAD (the caller's replacement function must be exported
// under the same name for that to take effect; this method's job is only
// the second half — asking the linker for the *next* definition of the same
// name so the replacement can still call through to the real one).
func (h *HookManager) ShadowSymbol(library, symbol string) error {
	handle, err := h.libHandle(library)
	if err != nil {
		return &HookError{Symbol: symbol, Reason: HookReasonSymbolNotFound, Details: library, Err: err}
	}
	addr, err := purego.Dlsym(handle, symbol)
	if err != nil || addr == 0 {
		return &HookError{Symbol: symbol, Reason: HookReasonSymbolNotFound, Details: library, Err: err}
	}
	h.mu.Lock()
	h.originals[symbol] = &originalFn{addr: addr, library: library}
	h.mu.Unlock()
	return nil
}

// PatchPrologue implements §4.1 technique 2. targetAddr is the address of
// the real function as resolved through the target's own dispatch table
// (e.g. a vtable slot); replacementAddr is a C-callable pointer to the
// agent's replacement, typically produced by purego.NewCallback. On success
// the trampoline lets the replacement still invoke the original by calling
// HookManager.CallOriginal, which jumps through the trampoline.
func (h *HookManager) PatchPrologue(symbol string, targetAddr, replacementAddr uintptr) (*Trampoline, error) {
	jumpLen, err := platformJumpLen()
	if err != nil {
		return nil, &HookError{Symbol: symbol, Reason: HookReasonUnsupportedTarget, Details: runtime.GOARCH, Err: err}
	}

	h.mu.Lock()
	if _, already := h.originals[symbol]; already {
		h.mu.Unlock()
		return nil, &HookError{Symbol: symbol, Reason: HookReasonAlreadyPatched, Details: symbol}
	}
	h.mu.Unlock()

	prologue, err := readPrologue(targetAddr, jumpLen)
	if err != nil {
		return nil, &HookError{Symbol: symbol, Reason: HookReasonPrologueTooShort, Details: fmt.Sprintf("need %d bytes", jumpLen), Err: err}
	}

	tramp, err := newTrampoline(prologue, targetAddr+uintptr(jumpLen))
	if err != nil {
		return nil, &HookError{Symbol: symbol, Reason: HookReasonUnsupportedTarget, Err: err}
	}

	if err := writeAbsoluteJump(targetAddr, replacementAddr, jumpLen); err != nil {
		return nil, &HookError{Symbol: symbol, Reason: HookReasonUnsupportedTarget, Err: err}
	}

	h.mu.Lock()
	h.originals[symbol] = &originalFn{addr: targetAddr, tramp: tramp}
	h.mu.Unlock()
	return tramp, nil
}

// ByteSignatureScan implements §4.1's stripped-binary fallback: scan text
// for a known compiled byte shape (mask bits of 0 are wildcards). Returns
// the single matching offset, or an error if there were zero or more than
// one match — ambiguity must never be patched.
func ByteSignatureScan(text, signature, mask []byte) (int, error) {
	if len(signature) == 0 || len(signature) != len(mask) {
		return 0, &HookError{Reason: HookReasonUnsupportedTarget, Details: "empty or mismatched signature/mask"}
	}
	match := -1
	for i := 0; i+len(signature) <= len(text); i++ {
		if signatureMatchesAt(text, signature, mask, i) {
			if match != -1 {
				return 0, &HookError{Reason: HookReasonAmbiguousSig, Details: fmt.Sprintf("offsets %d and %d", match, i)}
			}
			match = i
		}
	}
	if match == -1 {
		return 0, &HookError{Reason: HookReasonSymbolNotFound, Details: "no signature match"}
	}
	return match, nil
}

func signatureMatchesAt(text, signature, mask []byte, at int) bool {
	for j := range signature {
		if mask[j] == 0 {
			continue
		}
		if text[at+j] != signature[j] {
			return false
		}
	}
	return true
}

// Original returns the resolved address/trampoline for a previously hooked
// symbol, for replacement functions that need to call through.
func (h *HookManager) Original(symbol string) (*originalFn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.originals[symbol]
	return f, ok
}

// CallOriginal invokes the real implementation of symbol with the gate's
// native flag held, per §4.2 ("all hooks begin with: if native is set, call
// the original and return").
func (h *HookManager) CallOriginal(symbol string, args ...uintptr) (uintptr, uintptr, error) {
	f, ok := h.Original(symbol)
	if !ok {
		return 0, 0, &HookError{Symbol: symbol, Reason: HookReasonSymbolNotFound}
	}

	h.mu.Lock()
	barrier := h.barrier
	h.mu.Unlock()
	if barrier != nil {
		barrier.CheckIn(currentTID())
	}

	release := h.gate.EnterNative()
	defer release()

	var target uintptr
	if f.tramp != nil {
		target = f.tramp.addr
	} else {
		target = f.addr
	}
	r1, r2, errno := purego.SyscallN(target, args...)
	if errno != 0 {
		return r1, r2, errno
	}
	return r1, r2, nil
}

func platformJumpLen() (int, error) {
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return jumpLen64, nil
	case "386", "arm":
		return jumpLen32, nil
	default:
		return 0, fmt.Errorf("unsupported architecture %s", runtime.GOARCH)
	}
}
