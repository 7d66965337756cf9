package agent

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// frameState is the subset of the orchestrator the checkpoint engine needs
// to read/restore the movie frame counter (§4.8 step "reset framecount").
type frameState interface {
	FrameCount() uint64
	setFrameCountFromLoad(n uint64)
}

// CheckpointEngine implements C8: save/load of complete or incremental
// snapshots, gated by the checkpoint barrier so every other thread is
// quiesced for the duration.
type CheckpointEngine struct {
	mu sync.Mutex

	root        string // directory holding slotN/ subdirectories
	threads     *ThreadRegistry
	clock       *Clock
	barrier     *Barrier
	soft        *softDirtyTracker
	frames      frameState
	ownPath     string // this process's own executable path, never dumped/unmapped
	lastSaveDir map[uint32]string // slot -> dir of most recent save, for incremental chaining
}

// NewCheckpointEngine constructs the engine. root is created if missing.
func NewCheckpointEngine(root string, threads *ThreadRegistry, clock *Clock, frames frameState) (*CheckpointEngine, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: mkdir root %s: %w", root, err)
	}
	ownPath, err := os.Executable()
	if err != nil {
		ownPath = ""
	}
	return &CheckpointEngine{
		root:        root,
		threads:     threads,
		clock:       clock,
		barrier:     NewBarrier(threads),
		soft:        &softDirtyTracker{},
		frames:      frames,
		ownPath:     ownPath,
		lastSaveDir: make(map[uint32]string),
	}, nil
}

// Save implements §4.8's save(slot). Must run only on the main thread at a
// frame boundary, per the spec; callers (the orchestrator) already enforce
// that by only calling this from inside Boundary.
func (e *CheckpointEngine) Save(slot uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	selfTID := currentTID()
	if !e.barrier.Engage(selfTID, 2*time.Second) {
		return &SnapshotError{Op: "save", Slot: int(slot), Err: fmt.Errorf("barrier timed out quiescing threads")}
	}
	defer e.barrier.Release()

	regions, err := enumerateRegions()
	if err != nil {
		return &SnapshotError{Op: "save", Slot: int(slot), Err: err}
	}
	e.tagOwnRegions(regions)

	incremental := e.soft.checkAvailable()

	var pageData [][]byte
	var recs []regionRecord
	firstWritableAnonFound := false

	for _, r := range regions {
		isFirstAnon := !firstWritableAnonFound && r.Backing == BackingAnonPrivate && r.Writable()
		if isFirstAnon {
			firstWritableAnonFound = true
		}
		touched := true // full-snapshot default: always consider dumped regions fully touched
		if !shouldDump(r, touched, isFirstAnon, e.isStackRegion(r)) {
			continue
		}

		data, storedBytes, err := e.captureRegion(r, incremental)
		if err != nil {
			return &SnapshotError{Op: "save", Slot: int(slot), Err: err}
		}
		pageData = append(pageData, data)
		recs = append(recs, regionRecord{
			Start:        uint64(r.Start),
			End:          uint64(r.End),
			Perms:        permBytes(r.Perms),
			Backing:      uint32(r.Backing),
			Path:         r.Path,
			Offset:       r.Offset,
			StoredBytes:  storedBytes,
			BasePrevSlot: -1,
		})
	}

	if incremental {
		if err := e.soft.ClearRefs(); err != nil {
			warnf("checkpoint: clear_refs failed, next save will be full: %v", err)
		}
	}

	var threadRecs []threadRecord
	e.threads.IterThreads(func(t *Thread) {
		threadRecs = append(threadRecs, threadRecord{
			TID:     int32(t.TID),
			Regs:    t.LastRegs,
			StackHi: uint64(t.StackHi),
		})
	})

	vt := e.clock.VirtualNow()
	header := snapshotHeader{
		FrameCount:  e.frames.FrameCount(),
		VirtualSec:  vt.Sec,
		VirtualNsec: vt.Nsec,
	}
	if incremental {
		header.LayoutFlags |= layoutFlagIncremental
	}

	dir := slotDir(e.root, slot)
	if err := writeSnapshot(dir, header, threadRecs, recs, pageData); err != nil {
		return &SnapshotError{Op: "save", Slot: int(slot), Err: err}
	}
	e.lastSaveDir[slot] = dir
	return nil
}

// Load implements §4.8's load(slot) and the restore procedure.
func (e *CheckpointEngine) Load(slot uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir := slotDir(e.root, slot)
	header, threadRecs, regionRecs, err := readSnapshot(dir)
	if err != nil {
		return &SnapshotError{Op: "load", Slot: int(slot), Err: err}
	}

	lengths := make([]uint64, len(regionRecs))
	for i, r := range regionRecs {
		lengths[i] = r.StoredBytes
	}
	pages, err := readPagesFile(slotDir(e.root, slot)+"/pages.bin", lengths)
	if err != nil {
		return &RestoreError{Slot: int(slot), Err: err}
	}

	selfTID := currentTID()
	if !e.barrier.Engage(selfTID, 2*time.Second) {
		return &RestoreError{Slot: int(slot), Err: fmt.Errorf("barrier timed out quiescing threads")}
	}
	defer e.barrier.Release()

	// §4.8 Restore step 1: unmap or resize every current region that isn't
	// in the snapshot, before any region is remapped, while every other
	// thread is quiesced behind the barrier.
	if err := e.unmapStaleRegions(regionRecs); err != nil {
		return &RestoreError{Slot: int(slot), Err: err}
	}

	for i, r := range regionRecs {
		if err := restoreRegion(r, pages[i]); err != nil {
			// Per §7/§4.8: a mid-restore failure leaves the process in an
			// undefined state and is unrecoverable.
			return &RestoreError{Slot: int(slot), Err: err}
		}
	}

	for _, tr := range threadRecs {
		if t, ok := e.threads.Get(int(tr.TID)); ok {
			t.LastRegs = tr.Regs
		}
	}

	e.clock.mu.Lock()
	e.clock.ticks = VirtualTime{Sec: header.VirtualSec, Nsec: header.VirtualNsec}.Duration().Nanoseconds()
	e.clock.deferredDelay = 0
	e.clock.fakeExtra = 0
	e.clock.mu.Unlock()

	e.frames.setFrameCountFromLoad(header.FrameCount)
	return nil
}

// Barrier returns the engine's checkpoint barrier, so the hook layer (C1),
// the wait router (C4) and the frame orchestrator (C6) can wire in their
// CheckIn call sites (see checkpoint_barrier_linux.go).
func (e *CheckpointEngine) Barrier() *Barrier { return e.barrier }

// ListSlots implements the supplemented "named slots with metadata listing"
// feature: one entry per slot directory under root.
func (e *CheckpointEngine) ListSlots() ([]SlotMeta, error) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read root: %w", err)
	}
	var out []SlotMeta
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		var slot uint32
		if _, err := fmt.Sscanf(ent.Name(), "slot%d", &slot); err != nil {
			continue
		}
		header, err := readHeaderFile(slotDir(e.root, slot) + "/header")
		if err != nil {
			continue
		}
		var size int64
		if files, err := os.ReadDir(slotDir(e.root, slot)); err == nil {
			for _, f := range files {
				if fi, err := f.Info(); err == nil {
					size += fi.Size()
				}
			}
		}
		out = append(out, SlotMeta{
			Slot:        slot,
			FrameCount:  header.FrameCount,
			VirtualSec:  header.VirtualSec,
			VirtualNsec: header.VirtualNsec,
			SizeBytes:   size,
		})
	}
	return out, nil
}

// SlotMeta is one ListSlots entry.
type SlotMeta struct {
	Slot        uint32
	FrameCount  uint64
	VirtualSec  int64
	VirtualNsec int64
	SizeBytes   int64
}

// unmapStaleRegions implements §4.8 Restore step 1. It re-enumerates the
// process's current memory map and removes everything the snapshot doesn't
// account for: a region with no matching Start in regionRecs is unmapped
// outright, and a region that's grown past its snapshot End (e.g. heap
// growth between save and load) has its extra tail trimmed. A region whose
// snapshot End is larger than its current End is left alone; restoreRegion's
// MAP_FIXED mmap overwrites that address range unconditionally. The agent's
// own text/data, tagged by tagOwnRegions, is never touched.
func (e *CheckpointEngine) unmapStaleRegions(regionRecs []regionRecord) error {
	current, err := enumerateRegions()
	if err != nil {
		return fmt.Errorf("checkpoint: enumerate current regions for restore: %w", err)
	}
	e.tagOwnRegions(current)

	snapEnd := make(map[uintptr]uintptr, len(regionRecs))
	for _, r := range regionRecs {
		snapEnd[uintptr(r.Start)] = uintptr(r.End)
	}

	for _, r := range current {
		if r.agentOwned {
			continue
		}
		end, ok := snapEnd[r.Start]
		switch {
		case !ok:
			if err := munmapRange(r.Start, r.End); err != nil {
				return fmt.Errorf("checkpoint: unmap stale region %#x-%#x: %w", r.Start, r.End, err)
			}
		case end < r.End:
			if err := munmapRange(end, r.End); err != nil {
				return fmt.Errorf("checkpoint: unmap stale tail %#x-%#x: %w", end, r.End, err)
			}
		}
	}
	return nil
}

func munmapRange(start, end uintptr) error {
	size := int(end - start)
	if size <= 0 {
		return nil
	}
	return unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(start)), size))
}

func (e *CheckpointEngine) tagOwnRegions(regions []MemoryRegion) {
	if e.ownPath == "" {
		return
	}
	for i := range regions {
		if regions[i].Path == e.ownPath {
			regions[i].agentOwned = true
		}
	}
}

func (e *CheckpointEngine) isStackRegion(r MemoryRegion) bool {
	found := false
	e.threads.IterThreads(func(t *Thread) {
		if r.Start <= t.StackLo && t.StackHi <= r.End {
			found = true
		}
	})
	return found
}

func permBytes(perms string) [4]byte {
	var out [4]byte
	copy(out[:], perms)
	return out
}
