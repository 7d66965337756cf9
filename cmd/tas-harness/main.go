// Command tas-harness is a self-contained demonstration of the agent core:
// it plays the role of the "game" and the in-process agent in one process,
// driving real frame boundaries against a controller over the control
// socket, exactly as the injected agent would inside a preloaded game
// binary. It exists so the determinism/replay runtime can be exercised
// end to end without an actual game to inject into.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tasreplay/agent"
	"github.com/tasreplay/agent/internal/tasproto"
)

func main() {
	var (
		socket   = flag.String("socket", "", "controller control-link socket path (required)")
		sidecar  = flag.String("sidecar", "", "optional JSON sidecar socket path for attach/list-slots/status")
		slotDir  = flag.String("slots", "./slots", "directory holding savestate slots")
		width    = flag.Int("width", 640, "window width")
		height   = flag.Int("height", 480, "window height")
		features = flag.Bool("features", false, "print compiled features and exit")
	)
	flag.Parse()

	if *features {
		agent.PrintFeatures()
		return
	}

	if *socket == "" {
		fmt.Fprintln(os.Stderr, "tas-harness: -socket is required")
		os.Exit(1)
	}

	if err := run(*socket, *sidecar, *slotDir, *width, *height); err != nil {
		fmt.Fprintf(os.Stderr, "tas-harness: %v\n", err)
		os.Exit(1)
	}
}

func run(socketPath, sidecarPath, slotDir string, width, height int) error {
	gate := agent.NewGate()

	link, err := agent.DialController(socketPath, tasproto.HelloPayload{Major: 0, Minor: 1, Patch: 0})
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer link.Close()

	threads := agent.NewThreadRegistry(gate)
	threads.Register(&agent.Thread{TID: os.Getpid(), Role: agent.RoleMain})

	clock := agent.NewClock(agent.VirtualTime{}, agent.FrameRate{Num: 60, Den: 1}, agent.DefaultThresholdConfig(), func() bool { return true })
	input := agent.NewInputChannel()
	config := agent.NewConfigStore(agent.SharedConfig{FrameRateNum: 60, FrameRateDen: 1})

	if err := os.MkdirAll(slotDir, 0o755); err != nil {
		return fmt.Errorf("create slot dir: %w", err)
	}
	absSlotDir, err := filepath.Abs(slotDir)
	if err != nil {
		return err
	}

	sink, err := agent.NewDefaultAVSink(44100)
	if err != nil {
		sink = agent.NullSink{}
	}

	// Orchestrator and CheckpointEngine need each other (the orchestrator
	// calls Save/Load, the checkpoint engine resets the orchestrator's
	// framecount on load), so the orchestrator is built first with its
	// checkpointer wired in afterward via SetCheckpointEngine.
	orch := agent.NewOrchestrator(clock, threads, input, config, gate, link, nil, sink, nil)

	checkpoints, err := agent.NewCheckpointEngine(absSlotDir, threads, clock, orch)
	if err != nil {
		return fmt.Errorf("checkpoint engine: %w", err)
	}
	orch.SetCheckpointEngine(checkpoints)

	if sidecarPath != "" {
		if err := link.StartSidecar(sidecarPath, agent.SidecarHandler(checkpoints)); err != nil {
			return fmt.Errorf("start sidecar: %w", err)
		}
	}

	backend := agent.NewDefaultFrameBackend(width, height, "tasreplay agent demo harness")
	defer backend.Close()

	backend.Present(func(draw bool) {
		if err := orch.Boundary(draw); err != nil {
			fmt.Fprintf(os.Stderr, "tas-harness: frame boundary error: %v\n", err)
			backend.Close()
			return
		}
		if orch.Quit() {
			backend.Close()
		}
	})
	return nil
}
