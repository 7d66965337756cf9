// Package agent implements the in-process determinism and replay runtime for
// a tool-assisted-speedrun harness: a deterministic virtual clock, the
// frame-boundary protocol that rendezvouses with an out-of-process
// controller, a fork-free incremental savestate engine, and the symbol/
// prologue interception layer the rest of the package depends on.
//
// The controller UI, movie persistence, RAM search and AV encoding are
// external collaborators; this package only speaks the control-link wire
// protocol to them (see internal/tasproto).
package agent
