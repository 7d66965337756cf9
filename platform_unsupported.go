//go:build !linux

package agent

// The checkpoint/restore engine (C8) is built on /proc/self/maps,
// /proc/self/pagemap soft-dirty tracking and a reserved realtime signal,
// none of which exist outside Linux.
var _ = "tasreplay agent requires linux" + 1
