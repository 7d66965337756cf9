//go:build linux

// platform_linux.go - compile-time gate for the checkpoint engine's
// platform dependencies.
//
// This file compiles on the one supported GOOS. The sibling file
// platform_unsupported.go contains a deliberate compile error for every
// other target, the same technique the teacher used in le_check.go /
// be_unsupported.go for its little-endian requirement — here the axis that
// matters is GOOS, not endianness, because C8 reads /proc/self/maps and
// /proc/self/pagemap, clears soft-dirty bits via /proc/self/clear_refs, and
// reserves a realtime signal, none of which exist outside Linux.

package agent
