package agent

import (
	"fmt"
	"os"
)

// logGate is consulted by logf/warnf to honour the no-log gate flag (§4.2).
// bindLogGate is its only setter and nothing in this package calls it, so it
// stays nil, which means "log unconditionally".
var logGate *Gate

// bindLogGate wires the package-level loggers to a gate instance.
func bindLogGate(g *Gate) { logGate = g }

// logf writes an informational line to stderr unless the calling thread has
// entered the no-log scope. Matches the teacher's plain fmt.Printf-style
// logging: no structured logging library appears anywhere in the retrieved
// corpus for this module.
func logf(format string, args ...any) {
	if logGate != nil && logGate.IsNoLog() {
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// warnf is logf with a "warning:" prefix, used for clamped ConfigErrors,
// force-advance events, and the soft-dirty fallback.
func warnf(format string, args ...any) {
	logf("warning: "+format, args...)
}
