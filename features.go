package agent

import (
	"fmt"
	"runtime"
	"sort"
)

// Version is the agent's own semver triple, sent as the HELLO payload and
// reported by -features (§6 "Version negotiated by an initial HELLO
// exchange").
const Version = "0.1.0"

// compiledFeatures tracks build-time feature flags via init() registration
// in the backend-specific files (avsink_oto.go for the !headless build,
// etc.), mirroring the teacher's features.go pattern exactly.
var compiledFeatures []string

func registerFeature(name string) {
	compiledFeatures = append(compiledFeatures, name)
}

// PrintFeatures reports the agent's version and which optional hook/backend
// support was compiled in (oto AV sink, Ebiten HUD, soft-dirty incremental
// mode, Lua quirks), the SPEC_FULL.md "-features CLI flag" supplement of
// the teacher's compiledFeatures/printFeatures pattern.
func PrintFeatures() {
	fmt.Printf("tasreplay agent %s\n", Version)
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("Compiled features:")

	sort.Strings(compiledFeatures)
	for _, f := range compiledFeatures {
		fmt.Printf("  %s\n", f)
	}
	if len(compiledFeatures) == 0 {
		fmt.Println("  (none)")
	}
}
