// Package buildinfo holds build-time variables injected via ldflags.
package buildinfo

import "runtime"

// Populated by -ldflags at build time; defaults used for local dev.
var (
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

// UserAgent identifies memlink on outbound HTTP and MCP handshakes.
func UserAgent() string {
	return "memlink/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
