// Package version provides build-time version information.
//
// Set at build time via:
//
//	go build -ldflags "-X github.com/ya-luotao/codex/internal/version.Version=0.3.0"
package version

// Version is the CLI version reported in session metadata and to MCP
// servers, set at build time via ldflags.
var Version = "0.0.0-dev"

// GitCommit is the short git commit hash, set at build time via ldflags.
var GitCommit = "dev"
