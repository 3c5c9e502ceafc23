// Package sandbox confines tool processes. Each platform gets its own
// mechanism (Seatbelt on macOS, namespace/bind confinement on Linux,
// restricted tokens on Windows); the Manager interface only dispatches, it
// does not try to abstract over them.
package sandbox

import (
	"fmt"
	"os"
	"runtime"

	"github.com/ya-luotao/codex/internal/protocol"
)

// Environment markers observed by sandboxed children (and by tests that must
// skip themselves inside a sandbox).
const (
	// EnvSandbox is set to "seatbelt" inside a macOS sandbox child.
	EnvSandbox = "CODEX_SANDBOX"
	// EnvNetworkDisabled is set to "1" when outbound network is blocked.
	EnvNetworkDisabled = "CODEX_SANDBOX_NETWORK_DISABLED"
)

// Type names the confinement mechanism in use.
type Type string

const (
	TypeNone                Type = "none"
	TypeSeatbelt            Type = "seatbelt"
	TypeLinux               Type = "landlock"
	TypeWindowsRestricted   Type = "windows-restricted"
	TypeWindowsAppContainer Type = "windows-appcontainer"
)

// CommandSpec describes the command to confine.
type CommandSpec struct {
	Command []string // argv, Command[0] is the program
	Cwd     string
}

// ExecEnv is the transformed spawn request: possibly a wrapper command plus
// extra environment variables the child must see.
type ExecEnv struct {
	Command []string
	Cwd     string
	Env     map[string]string
}

// Manager transforms commands per the active sandbox policy.
type Manager interface {
	// Transform wraps the command according to policy. Roots are the
	// precomputed writable roots for the turn's cwd. Full-access policies
	// pass through unchanged.
	Transform(spec CommandSpec, policy protocol.SandboxPolicy, roots []protocol.WritableRoot) (*ExecEnv, error)
	// Available reports whether the mechanism works on this host.
	Available() bool
	// Type identifies the mechanism.
	Type() Type
}

// Detect picks the sandbox type for the current platform, honoring an
// explicit CODEX_SANDBOX marker (set when the engine itself already runs
// inside a sandbox and must not nest).
func Detect() Type {
	if v := os.Getenv(EnvSandbox); v != "" {
		return TypeNone
	}
	switch runtime.GOOS {
	case "darwin":
		return TypeSeatbelt
	case "linux":
		return TypeLinux
	case "windows":
		return TypeWindowsRestricted
	}
	return TypeNone
}

// New builds the manager for the given type, falling back to the no-op
// manager when the mechanism is unavailable on this host.
func New(t Type) Manager {
	var m Manager
	switch t {
	case TypeSeatbelt:
		m = newSeatbelt()
	case TypeLinux:
		m = newLinux()
	case TypeWindowsRestricted, TypeWindowsAppContainer:
		m = newWindows(t)
	default:
		return noop{}
	}
	if m == nil || !m.Available() {
		return noop{}
	}
	return m
}

// noop passes commands through unchanged; used for danger-full-access and
// platforms without a working mechanism.
type noop struct{}

func (noop) Transform(spec CommandSpec, policy protocol.SandboxPolicy, _ []protocol.WritableRoot) (*ExecEnv, error) {
	env := map[string]string{}
	if !policy.HasFullNetworkAccess() {
		env[EnvNetworkDisabled] = "1"
	}
	return &ExecEnv{Command: spec.Command, Cwd: spec.Cwd, Env: env}, nil
}

func (noop) Available() bool { return true }
func (noop) Type() Type      { return TypeNone }

// passthrough is shared by platform managers for unrestricted policies.
func passthrough(spec CommandSpec) *ExecEnv {
	return &ExecEnv{Command: spec.Command, Cwd: spec.Cwd}
}

func validateSpec(spec CommandSpec) error {
	if len(spec.Command) == 0 {
		return fmt.Errorf("sandbox: empty command")
	}
	return nil
}
