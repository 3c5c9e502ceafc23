//go:build linux

package sandbox

import (
	"os/exec"

	"github.com/ya-luotao/codex/internal/protocol"
)

// Linux confines children with bubblewrap: read-only binds for the whole
// tree, writable binds for the policy's roots, and an unshared network
// namespace when outbound network is blocked.
type Linux struct{}

func newLinux() Manager { return &Linux{} }

func (l *Linux) Available() bool {
	_, err := exec.LookPath("bwrap")
	return err == nil
}

func (l *Linux) Type() Type { return TypeLinux }

func (l *Linux) Transform(spec CommandSpec, policy protocol.SandboxPolicy, roots []protocol.WritableRoot) (*ExecEnv, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	if policy.HasFullDiskWriteAccess() && policy.HasFullNetworkAccess() {
		return passthrough(spec), nil
	}

	cmd := []string{"bwrap", "--die-with-parent"}

	if policy.HasFullDiskWriteAccess() {
		cmd = append(cmd, "--bind", "/", "/")
	} else {
		cmd = append(cmd, "--ro-bind", "/", "/")
		cmd = append(cmd, "--dev", "/dev", "--proc", "/proc")
		tmpfsTmp := true
		for _, root := range roots {
			if root.Root == "/tmp" {
				tmpfsTmp = false
			}
			cmd = append(cmd, "--bind", root.Root, root.Root)
		}
		if tmpfsTmp {
			cmd = append(cmd, "--tmpfs", "/tmp")
		}
		// Re-cover read-only subpaths after their parent bind so a .git
		// inside a writable root stays protected.
		for _, root := range roots {
			for _, ro := range root.ReadOnlySubpaths {
				cmd = append(cmd, "--ro-bind-try", ro, ro)
			}
		}
	}

	cmd = append(cmd, "--unshare-pid")
	if !policy.HasFullNetworkAccess() {
		cmd = append(cmd, "--unshare-net")
	}

	if spec.Cwd != "" {
		cmd = append(cmd, "--chdir", spec.Cwd)
	}

	cmd = append(cmd, "--")
	cmd = append(cmd, spec.Command...)

	env := map[string]string{}
	if !policy.HasFullNetworkAccess() {
		env[EnvNetworkDisabled] = "1"
	}
	return &ExecEnv{Command: cmd, Cwd: spec.Cwd, Env: env}, nil
}
