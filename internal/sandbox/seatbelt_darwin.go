//go:build darwin

package sandbox

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/ya-luotao/codex/internal/protocol"
)

const sandboxExecPath = "/usr/bin/sandbox-exec"

// Seatbelt confines children with sandbox-exec and a generated SBPL profile.
type Seatbelt struct{}

func newSeatbelt() Manager { return &Seatbelt{} }

func (s *Seatbelt) Available() bool {
	_, err := exec.LookPath(sandboxExecPath)
	return err == nil
}

func (s *Seatbelt) Type() Type { return TypeSeatbelt }

// Transform wraps the command in sandbox-exec with a profile granting read
// everywhere, write only under the writable roots (minus their read-only
// subpaths), and network per the policy.
func (s *Seatbelt) Transform(spec CommandSpec, policy protocol.SandboxPolicy, roots []protocol.WritableRoot) (*ExecEnv, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	if policy.HasFullDiskWriteAccess() && policy.HasFullNetworkAccess() {
		return passthrough(spec), nil
	}

	profile, params := generateProfile(policy, roots)

	command := []string{sandboxExecPath, "-p", profile}
	for _, p := range params {
		command = append(command, "-D", p)
	}
	command = append(command, "--")
	command = append(command, spec.Command...)

	env := map[string]string{EnvSandbox: "seatbelt"}
	if !policy.HasFullNetworkAccess() {
		env[EnvNetworkDisabled] = "1"
	}
	return &ExecEnv{Command: command, Cwd: spec.Cwd, Env: env}, nil
}

// generateProfile renders the SBPL policy. Writable roots are passed as
// profile parameters so path quoting stays out of the profile text.
func generateProfile(policy protocol.SandboxPolicy, roots []protocol.WritableRoot) (string, []string) {
	var b strings.Builder
	b.WriteString("(version 1)\n")
	b.WriteString("(deny default)\n")
	b.WriteString("(allow process-exec)\n")
	b.WriteString("(allow process-fork)\n")
	b.WriteString("(allow signal (target same-sandbox))\n")
	b.WriteString("(allow sysctl-read)\n")
	b.WriteString("(allow mach-lookup)\n")
	b.WriteString("(allow file-read*)\n")

	var params []string
	if policy.HasFullDiskWriteAccess() {
		b.WriteString("(allow file-write*)\n")
	} else {
		// /dev writes (tty, null) are needed for ordinary process operation.
		b.WriteString("(allow file-write* (subpath \"/dev\"))\n")
		for i, root := range roots {
			rootParam := fmt.Sprintf("WRITABLE_ROOT_%d", i)
			params = append(params, fmt.Sprintf("%s=%s", rootParam, root.Root))
			if len(root.ReadOnlySubpaths) == 0 {
				fmt.Fprintf(&b, "(allow file-write* (subpath (param %q)))\n", rootParam)
				continue
			}
			// Writable root with carve-outs: the subtree minus its read-only
			// subpaths.
			fmt.Fprintf(&b, "(allow file-write* (require-all (subpath (param %q))", rootParam)
			for j, ro := range root.ReadOnlySubpaths {
				roParam := fmt.Sprintf("WRITABLE_ROOT_%d_RO_%d", i, j)
				params = append(params, fmt.Sprintf("%s=%s", roParam, ro))
				fmt.Fprintf(&b, " (require-not (subpath (param %q)))", roParam)
			}
			b.WriteString("))\n")
		}
	}

	if policy.HasFullNetworkAccess() {
		b.WriteString("(allow network*)\n")
		b.WriteString("(allow system-socket)\n")
	}

	return b.String(), params
}
