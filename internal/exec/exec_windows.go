//go:build windows

package exec

import (
	osexec "os/exec"

	"github.com/ya-luotao/codex/internal/sandbox"
)

type confinementHandle = *sandbox.Confinement

func confine(cmd *osexec.Cmd, req Request) (confinementHandle, error) {
	if req.SandboxType != sandbox.TypeWindowsRestricted && req.SandboxType != sandbox.TypeWindowsAppContainer {
		return nil, nil
	}
	return sandbox.Confine(cmd, req.SandboxPolicy, req.WritableRoots)
}

func attachConfinement(c confinementHandle, pid int) {
	if c != nil {
		_ = c.Attach(pid)
	}
}

func releaseConfinement(c confinementHandle) {
	c.Close()
}

func setProcessGroup(_ *osexec.Cmd) {}

// killProcessGroup terminates the job object when confined, else the process.
func killProcessGroup(cmd *osexec.Cmd, c confinementHandle) {
	if c != nil {
		c.Terminate()
		return
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func exitCodeFrom(err *osexec.ExitError) int {
	return err.ExitCode()
}

// deniedBySignal has no Windows equivalent; ACL denials surface as
// access-denied diagnostics instead.
func deniedBySignal(int) bool { return false }
