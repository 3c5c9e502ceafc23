//go:build unix

package exec

import (
	osexec "os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// confinementHandle is unused on unix; confinement happens through the
// wrapper command produced by the sandbox transform.
type confinementHandle struct{}

func confine(_ *osexec.Cmd, _ Request) (confinementHandle, error) {
	return confinementHandle{}, nil
}

func attachConfinement(confinementHandle, int) {}

func releaseConfinement(confinementHandle) {}

// setProcessGroup gives the child its own process group so timeouts can kill
// the whole tree.
func setProcessGroup(cmd *osexec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup terminates the child's process group.
func killProcessGroup(cmd *osexec.Cmd, _ confinementHandle) {
	if cmd.Process == nil {
		return
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

// exitCodeFrom extracts the exit code, mapping death-by-signal to the shell
// convention 128+signal.
func exitCodeFrom(err *osexec.ExitError) int {
	status, ok := err.Sys().(syscall.WaitStatus)
	if !ok {
		return err.ExitCode()
	}
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return status.ExitStatus()
}

// deniedBySignal reports whether the exit code indicates the kernel refused
// a syscall: SIGSYS from a syscall filter shows up as 128+31.
func deniedBySignal(exitCode int) bool {
	return exitCode == 128+int(unix.SIGSYS)
}
