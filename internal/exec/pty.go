//go:build unix

package exec

import (
	"context"
	osexec "os/exec"
	"time"

	"github.com/creack/pty"

	"github.com/ya-luotao/codex/internal/protocol"
)

// runWithPty runs the child attached to a fresh pty. Output arrives as one
// interleaved stream and is tagged stdout; interactive tools get the terminal
// they expect.
func runWithPty(ctx context.Context, req Request, cmd *osexec.Cmd, timeout time.Duration, confinement confinementHandle, onChunk func(OutputChunk)) (*Result, error) {
	// pty.Start makes the child a session leader; that supersedes the piped
	// path's process-group setup.
	cmd.SysProcAttr = nil

	start := time.Now()
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, &SpawnError{Err: err}
	}
	defer ptmx.Close()
	attachConfinement(confinement, cmd.Process.Pid)

	var buf []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		chunk := make([]byte, readChunkSize)
		for {
			n, rerr := ptmx.Read(chunk)
			if n > 0 {
				data := make([]byte, n)
				copy(data, chunk[:n])
				buf = capBuffer(buf, data)
				if onChunk != nil {
					onChunk(OutputChunk{Stream: protocol.ExecStreamStdout, Data: data})
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	// Unlike the piped path, Wait may run while the pty is still being read:
	// the master stays open until we close it.
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-waitDone:
	case <-timer.C:
		timedOut = true
		killProcessGroup(cmd, confinement)
		waitErr = <-waitDone
	case <-ctx.Done():
		killProcessGroup(cmd, confinement)
		waitErr = <-waitDone
	}
	ptmx.Close()
	<-done

	res := &Result{
		Stdout:     buf,
		Aggregated: buf,
		Duration:   time.Since(start),
		TimedOut:   timedOut,
	}
	finishResult(res, req, waitErr)
	return res, nil
}
