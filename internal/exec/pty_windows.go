//go:build windows

package exec

import (
	"context"
	"errors"
	osexec "os/exec"
	"time"
)

// runWithPty is unsupported on Windows; callers fall back to piped stdio.
func runWithPty(context.Context, Request, *osexec.Cmd, time.Duration, confinementHandle, func(OutputChunk)) (*Result, error) {
	return nil, &SpawnError{Err: errors.New("tty inheritance is not supported on windows")}
}
