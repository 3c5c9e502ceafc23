//go:build unix

package exec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ya-luotao/codex/internal/execenv"
	"github.com/ya-luotao/codex/internal/protocol"
	"github.com/ya-luotao/codex/internal/sandbox"
)

func runPlain(t *testing.T, command []string, timeout time.Duration, onChunk func(OutputChunk)) *Result {
	t.Helper()
	res, err := Run(context.Background(), Request{
		Command:     command,
		Cwd:         t.TempDir(),
		Timeout:     timeout,
		EnvPolicy:   &execenv.Policy{Inherit: execenv.InheritCore},
		SandboxType: sandbox.TypeNone,
		SandboxPolicy: protocol.SandboxPolicy{
			Mode: protocol.SandboxDangerFullAccess,
		},
	}, onChunk)
	require.NoError(t, err)
	return res
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	var chunks []OutputChunk
	res := runPlain(t, []string{"sh", "-c", "echo hi; false"}, 5*time.Second, func(c OutputChunk) {
		chunks = append(chunks, c)
	})

	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, FailureExit, res.Failure)
	assert.Contains(t, string(res.Stdout), "hi")
	assert.Contains(t, string(res.Aggregated), "hi")

	require.NotEmpty(t, chunks)
	found := false
	for _, c := range chunks {
		if c.Stream == protocol.ExecStreamStdout && strings.Contains(string(c.Data), "hi") {
			found = true
		}
	}
	assert.True(t, found, "expected a stdout delta containing 'hi'")

	formatted := res.FormattedOutput()
	assert.Contains(t, formatted, "hi")
	assert.Contains(t, formatted, "exit: 1")
	assert.Contains(t, formatted, "duration:")
}

func TestRunSeparatesStreams(t *testing.T) {
	var stderrSeen bool
	res := runPlain(t, []string{"sh", "-c", "echo out; echo err 1>&2"}, 5*time.Second, func(c OutputChunk) {
		if c.Stream == protocol.ExecStreamStderr {
			stderrSeen = true
		}
	})
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, string(res.Stdout), "out")
	assert.Contains(t, string(res.Stderr), "err")
	assert.True(t, stderrSeen)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	res := runPlain(t, []string{"sh", "-c", "sleep 30"}, 200*time.Millisecond, nil)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, res.TimedOut)
	assert.Equal(t, FailureTimeout, res.Failure)
	assert.NotZero(t, res.ExitCode)
}

func TestRunSpawnFailure(t *testing.T) {
	_, err := Run(context.Background(), Request{
		Command:     []string{"/nonexistent/definitely-not-a-binary"},
		SandboxType: sandbox.TypeNone,
	}, nil)
	require.Error(t, err)
	var spawnErr *SpawnError
	assert.ErrorAs(t, err, &spawnErr)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res, err := Run(ctx, Request{
		Command:     []string{"sh", "-c", "sleep 30"},
		Timeout:     time.Minute,
		SandboxType: sandbox.TypeNone,
	}, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestNetworkDisabledMarkerIsSet(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Command:     []string{"sh", "-c", "echo $CODEX_SANDBOX_NETWORK_DISABLED"},
		Timeout:     5 * time.Second,
		SandboxType: sandbox.TypeNone,
		SandboxPolicy: protocol.SandboxPolicy{
			Mode: protocol.SandboxWorkspaceWrite,
		},
	}, nil)
	require.NoError(t, err)
	assert.Contains(t, string(res.Stdout), "1")
}
