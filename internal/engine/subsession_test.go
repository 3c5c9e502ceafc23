package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ya-luotao/codex/internal/protocol"
)

func TestReviewSubSessionReturnsVerdict(t *testing.T) {
	provider := newScriptedProvider(t, sse(messageEvent("LGTM: no findings"), completedEvent("r1")))
	s := newTestSession(t, provider, nil)
	<-s.Events()

	require.NoError(t, s.Submit(protocol.Submission{
		ID: "rev-1",
		Op: &protocol.ReviewOp{Request: protocol.ReviewRequest{Prompt: "review the diff"}},
	}))

	var entered, exited bool
	timeout := time.After(15 * time.Second)
	for !exited {
		select {
		case ev := <-s.Events():
			switch msg := ev.Msg.(type) {
			case protocol.EnteredReviewModeEvent:
				entered = true
				assert.Equal(t, "review the diff", msg.Request.Prompt)
			case protocol.ExitedReviewModeEvent:
				exited = true
				assert.True(t, entered, "entered must precede exited")
				assert.Equal(t, "LGTM: no findings", msg.Output)
			}
		case <-timeout:
			t.Fatal("review did not complete")
		}
	}
}

func TestCancelPendingChildBecomesCancelled(t *testing.T) {
	m := &subSessionManager{children: make(map[string]*childRecord)}
	rec := &childRecord{
		id:     "c1",
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
		status: ChildPending,
	}
	m.children["c1"] = rec

	go func() {
		<-rec.cancel
		rec.setStatus(ChildCancelled, "", ErrChildCancelled)
		close(rec.done)
	}()

	require.NoError(t, m.cancelChild("c1"))
	_, err := m.waitChild("c1", time.Second)
	assert.ErrorIs(t, err, ErrChildCancelled)

	status, _, _ := rec.snapshot()
	assert.Equal(t, ChildCancelled, status)
}

func TestCancelDoesNotOverwriteDoneRecord(t *testing.T) {
	m := &subSessionManager{children: make(map[string]*childRecord)}
	rec := &childRecord{
		id:     "c2",
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
		status: ChildPending,
	}
	m.children["c2"] = rec

	rec.setStatus(ChildDone, "result text", nil)
	close(rec.done)

	require.NoError(t, m.cancelChild("c2"))
	result, err := m.waitChild("c2", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "result text", result)
}

func TestCancelFailedRecordStaysFailed(t *testing.T) {
	m := &subSessionManager{children: make(map[string]*childRecord)}
	rec := &childRecord{
		id:     "c3",
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
		status: ChildPending,
	}
	m.children["c3"] = rec

	rec.setStatus(ChildFailed, "", assert.AnError)
	close(rec.done)

	require.NoError(t, m.cancelChild("c3"))
	_, err := m.waitChild("c3", time.Second)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestWaitUnknownChild(t *testing.T) {
	m := &subSessionManager{children: make(map[string]*childRecord)}
	_, err := m.waitChild("nope", time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownChild)
	assert.ErrorIs(t, m.cancelChild("nope"), ErrUnknownChild)
}

func TestWaitChildTimesOutWhilePending(t *testing.T) {
	m := &subSessionManager{children: make(map[string]*childRecord)}
	rec := &childRecord{
		id:     "c4",
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
		status: ChildPending,
	}
	m.children["c4"] = rec

	_, err := m.waitChild("c4", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrChildPending)
	close(rec.done)
}
