package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ya-luotao/codex/internal/protocol"
)

// reviewInstructions is the canned developer preset for review sub-sessions.
const reviewInstructions = `You are a code reviewer. Examine the requested changes or code and report concrete findings: correctness bugs, risky edge cases, and material quality problems. For each finding give the file, the line or function, what is wrong, and why it matters. Do not propose stylistic rewrites. End with an overall verdict.`

// ChildStatus is a sub-session's lifecycle state.
type ChildStatus string

const (
	ChildPending   ChildStatus = "pending"
	ChildDone      ChildStatus = "done"
	ChildCancelled ChildStatus = "cancelled"
	ChildFailed    ChildStatus = "failed"
)

// Sub-session error kinds.
var (
	ErrUnknownChild   = errors.New("unknown child conversation")
	ErrChildPending   = errors.New("child conversation still pending")
	ErrChildCancelled = errors.New("child conversation cancelled")
)

// childRecord tracks one spawned child conversation.
type childRecord struct {
	id      string
	session *Session
	cancel  chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	status ChildStatus
	result string
	err    error
}

func (c *childRecord) setStatus(status ChildStatus, result string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	// done/failed records are final; a late cancel must not overwrite them.
	if c.status == ChildDone || c.status == ChildFailed || c.status == ChildCancelled {
		return false
	}
	c.status = status
	c.result = result
	c.err = err
	return true
}

func (c *childRecord) snapshot() (ChildStatus, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.result, c.err
}

// subSessionManager spawns and tracks child conversations.
type subSessionManager struct {
	parent *Session

	mu       sync.Mutex
	children map[string]*childRecord
}

func newSubSessionManager(parent *Session) *subSessionManager {
	return &subSessionManager{parent: parent, children: make(map[string]*childRecord)}
}

// startReview spawns a review child with the restricted profile: parent cwd,
// read-only sandbox, approval never, no rollout of its own.
func (m *subSessionManager) startReview(subID string, request protocol.ReviewRequest) {
	parent := m.parent
	parent.emit(subID, protocol.EnteredReviewModeEvent{Request: request})

	cfg := *parent.cfg
	cfg.ApprovalPolicy = string(protocol.ApprovalNever)
	cfg.SandboxMode = string(protocol.SandboxReadOnly)

	child, err := New(Options{
		Config:           &cfg,
		ConversationID:   uuid.NewString(),
		BaseInstructions: reviewInstructions,
		Client:           parent.client,
		SandboxType:      parent.sandboxT,
		DisableRollout:   true,
	})
	if err != nil {
		parent.emit(subID, protocol.ErrorEvent{Message: fmt.Sprintf("review session failed: %v", err)})
		parent.emit(subID, protocol.ExitedReviewModeEvent{})
		return
	}

	rec := &childRecord{
		id:      child.ID(),
		session: child,
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
		status:  ChildPending,
	}
	m.mu.Lock()
	m.children[rec.id] = rec
	m.mu.Unlock()

	go m.runChild(subID, rec, request.Prompt)
}

// runChild bridges the child's events to the parent and captures its final
// message. A cancel cuts the child mid-stream: the child is interrupted and
// its partial output discarded.
func (m *subSessionManager) runChild(subID string, rec *childRecord, prompt string) {
	defer close(rec.done)
	parent := m.parent
	child := rec.session

	_ = child.Submit(protocol.Submission{
		ID: "review-input",
		Op: &protocol.UserInputOp{Items: []protocol.InputItem{{Type: "text", Text: prompt}}},
	})

	var lastMessage string
	events := child.Events()

	for {
		select {
		case <-rec.cancel:
			_ = child.Submit(protocol.Submission{ID: "review-interrupt", Op: &protocol.InterruptOp{}})
			m.shutdownChild(child, events)
			rec.setStatus(ChildCancelled, "", ErrChildCancelled)
			parent.emit(subID, protocol.ExitedReviewModeEvent{})
			return

		case ev, ok := <-events:
			if !ok {
				rec.setStatus(ChildFailed, "", errors.New("review session ended unexpectedly"))
				parent.emit(subID, protocol.ExitedReviewModeEvent{})
				return
			}
			switch msg := ev.Msg.(type) {
			case protocol.AgentMessageDeltaEvent, protocol.AgentReasoningDeltaEvent:
				// Forward streaming progress under the parent's submission.
				parent.emit(subID, ev.Msg)
			case protocol.TaskCompleteEvent:
				lastMessage = msg.LastAgentMessage
				m.shutdownChild(child, events)
				rec.setStatus(ChildDone, lastMessage, nil)
				parent.emit(subID, protocol.ExitedReviewModeEvent{Output: lastMessage})
				return
			case protocol.ErrorEvent:
				m.shutdownChild(child, events)
				rec.setStatus(ChildFailed, "", errors.New(msg.Message))
				parent.emit(subID, protocol.ExitedReviewModeEvent{})
				return
			case protocol.TurnAbortedEvent:
				m.shutdownChild(child, events)
				rec.setStatus(ChildCancelled, "", ErrChildCancelled)
				parent.emit(subID, protocol.ExitedReviewModeEvent{})
				return
			}
		}
	}
}

// shutdownChild submits Shutdown and drains events until ShutdownComplete.
func (m *subSessionManager) shutdownChild(child *Session, events <-chan protocol.Event) {
	_ = child.Submit(protocol.Submission{ID: "review-shutdown", Op: &protocol.ShutdownOp{}})
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, done := ev.Msg.(protocol.ShutdownCompleteEvent); done {
				return
			}
		case <-timeout:
			return
		}
	}
}

// waitChild blocks until the child completes (or timeout elapses) and
// returns its final message.
func (m *subSessionManager) waitChild(id string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	rec, ok := m.children[id]
	m.mu.Unlock()
	if !ok {
		return "", ErrUnknownChild
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timeoutCh = time.After(timeout)
	}
	select {
	case <-rec.done:
	case <-timeoutCh:
		return "", ErrChildPending
	}

	status, result, err := rec.snapshot()
	switch status {
	case ChildDone:
		return result, nil
	case ChildCancelled:
		return "", ErrChildCancelled
	default:
		return "", err
	}
}

// cancelChild transitions a pending child to cancelled; done and failed
// records are left untouched.
func (m *subSessionManager) cancelChild(id string) error {
	m.mu.Lock()
	rec, ok := m.children[id]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownChild
	}
	status, _, _ := rec.snapshot()
	if status == ChildPending {
		select {
		case <-rec.cancel:
		default:
			close(rec.cancel)
		}
	}
	return nil
}

// abortAll cancels every live child on session teardown.
func (m *subSessionManager) abortAll() {
	m.mu.Lock()
	records := make([]*childRecord, 0, len(m.children))
	for _, rec := range m.children {
		records = append(records, rec)
	}
	m.mu.Unlock()

	for _, rec := range records {
		status, _, _ := rec.snapshot()
		if status == ChildPending {
			select {
			case <-rec.cancel:
			default:
				close(rec.cancel)
			}
		}
		<-rec.done
	}
}
