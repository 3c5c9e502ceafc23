package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/ya-luotao/codex/internal/command_safety"
	"github.com/ya-luotao/codex/internal/execpolicy"
	"github.com/ya-luotao/codex/internal/protocol"
)

// approvalState is the pending-approval table plus the session's remembered
// approved-for-session grants. It is shared between the run loop (which
// resolves decisions) and turn goroutines (which wait on them).
type approvalState struct {
	mu      sync.Mutex
	pending map[string]chan protocol.ReviewDecision
	// execGrants remembers approved-for-session (command, cwd) tuples.
	execGrants map[execGrant]bool
}

type execGrant struct {
	command string // argv joined with unit separators
	cwd     string
}

func newApprovalState() *approvalState {
	return &approvalState{
		pending:    make(map[string]chan protocol.ReviewDecision),
		execGrants: make(map[execGrant]bool),
	}
}

func grantKey(command []string, cwd string) execGrant {
	return execGrant{command: strings.Join(command, "\x1f"), cwd: cwd}
}

// await registers a pending approval for callID and blocks until a decision
// arrives or ctx dies (which counts as abort).
func (a *approvalState) await(ctx context.Context, callID string) protocol.ReviewDecision {
	ch := make(chan protocol.ReviewDecision, 1)
	a.mu.Lock()
	a.pending[callID] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, callID)
		a.mu.Unlock()
	}()

	select {
	case d := <-ch:
		return d
	case <-ctx.Done():
		return protocol.DecisionAbort
	}
}

// resolve delivers the user's decision to the suspended tool call.
func (a *approvalState) resolve(callID string, decision protocol.ReviewDecision) {
	a.mu.Lock()
	ch, ok := a.pending[callID]
	a.mu.Unlock()
	if ok {
		ch <- decision
	}
}

func (a *approvalState) grantExec(command []string, cwd string) {
	a.mu.Lock()
	a.execGrants[grantKey(command, cwd)] = true
	a.mu.Unlock()
}

func (a *approvalState) hasExecGrant(command []string, cwd string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.execGrants[grantKey(command, cwd)]
}

// execDecision is the gate's verdict for a shell call.
type execDecision int

const (
	// execRunSandboxed runs the command inside the sandbox without asking.
	execRunSandboxed execDecision = iota
	// execRunUnsandboxed runs without the sandbox (full-access policy or a
	// user-approved escalation).
	execRunUnsandboxed
	// execAskUser suspends the call for an approval decision.
	execAskUser
	// execReject returns a refusal to the model without running anything.
	execReject
)

// gateExecRequest captures what the gate needs to know about a shell call.
type gateExecRequest struct {
	command       []string
	cwd           string
	escalated     bool
	justification string
}

// decideExec applies the approval gate (§spec order): full-access sandbox
// skips approval; the exec policy may forbid or force a prompt; then the
// approval policy decides.
func (s *Session) decideExec(tc TurnContext, req gateExecRequest) (execDecision, string) {
	if tc.SandboxPolicy.HasFullDiskWriteAccess() {
		return execRunUnsandboxed, ""
	}

	// User-authored policy rules run first; forbidden wins outright.
	if !s.policy.Empty() {
		eval := s.evalExecPolicy(req.command)
		switch eval.Decision {
		case execpolicy.DecisionForbidden:
			return execReject, eval.Justification
		case execpolicy.DecisionPrompt:
			if tc.ApprovalPolicy == protocol.ApprovalNever {
				return execRunSandboxed, ""
			}
			return execAskUser, eval.Justification
		}
	}

	switch tc.ApprovalPolicy {
	case protocol.ApprovalNever:
		return execRunSandboxed, ""

	case protocol.ApprovalOnFailure:
		// Run sandboxed; escalation happens after a failure.
		return execRunSandboxed, ""

	case protocol.ApprovalUnlessTrusted:
		if command_safety.IsKnownSafeCommand(req.command) {
			return execRunSandboxed, ""
		}
		if s.approvals.hasExecGrant(req.command, req.cwd) {
			return execRunSandboxed, ""
		}
		return execAskUser, ""

	default: // on-request
		if req.escalated {
			if s.approvals.hasExecGrant(req.command, req.cwd) {
				return execRunUnsandboxed, ""
			}
			reason := req.justification
			if reason == "" {
				reason = "model requested escalated permissions"
			}
			return execAskUser, reason
		}
		return execRunSandboxed, ""
	}
}

// evalExecPolicy checks the command (and, for shell wrappers, each script
// part) against the starlark rules, falling back to prompt-on-dangerous.
func (s *Session) evalExecPolicy(command []string) execpolicy.Evaluation {
	fallback := func(cmd []string) execpolicy.Decision {
		if command_safety.CommandMightBeDangerous(cmd) {
			return execpolicy.DecisionPrompt
		}
		return execpolicy.DecisionAllow
	}
	if parts := command_safety.ParseShellScriptCommands(command); len(parts) > 0 {
		return s.policy.CheckSequence(parts, fallback)
	}
	return s.policy.Check(command, fallback)
}
