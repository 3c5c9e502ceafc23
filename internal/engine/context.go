package engine

import (
	"os"
	"path/filepath"

	"github.com/ya-luotao/codex/internal/instructions"
	"github.com/ya-luotao/codex/internal/protocol"
	"github.com/ya-luotao/codex/internal/rollout"
)

// TurnContext is the mutable per-turn configuration mirror. The session keeps
// a default copy; user_turn overrides it for one turn, override_turn_context
// updates the default persistently.
type TurnContext struct {
	Cwd            string
	ApprovalPolicy protocol.AskForApproval
	SandboxPolicy  protocol.SandboxPolicy
	Model          string
	Effort         string
	Summary        string
}

// Record converts the context into its rollout form.
func (tc TurnContext) Record() rollout.TurnContextRecord {
	return rollout.TurnContextRecord{
		Cwd:            tc.Cwd,
		ApprovalPolicy: tc.ApprovalPolicy,
		SandboxPolicy:  tc.SandboxPolicy,
		Model:          tc.Model,
		Effort:         tc.Effort,
		Summary:        tc.Summary,
	}
}

// environmentContext renders the XML block for the current context.
func (tc TurnContext) environmentContext() string {
	return instructions.EnvironmentContext{
		Cwd:            tc.Cwd,
		ApprovalPolicy: tc.ApprovalPolicy,
		SandboxMode:    tc.SandboxPolicy.Mode,
		NetworkAccess:  tc.SandboxPolicy.HasFullNetworkAccess(),
		Shell:          shellName(),
	}.Render()
}

// applyOverride merges non-nil override fields into a copy.
func (tc TurnContext) applyOverride(op *protocol.OverrideTurnContextOp) TurnContext {
	out := tc
	if op.Cwd != nil {
		out.Cwd = *op.Cwd
	}
	if op.ApprovalPolicy != nil {
		out.ApprovalPolicy = *op.ApprovalPolicy
	}
	if op.SandboxPolicy != nil {
		out.SandboxPolicy = *op.SandboxPolicy
	}
	if op.Model != nil {
		out.Model = *op.Model
	}
	if op.Effort != nil {
		out.Effort = *op.Effort
	}
	if op.Summary != nil {
		out.Summary = *op.Summary
	}
	return out
}

// contextFromRecord restores a context from its rollout form.
func contextFromRecord(rec rollout.TurnContextRecord) TurnContext {
	return TurnContext{
		Cwd:            rec.Cwd,
		ApprovalPolicy: rec.ApprovalPolicy,
		SandboxPolicy:  rec.SandboxPolicy,
		Model:          rec.Model,
		Effort:         rec.Effort,
		Summary:        rec.Summary,
	}
}

func shellName() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return filepath.Base(sh)
	}
	return "bash"
}
