package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ya-luotao/codex/internal/exec"
	"github.com/ya-luotao/codex/internal/instructions"
	"github.com/ya-luotao/codex/internal/mcp"
	"github.com/ya-luotao/codex/internal/patch"
	"github.com/ya-luotao/codex/internal/protocol"
	"github.com/ya-luotao/codex/internal/sandbox"
	"github.com/ya-luotao/codex/internal/telemetry"
)

// dispatchToolCall routes one model tool call to its handler and returns the
// paired output item. Tool failures become output content the model can
// react to, never engine errors.
func (s *Session) dispatchToolCall(ctx context.Context, ts *turnState, call protocol.ResponseItem) protocol.ResponseItem {
	callID := call.ToolCallID()

	toolName := call.Name
	if call.Type == protocol.ItemLocalShellCall {
		toolName = toolShell
	}
	ctx, span := telemetry.Tracer().Start(ctx, "codex.tool_call",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("tool.call_id", callID),
		))
	defer span.End()

	if call.Type == protocol.ItemLocalShellCall {
		if call.Action == nil || len(call.Action.Command) == 0 {
			return protocol.FunctionCallOutput(callID, "missing local shell action")
		}
		args := shellArgs{
			Command:   call.Action.Command,
			Workdir:   call.Action.WorkDir,
			TimeoutMs: call.Action.TimeoutMs,
		}
		return s.handleShell(ctx, ts, callID, args)
	}

	name := call.Name
	rawArgs := call.Arguments
	if call.Type == protocol.ItemCustomToolCall {
		rawArgs = call.Input
	}

	switch name {
	case toolShell:
		var args shellArgs
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || len(args.Command) == 0 {
			return protocol.FunctionCallOutput(callID, fmt.Sprintf("invalid shell arguments: %v", err))
		}
		return s.handleShell(ctx, ts, callID, args)

	case toolApplyPatch:
		input := rawArgs
		if call.Type != protocol.ItemCustomToolCall {
			var args struct {
				Input string `json:"input"`
			}
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Input == "" {
				return protocol.FunctionCallOutput(callID, "invalid apply_patch arguments: missing input")
			}
			input = args.Input
		}
		out := s.handleApplyPatch(ctx, ts, callID, input)
		if call.Type == protocol.ItemCustomToolCall {
			out.Type = protocol.ItemCustomToolCallOutput
		}
		return out

	case toolUpdatePlan:
		return s.handleUpdatePlan(ts, callID, rawArgs)

	default:
		if s.mcp != nil {
			if entry, ok := s.mcp.Lookup(name); ok {
				return s.handleMcpCall(ctx, ts, callID, entry, rawArgs)
			}
		}
		return protocol.FunctionCallOutput(callID, fmt.Sprintf("unsupported call: %s", name))
	}
}

// shellArgs is the shell tool's argument shape.
type shellArgs struct {
	Command                  []string `json:"command"`
	Workdir                  string   `json:"workdir"`
	TimeoutMs                int64    `json:"timeout_ms"`
	WithEscalatedPermissions bool     `json:"with_escalated_permissions"`
	Justification            string   `json:"justification"`
}

// handleShell runs a command through the approval gate and sandbox executor.
func (s *Session) handleShell(ctx context.Context, ts *turnState, callID string, args shellArgs) protocol.ResponseItem {
	cwd := args.Workdir
	if cwd == "" {
		cwd = ts.tc.Cwd
	}

	decision, reason := s.decideExec(ts.tc, gateExecRequest{
		command:       args.Command,
		cwd:           cwd,
		escalated:     args.WithEscalatedPermissions,
		justification: args.Justification,
	})

	switch decision {
	case execReject:
		msg := "command rejected by policy"
		if reason != "" {
			msg += ": " + reason
		}
		return protocol.FunctionCallOutput(callID, msg)

	case execAskUser:
		s.emit(ts.subID, protocol.ExecApprovalRequestEvent{
			CallID:  callID,
			Command: args.Command,
			Cwd:     cwd,
			Reason:  reason,
		})
		switch s.approvals.await(ctx, callID) {
		case protocol.DecisionApproved:
		case protocol.DecisionApprovedForSession:
			s.approvals.grantExec(args.Command, cwd)
		case protocol.DecisionAbort:
			return protocol.FunctionCallOutput(callID, "command aborted by user")
		default:
			return protocol.FunctionCallOutput(callID, "command rejected by user")
		}
		if args.WithEscalatedPermissions {
			decision = execRunUnsandboxed
		} else {
			decision = execRunSandboxed
		}

	}

	res := s.runExec(ctx, ts, callID, args, cwd, decision == execRunUnsandboxed)
	if res == nil {
		return protocol.FunctionCallOutput(callID, "command could not be spawned")
	}

	// on-failure: a sandbox denial (or any failure) escalates to the user
	// for an unsandboxed retry.
	if res.ExitCode != 0 && !ts.tc.SandboxPolicy.HasFullDiskWriteAccess() &&
		ts.tc.ApprovalPolicy == protocol.ApprovalOnFailure && decision == execRunSandboxed {
		s.emit(ts.subID, protocol.ExecApprovalRequestEvent{
			CallID:  callID,
			Command: args.Command,
			Cwd:     cwd,
			Reason:  "retry without sandbox",
		})
		switch s.approvals.await(ctx, callID) {
		case protocol.DecisionApproved, protocol.DecisionApprovedForSession:
			if retry := s.runExec(ctx, ts, callID, args, cwd, true); retry != nil {
				res = retry
			}
		case protocol.DecisionAbort:
			return protocol.FunctionCallOutput(callID, "command aborted by user")
		}
	}

	return protocol.FunctionCallOutput(callID, res.FormattedOutput())
}

// runExec executes the command, streaming deltas as events.
func (s *Session) runExec(ctx context.Context, ts *turnState, callID string, args shellArgs, cwd string, unsandboxed bool) *exec.Result {
	sandboxType := s.sandboxT
	policy := ts.tc.SandboxPolicy
	if unsandboxed {
		sandboxType = sandbox.TypeNone
		policy = protocol.SandboxPolicy{Mode: protocol.SandboxDangerFullAccess}
	}

	s.emit(ts.subID, protocol.ExecCommandBeginEvent{
		CallID:  callID,
		Command: args.Command,
		Cwd:     cwd,
	})

	req := exec.Request{
		Command:       args.Command,
		Cwd:           cwd,
		Timeout:       time.Duration(args.TimeoutMs) * time.Millisecond,
		EnvPolicy:     &s.cfg.ShellEnvironmentPolicy,
		SandboxType:   sandboxType,
		SandboxPolicy: policy,
		WritableRoots: policy.GetWritableRoots(cwd),
	}

	res, err := exec.Run(ctx, req, func(chunk exec.OutputChunk) {
		s.emit(ts.subID, protocol.ExecCommandOutputDeltaEvent{
			CallID: callID,
			Stream: chunk.Stream,
			Chunk:  chunk.Data,
		})
	})
	if err != nil {
		s.emit(ts.subID, protocol.ExecCommandEndEvent{CallID: callID, ExitCode: -1})
		return nil
	}

	s.emit(ts.subID, protocol.ExecCommandEndEvent{
		CallID:           callID,
		ExitCode:         res.ExitCode,
		DurationMs:       res.Duration.Milliseconds(),
		AggregatedOutput: string(res.Aggregated),
	})
	return res
}

// handleApplyPatch parses, gates, and applies a patch, then emits the
// aggregated turn diff.
func (s *Session) handleApplyPatch(ctx context.Context, ts *turnState, callID, input string) protocol.ResponseItem {
	action, _, err := patch.Parse(input)
	if err != nil {
		return protocol.FunctionCallOutput(callID, fmt.Sprintf("apply_patch: %v", err))
	}

	changes := summarizeChanges(action)

	if s.patchNeedsApproval(ts.tc) {
		s.emit(ts.subID, protocol.ApplyPatchApprovalRequestEvent{CallID: callID, Changes: changes})
		switch s.approvals.await(ctx, callID) {
		case protocol.DecisionApproved, protocol.DecisionApprovedForSession:
		case protocol.DecisionAbort:
			return protocol.FunctionCallOutput(callID, "patch aborted by user")
		default:
			return protocol.FunctionCallOutput(callID, "patch rejected by user")
		}
	}

	s.emit(ts.subID, protocol.PatchApplyBeginEvent{
		CallID:       callID,
		AutoApproved: !s.patchNeedsApproval(ts.tc),
		Changes:      changes,
	})

	res := patch.ApplyAction(action, patch.Options{Cwd: ts.tc.Cwd, Policy: ts.tc.SandboxPolicy})

	s.emit(ts.subID, protocol.PatchApplyEndEvent{
		CallID:  callID,
		Stdout:  res.StdoutTail(),
		Stderr:  res.StderrTail(),
		Success: res.Status == patch.StatusSuccess,
	})

	s.recordTurnDiff(ts, res)

	var out strings.Builder
	out.WriteString(res.StdoutTail())
	if tail := res.StderrTail(); tail != "" {
		out.WriteString(tail)
	}
	return protocol.FunctionCallOutput(callID, out.String())
}

// patchNeedsApproval: only unless-trusted prompts for a patch; full-access,
// never, on-failure and on-request apply it without asking.
func (s *Session) patchNeedsApproval(tc TurnContext) bool {
	if tc.SandboxPolicy.HasFullDiskWriteAccess() {
		return false
	}
	switch tc.ApprovalPolicy {
	case protocol.ApprovalNever, protocol.ApprovalOnFailure:
		return false
	case protocol.ApprovalOnRequest:
		return false
	}
	return true
}

// recordTurnDiff folds the batch's snapshots into the turn baselines and
// emits the aggregated diff.
func (s *Session) recordTurnDiff(ts *turnState, res *patch.Result) {
	for _, snap := range res.Snapshots {
		if _, seen := ts.baselines[snap.Path]; !seen {
			ts.baselines[snap.Path] = fileBaseline{content: snap.Content, existed: snap.Existed}
		}
	}

	var diff strings.Builder
	for path, base := range ts.baselines {
		current, err := readFileString(path)
		currentExists := err == nil
		switch {
		case !base.existed && !currentExists:
		case base.content == current && base.existed == currentExists:
		default:
			diff.WriteString(patch.UnifiedDiff(displayPath(ts.tc.Cwd, path), base.content, current))
		}
	}
	if diff.Len() > 0 {
		s.emit(ts.subID, protocol.TurnDiffEvent{UnifiedDiff: diff.String()})
	}
}

func summarizeChanges(action *patch.Action) map[string]string {
	changes := make(map[string]string, len(action.Changes))
	for _, c := range action.Changes {
		switch c.Kind {
		case patch.ChangeAdd:
			changes[c.Path] = "A"
		case patch.ChangeDelete:
			changes[c.Path] = "D"
		default:
			changes[c.Path] = "M"
		}
	}
	return changes
}

// handleUpdatePlan records and broadcasts the model's plan; the tool
// contract still expects an output item.
func (s *Session) handleUpdatePlan(ts *turnState, callID, rawArgs string) protocol.ResponseItem {
	var update protocol.PlanUpdateEvent
	if err := json.Unmarshal([]byte(rawArgs), &update); err != nil {
		return protocol.FunctionCallOutput(callID, fmt.Sprintf("invalid plan: %v", err))
	}
	s.emit(ts.subID, update)
	return protocol.FunctionCallOutput(callID, "Plan updated")
}

// handleMcpCall forwards a qualified tool call to its server.
func (s *Session) handleMcpCall(ctx context.Context, ts *turnState, callID string, entry mcp.ToolEntry, rawArgs string) protocol.ResponseItem {
	invocation := protocol.McpInvocation{
		Server:    entry.Server,
		Tool:      entry.ToolName,
		Arguments: json.RawMessage(rawArgs),
	}
	s.emit(ts.subID, protocol.McpToolCallBeginEvent{CallID: callID, Invocation: invocation})

	start := time.Now()
	result, err := s.mcp.CallTool(ctx, entry.Server, entry.ToolName, json.RawMessage(rawArgs))
	duration := time.Since(start)

	end := protocol.McpToolCallEndEvent{
		CallID:     callID,
		Invocation: invocation,
		DurationMs: duration.Milliseconds(),
	}

	var output string
	switch {
	case err != nil:
		var toolErr *mcp.ToolError
		if errors.As(err, &toolErr) {
			// Tool-level error: content goes back to the model.
			end.IsError = true
			output = toolErr.Content
			if body, merr := json.Marshal(result); merr == nil {
				end.Result = body
			}
		} else {
			end.IsError = true
			output = err.Error()
		}
	default:
		if body, merr := json.Marshal(result); merr == nil {
			end.Result = body
			output = string(body)
		}
	}

	s.emit(ts.subID, end)
	return protocol.FunctionCallOutput(callID, output)
}

func (s *Session) sessionUserInstructions(cwd string) string {
	return instructions.UserInstructions(cwd)
}
