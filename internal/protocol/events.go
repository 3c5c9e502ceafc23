package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is one engine-to-client notification. ID echoes the submission that
// caused it, or a synthetic ID for unsolicited events.
type Event struct {
	ID  string   `json:"id"`
	Msg EventMsg `json:"msg"`
}

// EventMsg is the tagged union of event payloads.
type EventMsg interface {
	eventType() string
}

// EventType returns the wire discriminator of an event payload.
func EventType(m EventMsg) string { return m.eventType() }

// ErrorEvent reports an unrecoverable error for the active submission.
type ErrorEvent struct {
	Message string `json:"message"`
}

// StreamErrorEvent reports a transient model-stream failure; the engine may
// retry the request afterwards.
type StreamErrorEvent struct {
	Message string `json:"message"`
}

// TaskStartedEvent opens a turn.
type TaskStartedEvent struct {
	ModelContextWindow int64 `json:"model_context_window,omitempty"`
}

// TaskCompleteEvent closes a turn.
type TaskCompleteEvent struct {
	LastAgentMessage string `json:"last_agent_message,omitempty"`
}

// TokenCountEvent reports cumulative and per-turn token usage.
type TokenCountEvent struct {
	Info *TokenUsageInfo `json:"info,omitempty"`
}

// AgentMessageEvent carries a complete assistant message.
type AgentMessageEvent struct {
	Message string `json:"message"`
}

// AgentMessageDeltaEvent carries an incremental assistant-text chunk.
type AgentMessageDeltaEvent struct {
	Delta string `json:"delta"`
}

// UserMessageEvent echoes user input into the event stream (and rollout).
type UserMessageEvent struct {
	Message string `json:"message"`
}

// AgentReasoningEvent carries a complete reasoning summary block.
type AgentReasoningEvent struct {
	Text string `json:"text"`
}

// AgentReasoningDeltaEvent carries an incremental reasoning-summary chunk.
type AgentReasoningDeltaEvent struct {
	Delta string `json:"delta"`
}

// AgentReasoningRawContentEvent carries complete raw reasoning content.
type AgentReasoningRawContentEvent struct {
	Text string `json:"text"`
}

// AgentReasoningRawContentDeltaEvent carries an incremental raw-reasoning chunk.
type AgentReasoningRawContentDeltaEvent struct {
	Delta string `json:"delta"`
}

// AgentReasoningSectionBreakEvent separates reasoning summary sections.
type AgentReasoningSectionBreakEvent struct{}

// SessionConfiguredEvent acknowledges a new or resumed session.
type SessionConfiguredEvent struct {
	SessionID         string `json:"session_id"`
	Model             string `json:"model"`
	HistoryLogID      uint64 `json:"history_log_id"`
	HistoryEntryCount int    `json:"history_entry_count"`
	RolloutPath       string `json:"rollout_path,omitempty"`
}

// McpInvocation identifies one MCP tool call.
type McpInvocation struct {
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// McpToolCallBeginEvent marks the start of an MCP tool call.
type McpToolCallBeginEvent struct {
	CallID     string        `json:"call_id"`
	Invocation McpInvocation `json:"invocation"`
}

// McpToolCallEndEvent marks the end of an MCP tool call.
type McpToolCallEndEvent struct {
	CallID     string          `json:"call_id"`
	Invocation McpInvocation   `json:"invocation"`
	DurationMs int64           `json:"duration_ms"`
	IsError    bool            `json:"is_error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// WebSearchBeginEvent marks the start of a provider-side web search.
type WebSearchBeginEvent struct {
	CallID string `json:"call_id"`
}

// WebSearchEndEvent marks the end of a provider-side web search.
type WebSearchEndEvent struct {
	CallID string `json:"call_id"`
	Query  string `json:"query,omitempty"`
}

// ExecCommandBeginEvent marks the start of a sandboxed command.
type ExecCommandBeginEvent struct {
	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
	Reason  string   `json:"reason,omitempty"`
}

// ExecStream tags which stream a chunk came from.
type ExecStream string

const (
	ExecStreamStdout ExecStream = "stdout"
	ExecStreamStderr ExecStream = "stderr"
)

// ExecCommandOutputDeltaEvent carries one raw output chunk, base64-encoded on
// the wire because command output is arbitrary bytes.
type ExecCommandOutputDeltaEvent struct {
	CallID string     `json:"call_id"`
	Stream ExecStream `json:"stream"`
	Chunk  []byte     `json:"chunk"`
}

// ExecCommandEndEvent marks command completion.
type ExecCommandEndEvent struct {
	CallID           string `json:"call_id"`
	ExitCode         int    `json:"exit_code"`
	DurationMs       int64  `json:"duration_ms"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
}

// ExecApprovalRequestEvent asks the user to approve a command.
type ExecApprovalRequestEvent struct {
	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
	Reason  string   `json:"reason,omitempty"`
}

// ApplyPatchApprovalRequestEvent asks the user to approve a patch.
type ApplyPatchApprovalRequestEvent struct {
	CallID       string            `json:"call_id"`
	Changes      map[string]string `json:"changes"` // path → summary (A/M/D)
	Reason       string            `json:"reason,omitempty"`
	GrantRoot    string            `json:"grant_root,omitempty"`
}

// PatchApplyBeginEvent marks the start of a patch application.
type PatchApplyBeginEvent struct {
	CallID      string            `json:"call_id"`
	AutoApproved bool             `json:"auto_approved"`
	Changes     map[string]string `json:"changes"`
}

// PatchApplyEndEvent marks the end of a patch application.
type PatchApplyEndEvent struct {
	CallID  string `json:"call_id"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
	Success bool   `json:"success"`
}

// TurnDiffEvent carries the aggregated unified diff for the turn so far.
type TurnDiffEvent struct {
	UnifiedDiff string `json:"unified_diff"`
}

// BackgroundEvent is a low-priority informational notice.
type BackgroundEvent struct {
	Message string `json:"message"`
}

// TurnAbortReason distinguishes why a turn ended early.
type TurnAbortReason string

const (
	AbortReasonInterrupted TurnAbortReason = "interrupted"
	AbortReasonReplaced    TurnAbortReason = "replaced"
)

// TurnAbortedEvent reports a turn cancelled before completion.
type TurnAbortedEvent struct {
	Reason TurnAbortReason `json:"reason"`
}

// ShutdownCompleteEvent is the final event of a session.
type ShutdownCompleteEvent struct{}

// PlanItem is one step of the model's published plan.
type PlanItem struct {
	Step   string `json:"step"`
	Status string `json:"status"` // pending, in_progress, completed
}

// PlanUpdateEvent carries the model's current plan.
type PlanUpdateEvent struct {
	Explanation string     `json:"explanation,omitempty"`
	Plan        []PlanItem `json:"plan"`
}

// McpToolInfo describes one aggregated MCP tool for list_mcp_tools.
type McpToolInfo struct {
	Server      string          `json:"server"`
	Tool        string          `json:"tool"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// McpListToolsResponseEvent answers list_mcp_tools.
type McpListToolsResponseEvent struct {
	Tools map[string]McpToolInfo `json:"tools"`
}

// CustomPrompt is one discovered prompt file.
type CustomPrompt struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ListCustomPromptsResponseEvent answers list_custom_prompts.
type ListCustomPromptsResponseEvent struct {
	CustomPrompts []CustomPrompt `json:"custom_prompts"`
}

// GetHistoryEntryResponseEvent answers get_history_entry.
type GetHistoryEntryResponseEvent struct {
	Offset int    `json:"offset"`
	LogID  uint64 `json:"log_id"`
	Entry  string `json:"entry,omitempty"`
}

// EnteredReviewModeEvent opens a review sub-session.
type EnteredReviewModeEvent struct {
	Request ReviewRequest `json:"review_request"`
}

// ExitedReviewModeEvent closes a review sub-session with its verdict.
type ExitedReviewModeEvent struct {
	Output string `json:"review_output,omitempty"`
}

func (ErrorEvent) eventType() string                         { return "error" }
func (StreamErrorEvent) eventType() string                   { return "stream_error" }
func (TaskStartedEvent) eventType() string                   { return "task_started" }
func (TaskCompleteEvent) eventType() string                  { return "task_complete" }
func (TokenCountEvent) eventType() string                    { return "token_count" }
func (AgentMessageEvent) eventType() string                  { return "agent_message" }
func (AgentMessageDeltaEvent) eventType() string             { return "agent_message_delta" }
func (UserMessageEvent) eventType() string                   { return "user_message" }
func (AgentReasoningEvent) eventType() string                { return "agent_reasoning" }
func (AgentReasoningDeltaEvent) eventType() string           { return "agent_reasoning_delta" }
func (AgentReasoningRawContentEvent) eventType() string      { return "agent_reasoning_raw_content" }
func (AgentReasoningRawContentDeltaEvent) eventType() string { return "agent_reasoning_raw_content_delta" }
func (AgentReasoningSectionBreakEvent) eventType() string    { return "agent_reasoning_section_break" }
func (SessionConfiguredEvent) eventType() string             { return "session_configured" }
func (McpToolCallBeginEvent) eventType() string              { return "mcp_tool_call_begin" }
func (McpToolCallEndEvent) eventType() string                { return "mcp_tool_call_end" }
func (WebSearchBeginEvent) eventType() string                { return "web_search_begin" }
func (WebSearchEndEvent) eventType() string                  { return "web_search_end" }
func (ExecCommandBeginEvent) eventType() string              { return "exec_command_begin" }
func (ExecCommandOutputDeltaEvent) eventType() string        { return "exec_command_output_delta" }
func (ExecCommandEndEvent) eventType() string                { return "exec_command_end" }
func (ExecApprovalRequestEvent) eventType() string           { return "exec_approval_request" }
func (ApplyPatchApprovalRequestEvent) eventType() string     { return "apply_patch_approval_request" }
func (PatchApplyBeginEvent) eventType() string               { return "patch_apply_begin" }
func (PatchApplyEndEvent) eventType() string                 { return "patch_apply_end" }
func (TurnDiffEvent) eventType() string                      { return "turn_diff" }
func (BackgroundEvent) eventType() string                    { return "background_event" }
func (TurnAbortedEvent) eventType() string                   { return "turn_aborted" }
func (ShutdownCompleteEvent) eventType() string              { return "shutdown_complete" }
func (PlanUpdateEvent) eventType() string                    { return "plan_update" }
func (McpListToolsResponseEvent) eventType() string          { return "mcp_list_tools_response" }
func (ListCustomPromptsResponseEvent) eventType() string     { return "list_custom_prompts_response" }
func (GetHistoryEntryResponseEvent) eventType() string       { return "get_history_entry_response" }
func (EnteredReviewModeEvent) eventType() string             { return "entered_review_mode" }
func (ExitedReviewModeEvent) eventType() string              { return "exited_review_mode" }

var eventFactories = map[string]func() EventMsg{
	"error":                              func() EventMsg { return &ErrorEvent{} },
	"stream_error":                       func() EventMsg { return &StreamErrorEvent{} },
	"task_started":                       func() EventMsg { return &TaskStartedEvent{} },
	"task_complete":                      func() EventMsg { return &TaskCompleteEvent{} },
	"token_count":                        func() EventMsg { return &TokenCountEvent{} },
	"agent_message":                      func() EventMsg { return &AgentMessageEvent{} },
	"agent_message_delta":                func() EventMsg { return &AgentMessageDeltaEvent{} },
	"user_message":                       func() EventMsg { return &UserMessageEvent{} },
	"agent_reasoning":                    func() EventMsg { return &AgentReasoningEvent{} },
	"agent_reasoning_delta":              func() EventMsg { return &AgentReasoningDeltaEvent{} },
	"agent_reasoning_raw_content":        func() EventMsg { return &AgentReasoningRawContentEvent{} },
	"agent_reasoning_raw_content_delta":  func() EventMsg { return &AgentReasoningRawContentDeltaEvent{} },
	"agent_reasoning_section_break":      func() EventMsg { return &AgentReasoningSectionBreakEvent{} },
	"session_configured":                 func() EventMsg { return &SessionConfiguredEvent{} },
	"mcp_tool_call_begin":                func() EventMsg { return &McpToolCallBeginEvent{} },
	"mcp_tool_call_end":                  func() EventMsg { return &McpToolCallEndEvent{} },
	"web_search_begin":                   func() EventMsg { return &WebSearchBeginEvent{} },
	"web_search_end":                     func() EventMsg { return &WebSearchEndEvent{} },
	"exec_command_begin":                 func() EventMsg { return &ExecCommandBeginEvent{} },
	"exec_command_output_delta":          func() EventMsg { return &ExecCommandOutputDeltaEvent{} },
	"exec_command_end":                   func() EventMsg { return &ExecCommandEndEvent{} },
	"exec_approval_request":              func() EventMsg { return &ExecApprovalRequestEvent{} },
	"apply_patch_approval_request":       func() EventMsg { return &ApplyPatchApprovalRequestEvent{} },
	"patch_apply_begin":                  func() EventMsg { return &PatchApplyBeginEvent{} },
	"patch_apply_end":                    func() EventMsg { return &PatchApplyEndEvent{} },
	"turn_diff":                          func() EventMsg { return &TurnDiffEvent{} },
	"background_event":                   func() EventMsg { return &BackgroundEvent{} },
	"turn_aborted":                       func() EventMsg { return &TurnAbortedEvent{} },
	"shutdown_complete":                  func() EventMsg { return &ShutdownCompleteEvent{} },
	"plan_update":                        func() EventMsg { return &PlanUpdateEvent{} },
	"mcp_list_tools_response":            func() EventMsg { return &McpListToolsResponseEvent{} },
	"list_custom_prompts_response":       func() EventMsg { return &ListCustomPromptsResponseEvent{} },
	"get_history_entry_response":         func() EventMsg { return &GetHistoryEntryResponseEvent{} },
	"entered_review_mode":                func() EventMsg { return &EnteredReviewModeEvent{} },
	"exited_review_mode":                 func() EventMsg { return &ExitedReviewModeEvent{} },
}

// MarshalJSON emits {"id":..., "msg":{"type":..., ...}}.
func (e Event) MarshalJSON() ([]byte, error) {
	msg, err := MarshalEventMsg(e.Msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID  string          `json:"id"`
		Msg json.RawMessage `json:"msg"`
	}{e.ID, msg})
}

// UnmarshalJSON decodes the tagged payload into its concrete type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env struct {
		ID  string          `json:"id"`
		Msg json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	msg, err := UnmarshalEventMsg(env.Msg)
	if err != nil {
		return err
	}
	e.ID = env.ID
	e.Msg = msg
	return nil
}

// MarshalEventMsg serializes an event payload with its type tag.
func MarshalEventMsg(m EventMsg) (json.RawMessage, error) {
	return marshalTagged(m.eventType(), m)
}

// UnmarshalEventMsg decodes a tagged event payload.
func UnmarshalEventMsg(data []byte) (EventMsg, error) {
	tag, err := peekType(data)
	if err != nil {
		return nil, err
	}
	factory, ok := eventFactories[tag]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", tag)
	}
	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode event %q: %w", tag, err)
	}
	return msg, nil
}
