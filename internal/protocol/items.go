// Package protocol defines the submission/event protocol spoken between the
// engine and its front-ends, plus the response items that make up
// conversation history. All payloads serialize as JSON with a "type"
// discriminator so the same shapes work over stdio, WebSocket, and in-process
// channels.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ItemType discriminates response items in history and on the wire.
type ItemType string

const (
	ItemMessage              ItemType = "message"
	ItemReasoning            ItemType = "reasoning"
	ItemFunctionCall         ItemType = "function_call"
	ItemFunctionCallOutput   ItemType = "function_call_output"
	ItemLocalShellCall       ItemType = "local_shell_call"
	ItemCustomToolCall       ItemType = "custom_tool_call"
	ItemCustomToolCallOutput ItemType = "custom_tool_call_output"
	ItemWebSearchCall        ItemType = "web_search_call"
)

// ContentItem is one element of a message's content array.
type ContentItem struct {
	Type     string `json:"type"` // input_text, output_text, input_image
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ReasoningSummary is one summary block inside a reasoning item.
type ReasoningSummary struct {
	Type string `json:"type"` // summary_text
	Text string `json:"text"`
}

// ReasoningContent is one raw-content block inside a reasoning item.
type ReasoningContent struct {
	Type string `json:"type"` // reasoning_text
	Text string `json:"text"`
}

// LocalShellAction carries the exec parameters of a local_shell_call.
type LocalShellAction struct {
	Type      string   `json:"type"` // exec
	Command   []string `json:"command"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
	WorkDir   string   `json:"working_directory,omitempty"`
}

// ResponseItem is a single element of the model's output stream or of
// conversation history. It is a flat struct with a type discriminator; only
// the fields relevant to the given Type are populated.
//
// Reasoning items additionally retain the raw wire bytes so their encrypted
// payloads survive round-trips untouched.
type ResponseItem struct {
	Type ItemType `json:"type"`

	// message
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentItem `json:"content,omitempty"`

	// reasoning
	Summary          []ReasoningSummary `json:"summary,omitempty"`
	ReasoningContent []ReasoningContent `json:"-"`
	EncryptedContent string             `json:"encrypted_content,omitempty"`

	// function_call / custom_tool_call / local_shell_call
	CallID    string            `json:"call_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Arguments string            `json:"arguments,omitempty"`
	Input     string            `json:"input,omitempty"`
	Status    string            `json:"status,omitempty"`
	Action    *LocalShellAction `json:"action,omitempty"`

	// function_call_output / custom_tool_call_output
	Output string `json:"output,omitempty"`

	// raw holds the exact wire bytes for items that must round-trip verbatim
	// (reasoning with encrypted payloads, web-search actions).
	raw json.RawMessage
}

// UserMessage builds a message item with role "user" and a single text block.
func UserMessage(text string) ResponseItem {
	return ResponseItem{
		Type:    ItemMessage,
		Role:    "user",
		Content: []ContentItem{{Type: "input_text", Text: text}},
	}
}

// UserImage builds a message item with role "user" carrying an image URL
// (which may be a data: URI for local paths).
func UserImage(url string) ResponseItem {
	return ResponseItem{
		Type:    ItemMessage,
		Role:    "user",
		Content: []ContentItem{{Type: "input_image", ImageURL: url}},
	}
}

// AssistantMessage builds a message item with role "assistant".
func AssistantMessage(text string) ResponseItem {
	return ResponseItem{
		Type:    ItemMessage,
		Role:    "assistant",
		Content: []ContentItem{{Type: "output_text", Text: text}},
	}
}

// FunctionCallOutput builds the output item paired with a function call.
func FunctionCallOutput(callID, output string) ResponseItem {
	return ResponseItem{Type: ItemFunctionCallOutput, CallID: callID, Output: output}
}

// MessageText concatenates the text blocks of a message item.
func (it *ResponseItem) MessageText() string {
	var s string
	for _, c := range it.Content {
		if c.Type == "output_text" || c.Type == "input_text" {
			s += c.Text
		}
	}
	return s
}

// IsToolCall reports whether the item is any flavor of tool invocation that
// requires a paired output item.
func (it *ResponseItem) IsToolCall() bool {
	switch it.Type {
	case ItemFunctionCall, ItemLocalShellCall, ItemCustomToolCall:
		return true
	}
	return false
}

// ToolCallID returns the call ID used to pair the item with its output.
// local_shell_call items sometimes carry only an item ID; fall back to it.
func (it *ResponseItem) ToolCallID() string {
	if it.CallID != "" {
		return it.CallID
	}
	return it.ID
}

// ParseResponseItem decodes a wire item, retaining the raw bytes for variants
// that must survive round-trips byte-for-byte.
func ParseResponseItem(data []byte) (ResponseItem, error) {
	type plain ResponseItem
	var it plain
	if err := json.Unmarshal(data, &it); err != nil {
		return ResponseItem{}, fmt.Errorf("parse response item: %w", err)
	}
	return parseResponseItemFields(ResponseItem(it), data)
}

func parseResponseItemFields(it ResponseItem, data []byte) (ResponseItem, error) {
	if it.Type == "" {
		return ResponseItem{}, fmt.Errorf("response item missing type")
	}
	switch it.Type {
	case ItemReasoning, ItemWebSearchCall:
		it.raw = append(json.RawMessage(nil), data...)
		if it.Type == ItemReasoning {
			var aux struct {
				Content []ReasoningContent `json:"content"`
			}
			_ = json.Unmarshal(data, &aux)
			it.ReasoningContent = aux.Content
		}
	}
	return it, nil
}

// WithoutID returns a copy with the provider-assigned item ID removed, for
// providers that reject inline IDs on store:false requests. Items carrying
// preserved raw bytes get the id scrubbed from those too; the rest of the
// payload (encrypted reasoning included) stays untouched.
func (it ResponseItem) WithoutID() ResponseItem {
	out := it
	out.ID = ""
	if len(out.raw) > 0 {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(out.raw, &m); err == nil {
			delete(m, "id")
			if scrubbed, err := json.Marshal(m); err == nil {
				out.raw = scrubbed
			}
		}
	}
	return out
}

// MarshalJSON re-emits preserved raw bytes when present so opaque payloads
// (encrypted reasoning, web-search actions) are never re-shaped.
func (it ResponseItem) MarshalJSON() ([]byte, error) {
	if len(it.raw) > 0 {
		return it.raw, nil
	}
	type plain ResponseItem
	return json.Marshal(plain(it))
}

// UnmarshalJSON routes through ParseResponseItem so raw preservation applies
// wherever items are decoded (rollout resume included).
func (it *ResponseItem) UnmarshalJSON(data []byte) error {
	parsed, err := ParseResponseItem(data)
	if err != nil {
		return err
	}
	*it = parsed
	return nil
}

// TokenUsage mirrors the provider's usage block from response.completed.
type TokenUsage struct {
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens"`
	TotalTokens           int64 `json:"total_tokens"`
}

// NonCachedInput returns input tokens that were not served from cache.
func (u TokenUsage) NonCachedInput() int64 {
	n := u.InputTokens - u.CachedInputTokens
	if n < 0 {
		return 0
	}
	return n
}

// Blended returns non-cached input plus output, the billing-relevant total.
func (u TokenUsage) Blended() int64 {
	return u.NonCachedInput() + u.OutputTokens
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.CachedInputTokens += other.CachedInputTokens
	u.OutputTokens += other.OutputTokens
	u.ReasoningOutputTokens += other.ReasoningOutputTokens
	u.TotalTokens += other.TotalTokens
}

// baselineContextTokens is the reservation assumed for the fixed prompt and
// tool definitions when computing remaining-context percentages.
const baselineContextTokens = 12_000

// TokenUsageInfo is the cumulative + last-turn accounting emitted with
// token_count events.
type TokenUsageInfo struct {
	Total              TokenUsage `json:"total_token_usage"`
	LastTurn           TokenUsage `json:"last_token_usage"`
	ModelContextWindow int64      `json:"model_context_window,omitempty"`
}

// PercentRemaining estimates how much of the context window is left, net of
// the baseline reservation.
func (i TokenUsageInfo) PercentRemaining() int {
	if i.ModelContextWindow <= baselineContextTokens {
		return 0
	}
	window := i.ModelContextWindow - baselineContextTokens
	used := i.LastTurn.TotalTokens - baselineContextTokens
	if used < 0 {
		used = 0
	}
	remaining := 100 - int(used*100/window)
	if remaining < 0 {
		return 0
	}
	if remaining > 100 {
		return 100
	}
	return remaining
}
