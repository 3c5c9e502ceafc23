// Package engine owns per-conversation state and drives turns: it consumes
// submissions, invokes the model client, routes tool calls through the
// approval gate to the executors, and emits events.
package engine

import (
	"github.com/ya-luotao/codex/internal/protocol"
)

// History is the conversation's ordered response-item sequence. Append-only
// within a turn; compaction replaces the items wholesale between turns. All
// mutation happens on the turn-engine goroutine.
type History struct {
	items []protocol.ResponseItem
}

// NewHistory builds a history pre-seeded with resumed items.
func NewHistory(items []protocol.ResponseItem) *History {
	return &History{items: append([]protocol.ResponseItem(nil), items...)}
}

// Append adds items in order.
func (h *History) Append(items ...protocol.ResponseItem) {
	h.items = append(h.items, items...)
}

// Snapshot copies the current items.
func (h *History) Snapshot() []protocol.ResponseItem {
	return append([]protocol.ResponseItem(nil), h.items...)
}

// Len reports the item count.
func (h *History) Len() int { return len(h.items) }

// ReplaceWithSummary implements compaction: the whole sequence becomes one
// assistant summary message.
func (h *History) ReplaceWithSummary(summary string) {
	h.items = []protocol.ResponseItem{protocol.AssistantMessage(summary)}
}

// UnansweredToolCalls lists tool-call items that have no matching output yet.
func (h *History) UnansweredToolCalls() []protocol.ResponseItem {
	answered := make(map[string]bool)
	for _, item := range h.items {
		switch item.Type {
		case protocol.ItemFunctionCallOutput, protocol.ItemCustomToolCallOutput:
			answered[item.CallID] = true
		}
	}
	var open []protocol.ResponseItem
	for _, item := range h.items {
		if item.IsToolCall() && !answered[item.ToolCallID()] {
			open = append(open, item)
		}
	}
	return open
}

// LastAgentMessage returns the text of the most recent assistant message.
func (h *History) LastAgentMessage() string {
	for i := len(h.items) - 1; i >= 0; i-- {
		item := h.items[i]
		if item.Type == protocol.ItemMessage && item.Role == "assistant" {
			return item.MessageText()
		}
	}
	return ""
}
