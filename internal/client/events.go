package client

import (
	"github.com/ya-luotao/codex/internal/protocol"
)

// ResponseEvent is one typed event decoded from the provider's SSE stream.
type ResponseEvent interface {
	responseEvent()
}

// Created corresponds to response.created.
type Created struct{}

// OutputItemDone carries one finished response item.
type OutputItemDone struct {
	Item protocol.ResponseItem
}

// OutputTextDelta is an incremental assistant-text chunk.
type OutputTextDelta struct {
	Delta string
}

// ReasoningSummaryDelta is an incremental reasoning-summary chunk.
type ReasoningSummaryDelta struct {
	Delta string
}

// ReasoningContentDelta is an incremental raw-reasoning chunk.
type ReasoningContentDelta struct {
	Delta string
}

// ReasoningSummaryPartAdded separates reasoning summary sections.
type ReasoningSummaryPartAdded struct{}

// WebSearchCallBegin fires when the provider starts a web search.
type WebSearchCallBegin struct {
	CallID string
}

// Completed ends a successful stream.
type Completed struct {
	ResponseID string
	TokenUsage protocol.TokenUsage
}

func (Created) responseEvent()                   {}
func (OutputItemDone) responseEvent()            {}
func (OutputTextDelta) responseEvent()           {}
func (ReasoningSummaryDelta) responseEvent()     {}
func (ReasoningContentDelta) responseEvent()     {}
func (ReasoningSummaryPartAdded) responseEvent() {}
func (WebSearchCallBegin) responseEvent()        {}
func (Completed) responseEvent()                 {}
