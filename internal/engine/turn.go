package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ya-luotao/codex/internal/client"
	"github.com/ya-luotao/codex/internal/protocol"
	"github.com/ya-luotao/codex/internal/telemetry"
)

// defaultStreamMaxRetries caps whole-request retries after stream errors.
const defaultStreamMaxRetries = 5

// modelContextWindow is the advertised context size reported in
// task_started. Per-model tables live with the provider; this is the
// fallback.
const modelContextWindow = 272_000

// turnState accumulates per-turn bookkeeping shared by the handlers.
type turnState struct {
	subID string
	tc    TurnContext
	// baselines holds each touched file's content the first time a patch
	// batch touches it, for the aggregated turn diff.
	baselines map[string]fileBaseline
	// lastAgentMessage is the latest assistant text seen this turn.
	lastAgentMessage string
}

type fileBaseline struct {
	content string
	existed bool
}

// runTurn drives one turn: prepare, request, dispatch tools, follow-up until
// the model stops producing tool calls, then report completion.
func (s *Session) runTurn(ctx context.Context, handle *turnHandle, subID string, tc TurnContext, items []protocol.ResponseItem) {
	ts := &turnState{subID: subID, tc: tc, baselines: make(map[string]fileBaseline)}

	s.emit(subID, protocol.TaskStartedEvent{ModelContextWindow: modelContextWindow})
	s.prepareInput(ts, items)

	for {
		again, err := s.runSamplingRequest(ctx, ts)
		if err != nil {
			if ctx.Err() != nil {
				s.emit(subID, protocol.TurnAbortedEvent{Reason: handle.reason()})
				return
			}
			s.emit(subID, protocol.ErrorEvent{Message: err.Error()})
			s.emit(subID, protocol.TurnAbortedEvent{Reason: protocol.AbortReasonInterrupted})
			return
		}
		if ctx.Err() != nil {
			s.emit(subID, protocol.TurnAbortedEvent{Reason: handle.reason()})
			return
		}
		if !again {
			break
		}
	}

	usage := s.usage
	s.emit(subID, protocol.TokenCountEvent{Info: &usage})
	s.emit(subID, protocol.TaskCompleteEvent{LastAgentMessage: ts.lastAgentMessage})
}

// prepareInput injects the once-per-session user-instructions block, the
// environment context when it changed, and then the new user items.
func (s *Session) prepareInput(ts *turnState, items []protocol.ResponseItem) {
	var prefix []protocol.ResponseItem

	if !s.injectedUserInstructions {
		s.injectedUserInstructions = true
		if ui := s.sessionUserInstructions(ts.tc.Cwd); ui != "" {
			prefix = append(prefix, protocol.UserMessage(ui))
		}
	}

	envCtx := ts.tc.environmentContext()
	if envCtx != s.lastEnvContext {
		s.lastEnvContext = envCtx
		prefix = append(prefix, protocol.UserMessage(envCtx))
	}

	all := append(prefix, items...)
	s.history.Append(all...)
	if s.rollout != nil {
		s.rollout.RecordItems(all)
	}
	for _, item := range items {
		if text := item.MessageText(); text != "" {
			s.emit(ts.subID, protocol.UserMessageEvent{Message: text})
		}
	}
}

// runSamplingRequest performs one model request plus its tool dispatches.
// Returns true when a follow-up request is needed (tool outputs were
// produced).
func (s *Session) runSamplingRequest(ctx context.Context, ts *turnState) (followUp bool, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "codex.sampling_request",
		trace.WithAttributes(
			attribute.String("conversation.id", s.id),
			attribute.String("model", ts.tc.Model),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	prompt := &client.Prompt{
		Instructions: s.baseInstructions,
		Input:        s.history.Snapshot(),
		Tools:        s.toolSpecs(),
		Model:        ts.tc.Model,
		Effort:       ts.tc.Effort,
		Summary:      ts.tc.Summary,
	}

	maxStreamRetries := defaultStreamMaxRetries
	if n := s.cfg.Provider().StreamMaxRetries; n != nil {
		maxStreamRetries = *n
	}

	var toolCalls []protocol.ResponseItem
	completed := false

	for attempt := 0; ; attempt++ {
		stream, err := s.client.Stream(ctx, prompt)
		if err != nil {
			return false, err
		}

		toolCalls = toolCalls[:0]
		completed, err = s.consumeStream(ctx, ts, stream, &toolCalls)
		if completed {
			break
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		// Stream died before response.completed: transient, retry the whole
		// request up to the cap.
		var streamErr *client.StreamError
		if err != nil && errors.As(err, &streamErr) && attempt < maxStreamRetries {
			s.emit(ts.subID, protocol.StreamErrorEvent{Message: streamErr.Reason})
			delay := time.Second
			if streamErr.RetryAfter != nil {
				delay = *streamErr.RetryAfter
			}
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		if err == nil {
			err = errors.New("stream closed before response.completed")
		}
		return false, err
	}

	// Dispatch collected tool calls in arrival order. Every call gets
	// exactly one output item before the next request goes out.
	producedOutput := false
	for _, call := range toolCalls {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		output := s.dispatchToolCall(ctx, ts, call)
		s.history.Append(output)
		if s.rollout != nil {
			s.rollout.RecordItems([]protocol.ResponseItem{output})
		}
		producedOutput = true
	}

	return producedOutput, nil
}

// consumeStream forwards stream events, appends finished items to history,
// and collects tool calls for dispatch after the stream ends. Returns
// whether Completed was seen.
func (s *Session) consumeStream(ctx context.Context, ts *turnState, stream *client.ResponseStream, toolCalls *[]protocol.ResponseItem) (bool, error) {
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case ev, ok := <-stream.Events:
			if !ok {
				return false, stream.Err()
			}
			switch e := ev.(type) {
			case client.Created:

			case client.OutputTextDelta:
				s.emit(ts.subID, protocol.AgentMessageDeltaEvent{Delta: e.Delta})

			case client.ReasoningSummaryDelta:
				s.emit(ts.subID, protocol.AgentReasoningDeltaEvent{Delta: e.Delta})

			case client.ReasoningContentDelta:
				s.emit(ts.subID, protocol.AgentReasoningRawContentDeltaEvent{Delta: e.Delta})

			case client.ReasoningSummaryPartAdded:
				s.emit(ts.subID, protocol.AgentReasoningSectionBreakEvent{})

			case client.WebSearchCallBegin:
				s.emit(ts.subID, protocol.WebSearchBeginEvent{CallID: e.CallID})

			case client.OutputItemDone:
				s.recordOutputItem(ts, e.Item, toolCalls)

			case client.Completed:
				s.usage.LastTurn = e.TokenUsage
				s.usage.Total.Add(e.TokenUsage)
				s.usage.ModelContextWindow = modelContextWindow
				return true, nil
			}
		}
	}
}

// recordOutputItem appends a finished item to history and emits its
// corresponding event. The duplicate output array inside response.completed
// never reaches this path, so items are recorded exactly once.
func (s *Session) recordOutputItem(ts *turnState, item protocol.ResponseItem, toolCalls *[]protocol.ResponseItem) {
	s.history.Append(item)
	if s.rollout != nil {
		s.rollout.RecordItems([]protocol.ResponseItem{item})
	}

	switch item.Type {
	case protocol.ItemMessage:
		if item.Role == "assistant" {
			text := item.MessageText()
			ts.lastAgentMessage = text
			s.emit(ts.subID, protocol.AgentMessageEvent{Message: text})
		}

	case protocol.ItemReasoning:
		for _, sum := range item.Summary {
			s.emit(ts.subID, protocol.AgentReasoningEvent{Text: sum.Text})
		}
		for _, rc := range item.ReasoningContent {
			s.emit(ts.subID, protocol.AgentReasoningRawContentEvent{Text: rc.Text})
		}

	case protocol.ItemWebSearchCall:
		s.emit(ts.subID, protocol.WebSearchEndEvent{CallID: item.ToolCallID()})

	case protocol.ItemFunctionCall, protocol.ItemLocalShellCall, protocol.ItemCustomToolCall:
		*toolCalls = append(*toolCalls, item)
	}
}
