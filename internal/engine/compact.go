package engine

import (
	"context"
	"fmt"

	"github.com/ya-luotao/codex/internal/client"
	"github.com/ya-luotao/codex/internal/protocol"
)

// compactionPrompt asks the model to distill the conversation so far.
const compactionPrompt = `Summarize the conversation so far for your own future reference. Capture the user's goals, decisions made, files touched, commands run with their outcomes, and any unresolved problems. Be dense and factual; the summary replaces the full history.`

// startCompact runs history compaction as its own turn-like task: one model
// request whose final message replaces the history prefix.
func (s *Session) startCompact(subID string) {
	if s.activeTurn != nil {
		s.emit(subID, protocol.ErrorEvent{Message: "cannot compact while a turn is active"})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &turnHandle{cancel: cancel, done: make(chan struct{})}
	s.activeTurn = handle
	model := s.turnContext.Model

	go func() {
		defer close(handle.done)
		s.runCompact(ctx, subID, model)
	}()
}

func (s *Session) runCompact(ctx context.Context, subID, model string) {
	s.emit(subID, protocol.TaskStartedEvent{ModelContextWindow: modelContextWindow})

	input := s.history.Snapshot()
	input = append(input, protocol.UserMessage(compactionPrompt))

	prompt := &client.Prompt{
		Instructions: s.baseInstructions,
		Input:        input,
		Model:        model,
	}

	summary, err := s.collectFinalMessage(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			s.emit(subID, protocol.TurnAbortedEvent{Reason: protocol.AbortReasonInterrupted})
			return
		}
		s.emit(subID, protocol.ErrorEvent{Message: fmt.Sprintf("compaction failed: %v", err)})
		return
	}

	s.history.ReplaceWithSummary(summary)
	// The instruction blocks were dropped with the prefix; re-inject on the
	// next turn.
	s.injectedUserInstructions = false
	s.lastEnvContext = ""
	if s.rollout != nil {
		s.rollout.RecordCompacted(summary)
	}

	usage := s.usage
	s.emit(subID, protocol.TokenCountEvent{Info: &usage})
	s.emit(subID, protocol.TaskCompleteEvent{LastAgentMessage: summary})
}

// collectFinalMessage runs one request and returns the last assistant
// message, ignoring tool calls (none are offered).
func (s *Session) collectFinalMessage(ctx context.Context, prompt *client.Prompt) (string, error) {
	stream, err := s.client.Stream(ctx, prompt)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var last string
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-stream.Events:
			if !ok {
				if err := stream.Err(); err != nil {
					return "", err
				}
				return last, nil
			}
			switch e := ev.(type) {
			case client.OutputItemDone:
				if e.Item.Type == protocol.ItemMessage && e.Item.Role == "assistant" {
					last = e.Item.MessageText()
				}
			case client.Completed:
				s.usage.LastTurn = e.TokenUsage
				s.usage.Total.Add(e.TokenUsage)
				return last, nil
			}
		}
	}
}
