package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/ya-luotao/codex/internal/protocol"
)

// ResponseStream delivers decoded events on Events. The channel closes after
// Completed or an error; Err reports how the stream ended.
type ResponseStream struct {
	Events <-chan ResponseEvent

	resp   *http.Response
	done   chan struct{}
	mu     sync.Mutex
	err    error
	closed bool
}

// newResponseStream starts the reader goroutine with an idle watchdog: if no
// SSE event arrives within idleTimeout, the connection is torn down and the
// stream fails.
func newResponseStream(resp *http.Response, idleTimeout time.Duration) *ResponseStream {
	events := make(chan ResponseEvent, 16)
	s := &ResponseStream{Events: events, resp: resp, done: make(chan struct{})}

	// The watchdog closes the response body, which wakes the decoder.
	idle := time.AfterFunc(idleTimeout, func() {
		s.fail(&StreamError{Reason: fmt.Sprintf("no response from the model in %s; dropping stream", idleTimeout)})
	})

	go func() {
		defer close(events)
		defer idle.Stop()
		defer resp.Body.Close()

		decoder := ssestream.NewDecoder(resp)
		var completed *Completed
		var failure error

		for decoder.Next() {
			idle.Reset(idleTimeout)
			event, done, err := parseSSEEvent(decoder.Event())
			if err != nil {
				failure = err
				break
			}
			if done != nil {
				completed = done
				continue
			}
			if event != nil {
				select {
				case events <- event:
				case <-s.done:
					return
				}
			}
		}

		s.mu.Lock()
		alreadyFailed := s.err != nil
		s.mu.Unlock()

		switch {
		case alreadyFailed:
			// Watchdog or Close already decided the outcome.
		case failure != nil:
			s.fail(failure)
		case completed != nil:
			select {
			case events <- *completed:
			case <-s.done:
			}
		case decoder.Err() != nil:
			s.fail(&StreamError{Reason: fmt.Sprintf("stream disconnected: %v", decoder.Err())})
		default:
			s.fail(&StreamError{Reason: "stream closed before response.completed"})
		}
	}()

	return s
}

// Err reports the stream's terminal error, nil after a clean Completed.
func (s *ResponseStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close drops the stream; the reader goroutine unblocks and exits.
func (s *ResponseStream) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		s.resp.Body.Close()
	}
	s.mu.Unlock()
}

func (s *ResponseStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	if !s.closed {
		s.closed = true
		close(s.done)
		s.resp.Body.Close()
	}
	s.mu.Unlock()
}

// sseEnvelope covers the fields used across the event kinds we consume.
type sseEnvelope struct {
	Delta    string          `json:"delta"`
	Item     json.RawMessage `json:"item"`
	Response struct {
		ID    string `json:"id"`
		Usage *struct {
			InputTokens        int64 `json:"input_tokens"`
			InputTokensDetails *struct {
				CachedTokens int64 `json:"cached_tokens"`
			} `json:"input_tokens_details"`
			OutputTokens        int64 `json:"output_tokens"`
			OutputTokensDetails *struct {
				ReasoningTokens int64 `json:"reasoning_tokens"`
			} `json:"output_tokens_details"`
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

// parseSSEEvent maps one wire event to a ResponseEvent. response.completed
// is returned separately so the reader can hold it until the stream ends —
// its duplicated output array is ignored by design, the streamed
// output_item.done events already populated history.
func parseSSEEvent(event ssestream.Event) (ResponseEvent, *Completed, error) {
	var env sseEnvelope
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &env); err != nil {
			return nil, nil, &StreamError{Reason: fmt.Sprintf("malformed SSE event %q: %v", event.Type, err)}
		}
	}

	switch event.Type {
	case "response.created":
		return Created{}, nil, nil

	case "response.output_item.added":
		item, err := protocol.ParseResponseItem(env.Item)
		if err != nil {
			return nil, nil, nil // tolerate unknown added items; done is authoritative
		}
		if item.Type == protocol.ItemWebSearchCall {
			return WebSearchCallBegin{CallID: item.ToolCallID()}, nil, nil
		}
		return nil, nil, nil

	case "response.output_item.done":
		item, err := protocol.ParseResponseItem(env.Item)
		if err != nil {
			return nil, nil, &StreamError{Reason: fmt.Sprintf("malformed output item: %v", err)}
		}
		return OutputItemDone{Item: item}, nil, nil

	case "response.output_text.delta":
		return OutputTextDelta{Delta: env.Delta}, nil, nil

	case "response.reasoning_summary_text.delta":
		return ReasoningSummaryDelta{Delta: env.Delta}, nil, nil

	case "response.reasoning_text.delta":
		return ReasoningContentDelta{Delta: env.Delta}, nil, nil

	case "response.reasoning_summary_part.added":
		return ReasoningSummaryPartAdded{}, nil, nil

	case "response.failed":
		serr := &StreamError{Reason: "response failed"}
		if env.Response.Error != nil {
			serr.Reason = env.Response.Error.Message
			if env.Response.Error.Code == "rate_limit_exceeded" {
				serr.RetryAfter = parseRetryAfter(env.Response.Error.Message)
			}
		}
		return nil, nil, serr

	case "response.completed":
		completed := &Completed{ResponseID: env.Response.ID}
		if u := env.Response.Usage; u != nil {
			completed.TokenUsage = protocol.TokenUsage{
				InputTokens:  u.InputTokens,
				OutputTokens: u.OutputTokens,
				TotalTokens:  u.TotalTokens,
			}
			if u.InputTokensDetails != nil {
				completed.TokenUsage.CachedInputTokens = u.InputTokensDetails.CachedTokens
			}
			if u.OutputTokensDetails != nil {
				completed.TokenUsage.ReasoningOutputTokens = u.OutputTokensDetails.ReasoningTokens
			}
		}
		return nil, completed, nil
	}

	// Unhandled event kinds are skipped.
	return nil, nil, nil
}
