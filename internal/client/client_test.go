package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ya-luotao/codex/internal/config"
	"github.com/ya-luotao/codex/internal/protocol"
)

func testProvider(url string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:                "test",
		BaseURL:             url,
		WireAPI:             "responses",
		StreamIdleTimeoutMs: 2000,
	}
}

func sseBody(events ...[2]string) string {
	out := ""
	for _, ev := range events {
		out += "event: " + ev[0] + "\n"
		out += "data: " + ev[1] + "\n\n"
	}
	return out
}

func serveSSE(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(handler))
}

func drain(t *testing.T, stream *ResponseStream) []ResponseEvent {
	t.Helper()
	var events []ResponseEvent
	for ev := range stream.Events {
		events = append(events, ev)
	}
	return events
}

func TestStreamHappyPath(t *testing.T) {
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "responses=experimental", r.Header.Get("OpenAI-Beta"))
		assert.Equal(t, "conv-1", r.Header.Get("conversation_id"))
		assert.Equal(t, "conv-1", r.Header.Get("session_id"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["parallel_tool_calls"])
		assert.Equal(t, "auto", body["tool_choice"])
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, "conv-1", body["prompt_cache_key"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			[2]string{"response.created", `{}`},
			[2]string{"response.output_text.delta", `{"delta":"Hi"}`},
			[2]string{"response.output_item.done", `{"item":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Hi"}]}}`},
			[2]string{"response.completed", `{"response":{"id":"r1","usage":{"input_tokens":10,"input_tokens_details":{"cached_tokens":4},"output_tokens":3,"total_tokens":13}}}`},
		))
	})
	defer server.Close()

	c := New(testProvider(server.URL), nil, "conv-1")
	stream, err := c.Stream(context.Background(), &Prompt{Model: "gpt-test", Input: []protocol.ResponseItem{protocol.UserMessage("hello")}})
	require.NoError(t, err)

	events := drain(t, stream)
	require.NoError(t, stream.Err())
	require.Len(t, events, 4)

	assert.IsType(t, Created{}, events[0])
	assert.Equal(t, OutputTextDelta{Delta: "Hi"}, events[1])

	done, ok := events[2].(OutputItemDone)
	require.True(t, ok)
	assert.Equal(t, "Hi", done.Item.MessageText())

	completed, ok := events[3].(Completed)
	require.True(t, ok)
	assert.Equal(t, "r1", completed.ResponseID)
	assert.Equal(t, int64(10), completed.TokenUsage.InputTokens)
	assert.Equal(t, int64(4), completed.TokenUsage.CachedInputTokens)
	assert.Equal(t, int64(13), completed.TokenUsage.TotalTokens)
}

func TestUsageLimitReachedIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"usage_limit_reached","plan_type":"pro","resets_in_seconds":3600}}`)
	})
	defer server.Close()

	c := New(testProvider(server.URL), nil, "conv-1")
	_, err := c.Stream(context.Background(), &Prompt{Model: "gpt-test"})
	require.Error(t, err)

	var limitErr *UsageLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "pro", limitErr.PlanType)
	assert.Equal(t, int64(3600), limitErr.ResetsInSeconds)
	assert.Equal(t, int32(1), calls.Load(), "permanent 429 must not be retried")
}

func TestGeneric429IsRetried(t *testing.T) {
	var calls atomic.Int32
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"type":"rate_limit_exceeded"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody([2]string{"response.completed", `{"response":{"id":"r2"}}`}))
	})
	defer server.Close()

	c := New(testProvider(server.URL), nil, "conv-1")
	stream, err := c.Stream(context.Background(), &Prompt{Model: "gpt-test"})
	require.NoError(t, err)
	events := drain(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, "r2", events[0].(Completed).ResponseID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNonRetryable400FailsWithBody(t *testing.T) {
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad input"}}`)
	})
	defer server.Close()

	c := New(testProvider(server.URL), nil, "conv-1")
	_, err := c.Stream(context.Background(), &Prompt{Model: "gpt-test"})
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Status)
	assert.Contains(t, statusErr.Body, "bad input")
}

func TestStreamClosedBeforeCompleted(t *testing.T) {
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody([2]string{"response.output_text.delta", `{"delta":"partial"}`}))
	})
	defer server.Close()

	c := New(testProvider(server.URL), nil, "conv-1")
	stream, err := c.Stream(context.Background(), &Prompt{Model: "gpt-test"})
	require.NoError(t, err)
	drain(t, stream)

	var streamErr *StreamError
	require.ErrorAs(t, stream.Err(), &streamErr)
	assert.Contains(t, streamErr.Reason, "response.completed")
}

func TestResponseFailedCarriesRetryAfter(t *testing.T) {
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody([2]string{"response.failed", `{"response":{"error":{"code":"rate_limit_exceeded","message":"Rate limit reached. Please try again in 1.5s."}}}`}))
	})
	defer server.Close()

	c := New(testProvider(server.URL), nil, "conv-1")
	stream, err := c.Stream(context.Background(), &Prompt{Model: "gpt-test"})
	require.NoError(t, err)
	drain(t, stream)

	var streamErr *StreamError
	require.ErrorAs(t, stream.Err(), &streamErr)
	require.NotNil(t, streamErr.RetryAfter)
	assert.Equal(t, 1500*time.Millisecond, *streamErr.RetryAfter)
}

func TestIdleTimeoutDropsStream(t *testing.T) {
	release := make(chan struct{})
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	})
	defer server.Close()
	defer close(release)

	provider := testProvider(server.URL)
	provider.StreamIdleTimeoutMs = 50

	c := New(provider, nil, "conv-1")
	stream, err := c.Stream(context.Background(), &Prompt{Model: "gpt-test"})
	require.NoError(t, err)
	drain(t, stream)

	var streamErr *StreamError
	require.ErrorAs(t, stream.Err(), &streamErr)
	assert.Contains(t, streamErr.Reason, "no response")
}

func TestNonAzureProviderStripsAllInlineItemIDs(t *testing.T) {
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Store bool              `json:"store"`
			Input []json.RawMessage `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.False(t, body.Store)
		require.Len(t, body.Input, 4)
		for _, raw := range body.Input {
			var fields map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(raw, &fields))
			assert.NotContains(t, fields, "id", "store:false input must not carry inline item IDs: %s", raw)
		}
		// The opaque reasoning payload survives the scrub.
		assert.Contains(t, string(body.Input[2]), "gAAAAAB-opaque")

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody([2]string{"response.completed", `{"response":{"id":"r4"}}`}))
	})
	defer server.Close()

	message, err := protocol.ParseResponseItem([]byte(`{"type":"message","id":"msg_1","role":"assistant","content":[{"type":"output_text","text":"Hi"}]}`))
	require.NoError(t, err)
	call, err := protocol.ParseResponseItem([]byte(`{"type":"function_call","id":"fc_1","name":"shell","arguments":"{}","call_id":"call_1"}`))
	require.NoError(t, err)
	reasoning, err := protocol.ParseResponseItem([]byte(`{"type":"reasoning","id":"rs_1","summary":[],"encrypted_content":"gAAAAAB-opaque"}`))
	require.NoError(t, err)

	c := New(testProvider(server.URL), nil, "conv-1")
	stream, err := c.Stream(context.Background(), &Prompt{
		Model: "gpt-test",
		Input: []protocol.ResponseItem{protocol.UserMessage("hello"), message, reasoning, call},
	})
	require.NoError(t, err)
	drain(t, stream)
	require.NoError(t, stream.Err())
}

func TestAzureProviderSetsStoreAndQueryParams(t *testing.T) {
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2025-04-01", r.URL.Query().Get("api-version"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["store"])
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody([2]string{"response.completed", `{"response":{"id":"r3"}}`}))
	})
	defer server.Close()

	provider := testProvider(server.URL)
	provider.QueryParams = map[string]string{"api-version": "2025-04-01"}

	c := New(provider, nil, "conv-1")
	stream, err := c.Stream(context.Background(), &Prompt{Model: "gpt-test"})
	require.NoError(t, err)
	events := drain(t, stream)
	require.Len(t, events, 1)
}
