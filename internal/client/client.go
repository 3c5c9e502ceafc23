package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ya-luotao/codex/internal/auth"
	"github.com/ya-luotao/codex/internal/config"
)

// defaultMaxRetries bounds request attempts when the provider config does
// not say otherwise.
const defaultMaxRetries = 4

// originator identifies this client implementation to the backend.
const originator = "codex_cli_go"

// Client issues streaming requests for one conversation. The conversation ID
// doubles as the prompt-cache key and correlation header.
type Client struct {
	provider       config.ProviderConfig
	auth           *auth.Manager
	conversationID string
	httpClient     *http.Client
}

// New builds a client. auth may be nil for keyless providers.
func New(provider config.ProviderConfig, authMgr *auth.Manager, conversationID string) *Client {
	return &Client{
		provider:       provider,
		auth:           authMgr,
		conversationID: conversationID,
		httpClient:     &http.Client{}, // no overall timeout: the body is a long-lived stream
	}
}

// Stream sends the prompt and returns the event stream once the provider
// accepts the request. Retryable failures (401/429/5xx, transport errors)
// are retried here with backoff; permanent failures return typed errors.
func (c *Client) Stream(ctx context.Context, prompt *Prompt) (*ResponseStream, error) {
	body, err := c.buildRequestBody(prompt)
	if err != nil {
		return nil, fmt.Errorf("client: encode request: %w", err)
	}

	maxRetries := defaultMaxRetries
	if c.provider.RequestMaxRetries != nil {
		maxRetries = *c.provider.RequestMaxRetries
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, body)
		if err == nil {
			return newResponseStream(resp, c.provider.StreamIdleTimeout()), nil
		}

		retryable, delay := c.classify(ctx, err)
		if !retryable || attempt >= maxRetries {
			return nil, err
		}
		lastErr = err
		if delay == 0 {
			delay = backoff(attempt)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
	}
}

// attempt performs a single HTTP round trip, converting failure statuses
// into typed errors.
func (c *Client) attempt(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("OpenAI-Beta", "responses=experimental")
	req.Header.Set("conversation_id", c.conversationID)
	req.Header.Set("session_id", c.conversationID)
	req.Header.Set("originator", originator)
	req.Header.Set("User-Agent", userAgent())

	if c.auth != nil {
		if token, err := c.auth.GetToken(); err == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if c.auth.Mode() == auth.ModeChatGPT {
			if accountID := c.auth.GetAccountID(); accountID != "" {
				req.Header.Set("chatgpt-account-id", accountID)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return nil, c.statusError(resp, payload)
}

// transportError wraps DNS/connect/TLS failures; always retryable.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// retryableStatusError carries a retryable HTTP status plus any
// server-directed delay.
type retryableStatusError struct {
	status           int
	body             string
	retryAfter       time.Duration
	needsAuthRefresh bool
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("retryable status %d: %s", e.status, e.body)
}

// statusError maps a non-200 response to the right error kind per the retry
// policy: 401 refresh+retry, 429 parsed for permanent usage errors, 5xx
// retryable, other 4xx permanent with body attached.
func (c *Client) statusError(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))

	switch {
	case status == http.StatusUnauthorized:
		return &retryableStatusError{status: status, body: string(body), retryAfter: retryAfter, needsAuthRefresh: true}

	case status == http.StatusTooManyRequests:
		var parsed struct {
			Error struct {
				Type            string `json:"type"`
				PlanType        string `json:"plan_type"`
				ResetsInSeconds int64  `json:"resets_in_seconds"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil {
			switch parsed.Error.Type {
			case "usage_limit_reached":
				return &UsageLimitError{PlanType: parsed.Error.PlanType, ResetsInSeconds: parsed.Error.ResetsInSeconds}
			case "usage_not_included":
				return &UsageNotIncludedError{}
			}
		}
		return &retryableStatusError{status: status, body: string(body), retryAfter: retryAfter}

	case status >= 500:
		return &retryableStatusError{status: status, body: string(body), retryAfter: retryAfter}

	default:
		return &HTTPStatusError{Status: status, Body: string(body)}
	}
}

// classify decides retryability and delay for an attempt error, running the
// auth refresh for 401s.
func (c *Client) classify(ctx context.Context, err error) (retryable bool, delay time.Duration) {
	switch e := err.(type) {
	case *transportError:
		return true, 0
	case *retryableStatusError:
		if e.needsAuthRefresh && c.auth != nil {
			// Best effort: if the refresh fails the retry will 401 again and
			// exhaust the budget.
			_, _ = c.auth.RefreshToken(ctx)
		}
		return true, e.retryAfter
	}
	return false, 0
}

// backoff is exponential with jitter: 200ms, 400ms, 800ms ... capped at 10s.
func backoff(attempt int) time.Duration {
	d := 200 * time.Millisecond << uint(attempt)
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}

func parseRetryAfterHeader(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func userAgent() string {
	return "codex (engine; +https://github.com/ya-luotao/codex)"
}
