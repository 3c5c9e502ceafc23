// Package client issues streaming requests to the configured model provider,
// parses the SSE response into typed events, and applies retry with backoff
// plus server-directed delays.
package client

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// UsageLimitError is a permanent 429: the account's plan ran out.
type UsageLimitError struct {
	PlanType       string
	ResetsInSeconds int64
}

func (e *UsageLimitError) Error() string {
	if e.ResetsInSeconds > 0 {
		return fmt.Sprintf("usage limit reached (plan %s, resets in %ds)", e.PlanType, e.ResetsInSeconds)
	}
	return fmt.Sprintf("usage limit reached (plan %s)", e.PlanType)
}

// UsageNotIncludedError is a permanent 429: the plan does not cover the API.
type UsageNotIncludedError struct{}

func (e *UsageNotIncludedError) Error() string {
	return "account plan does not include API usage"
}

// HTTPStatusError is a non-retryable HTTP failure with the body attached.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// StreamError is a transient stream failure (malformed SSE, idle timeout,
// close before response.completed). The turn engine may retry the request.
type StreamError struct {
	Reason string
	// RetryAfter carries a server-suggested delay when one was parsed from
	// the failure message.
	RetryAfter *time.Duration
}

func (e *StreamError) Error() string { return e.Reason }

// retryAfterPattern matches the "Please try again in 1.898s" / "in 28ms"
// suffix of provider rate-limit messages.
var retryAfterPattern = regexp.MustCompile(`(?i)try again in (\d+(?:\.\d+)?)(s|ms)`)

// parseRetryAfter extracts the suggested delay from a rate-limit message.
// Returns nil when the message carries none.
func parseRetryAfter(message string) *time.Duration {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return nil
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	var d time.Duration
	switch m[2] {
	case "s":
		d = time.Duration(value * float64(time.Second))
	case "ms":
		d = time.Duration(value * float64(time.Millisecond))
	}
	return &d
}
