package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
)

// RetryConfig configures the retry behavior for model calls.
type RetryConfig struct {
	MaxRetries      int           // maximum retry attempts
	InitialInterval time.Duration // initial backoff interval
	MaxInterval     time.Duration // backoff ceiling
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryableError determines whether an error should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()

	// Rate limits and quota errors.
	if containsAny(errStr, "rate limit", "quota exceeded", "429") {
		return true
	}
	// Transient server errors.
	if containsAny(errStr, "500", "502", "503", "504", "unavailable") {
		return true
	}
	// Network errors.
	if containsAny(errStr, "connection reset", "timeout", "temporary") {
		return true
	}
	return false
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// executeWithRetry runs call with exponential backoff. Each attempt waits
// on the rate limiter first so retries cannot stampede the provider.
func (c *Client) executeWithRetry(ctx context.Context, call func(context.Context) (*ai.ModelResponse, error)) (*ai.ModelResponse, error) {
	var lastErr error
	delay := c.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := call(ctx)
		if err == nil {
			c.logger.Debug("model call succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return resp, nil
		}
		lastErr = err

		if !retryableError(err) || attempt == c.retry.MaxRetries {
			break
		}

		c.logger.Debug("retrying model call",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.retry.MaxInterval {
			delay = c.retry.MaxInterval
		}
	}

	return nil, fmt.Errorf("model call failed after %s: %w", time.Since(start), lastErr)
}
