// Package llm provides the Genkit-backed language-model capability:
// prompt-template completion and streaming generation, wrapped in retry,
// circuit breaking, and proactive rate limiting.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/pipeline"
)

// Sentinel errors for model operations.
var (
	// ErrPromptNotFound means the named Dotprompt is not registered.
	ErrPromptNotFound = errors.New("prompt not found")
)

// Config contains all required parameters for the client.
type Config struct {
	Genkit    *genkit.Genkit
	ModelName string // provider-qualified, e.g. "googleai/gemini-2.5-flash"
	Logger    *slog.Logger

	// Resilience settings; zero values use defaults.
	Retry       RetryConfig
	Circuit     CircuitConfig
	RateLimiter *rate.Limiter // nil = default limiter
}

// Client is the LLM capability implementation. All configuration is
// captured immutably at construction so concurrent runs share it safely.
type Client struct {
	g         *genkit.Genkit
	modelName string
	logger    *slog.Logger

	retry   RetryConfig
	breaker *CircuitBreaker
	limiter *rate.Limiter
}

var _ pipeline.LLM = (*Client)(nil)

// New creates a client. Genkit must be initialized with a provider plugin.
func New(cfg Config) (*Client, error) {
	if cfg.Genkit == nil {
		return nil, errors.New("genkit instance is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}
	circuit := cfg.Circuit
	if circuit.FailureThreshold == 0 {
		circuit = DefaultCircuitConfig()
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		// 10 req/s sustained, burst of 30.
		limiter = rate.NewLimiter(10, 30)
	}

	return &Client{
		g:         cfg.Genkit,
		modelName: cfg.ModelName,
		logger:    logger,
		retry:     retry,
		breaker:   NewCircuitBreaker(circuit),
		limiter:   limiter,
	}, nil
}

// Complete renders the named prompt template with vars and returns the
// model's text.
func (c *Client) Complete(ctx context.Context, promptName string, vars map[string]any) (string, error) {
	prompt := genkit.LookupPrompt(c.g, promptName)
	if prompt == nil {
		return "", fmt.Errorf("%w: %s", ErrPromptNotFound, promptName)
	}

	opts := []ai.PromptExecuteOption{ai.WithInput(vars)}
	if c.modelName != "" {
		opts = append(opts, ai.WithModelName(c.modelName))
	}

	resp, err := c.generate(ctx, func(ctx context.Context) (*ai.ModelResponse, error) {
		return prompt.Execute(ctx, opts...)
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Stream generates from a message sequence and forwards each text delta to
// fn. The full text is returned once the stream finishes. Streaming calls
// are not retried: deltas already sent cannot be unsent, so a mid-stream
// failure surfaces to the caller.
func (c *Client) Stream(ctx context.Context, msgs []event.Message, fn pipeline.StreamFunc) (string, error) {
	if err := c.breaker.Allow(); err != nil {
		return "", fmt.Errorf("service unavailable: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	opts := []ai.GenerateOption{
		ai.WithMessages(toGenkitMessages(msgs)...),
		ai.WithStreaming(func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
			return fn(cbCtx, chunk.Text())
		}),
	}
	if c.modelName != "" {
		opts = append(opts, ai.WithModelName(c.modelName))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		c.breaker.Failure()
		return "", fmt.Errorf("generating: %w", err)
	}
	c.breaker.Success()
	return resp.Text(), nil
}

// generate runs one non-streaming model call through the breaker, limiter,
// and retry loop.
func (c *Client) generate(ctx context.Context, call func(context.Context) (*ai.ModelResponse, error)) (*ai.ModelResponse, error) {
	if err := c.breaker.Allow(); err != nil {
		c.logger.Warn("circuit breaker open, rejecting request", "state", c.breaker.State().String())
		return nil, fmt.Errorf("service unavailable: %w", err)
	}

	resp, err := c.executeWithRetry(ctx, call)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	c.breaker.Success()
	return resp, nil
}

// toGenkitMessages converts wire-neutral messages to Genkit's types.
func toGenkitMessages(msgs []event.Message) []*ai.Message {
	out := make([]*ai.Message, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "assistant", "model":
			out = append(out, ai.NewModelMessage(ai.NewTextPart(m.Text)))
		case "system":
			out = append(out, ai.NewSystemTextMessage(m.Text))
		default:
			out = append(out, ai.NewUserMessage(ai.NewTextPart(m.Text)))
		}
	}
	return out
}
