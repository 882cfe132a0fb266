// Package llm talks to the chat completion APIs used by the generation
// stages. OpenAI-compatible endpoints and Anthropic are supported behind the
// Completer interface.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/research-orchestrator/internal/observability"
)

// Request is a single-turn completion request.
type Request struct {
	// Operation names the caller for metrics and logs, e.g. "ideas".
	Operation string
	System    string
	Prompt    string
	MaxTokens int
	// JSON asks the provider for a JSON object response.
	JSON bool
}

// Response is the text of a completion and its token usage.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Completer produces completions.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Provider() string
	Model() string
}

// CompleteJSON runs req in JSON mode and decodes the answer into dst.
// Markdown code fences around the JSON are tolerated.
func CompleteJSON(ctx context.Context, c Completer, req Request, dst any) error {
	req.JSON = true
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), dst); err != nil {
		return fmt.Errorf("%s: decoding %s response: %w", c.Provider(), req.Operation, err)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Instrumented wraps a Completer with metrics and debug logging.
type Instrumented struct {
	next    Completer
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewInstrumented wraps next. metrics may be nil.
func NewInstrumented(next Completer, metrics *observability.Metrics, logger zerolog.Logger) *Instrumented {
	return &Instrumented{next: next, metrics: metrics, logger: logger.With().Str("component", "llm").Logger()}
}

func (i *Instrumented) Provider() string { return i.next.Provider() }
func (i *Instrumented) Model() string    { return i.next.Model() }

// Complete implements Completer.
func (i *Instrumented) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := i.next.Complete(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		i.metrics.RecordLLMRequestFailed(req.Operation, i.next.Model(), errorType(err))
		i.logger.Warn().Err(err).Str("operation", req.Operation).Dur("elapsed", elapsed).Msg("completion failed")
		return nil, err
	}

	i.metrics.RecordLLMRequest(req.Operation, resp.Model, elapsed.Seconds(), resp.InputTokens, resp.OutputTokens)
	i.logger.Debug().
		Str("operation", req.Operation).
		Str("model", resp.Model).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Dur("elapsed", elapsed).
		Msg("completion finished")
	return resp, nil
}

// retry runs call until it succeeds, fails permanently or maxRetries
// retries were spent. The delay doubles after each attempt.
func retry(ctx context.Context, provider string, maxRetries int, delay time.Duration, call func() (*Response, error)) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay << (attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%s: context done during retry wait: %w", provider, ctx.Err())
			case <-timer.C:
			}
		}

		resp, err := call()
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%s: exhausted %d retries: %w", provider, maxRetries, lastErr)
}
