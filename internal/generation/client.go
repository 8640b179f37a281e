// Package generation implements ports.Generator: one model call normalized
// into text, token counts, latency and cost.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/autonomic-gateway/internal/backend/openai"
	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
	"github.com/tjfontaine/autonomic-gateway/internal/tokens"
)

// Backend sends chat completions. *openai.Client implements it.
type Backend interface {
	CreateChatCompletion(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
}

// Client implements ports.Generator.
type Client struct {
	backend      Backend
	pricing      *Pricing
	counter      *tokens.Counter
	defaultModel string
	maxRetries   int
	backoff      time.Duration
	logger       *slog.Logger
}

var _ ports.Generator = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithPricing sets the price table.
func WithPricing(p *Pricing) Option {
	return func(c *Client) { c.pricing = p }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.defaultModel = model
		}
	}
}

// WithRetry retries rate-limited and 5xx backend errors up to max times,
// doubling backoff each time.
func WithRetry(max int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = max
		c.backoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a generation client over backend.
func New(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend:      backend,
		pricing:      NewPricing(nil),
		counter:      tokens.NewCounter(),
		defaultModel: DefaultModel,
		maxRetries:   2,
		backoff:      500 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pricing returns the live price table.
func (c *Client) Pricing() *Pricing {
	return c.pricing
}

// Generate performs one model call. Every failure is returned as a
// generation error.
func (c *Client) Generate(ctx context.Context, req ports.GenerateRequest) (*ports.GenerationResult, error) {
	model := req.ModelID
	if model == "" {
		model = c.defaultModel
	}

	ctx, span := otel.Tracer("autonomic/generation").Start(ctx, "generation.generate")
	defer span.End()
	span.SetAttributes(attribute.String("gen_ai.request.model", model), attribute.Bool("json_mode", req.JSONMode))

	creq := &openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: req.MaxTokens,
	}
	if req.SystemPrompt != "" {
		creq.Messages = append(creq.Messages, openai.Message{Role: "system", Content: req.SystemPrompt})
	}
	creq.Messages = append(creq.Messages, openai.Message{Role: "user", Content: req.UserInput})
	if req.Temperature != nil {
		t := *req.Temperature
		creq.Temperature = &t
	}
	if req.JSONMode {
		creq.ResponseFormat = &openai.ResponseFormat{Type: "json_object"}
	}

	start := time.Now()
	resp, err := c.complete(ctx, creq)
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, domain.ErrGeneration(err)
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("model %s returned no choices", model)
		span.SetStatus(codes.Error, err.Error())
		return nil, domain.ErrGeneration(err)
	}

	text := resp.Text()
	in, out := 0, 0
	if resp.Usage != nil {
		in, out = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	if in == 0 {
		in = c.counter.CountPrompt(model, req.SystemPrompt, req.UserInput)
	}
	if out == 0 {
		out = c.counter.CountText(model, text)
	}
	if text != "" && out == 0 {
		out = 1
	}

	result := &ports.GenerationResult{
		Text:          text,
		Model:         model,
		InputTokens:   in,
		OutputTokens:  out,
		LatencyMs:     latency,
		EstimatedCost: c.pricing.Lookup(model).Cost(in, out),
	}

	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", in),
		attribute.Int("gen_ai.usage.output_tokens", out),
		attribute.Float64("cost_usd", result.EstimatedCost),
	)
	c.logger.Debug("generation complete",
		slog.String("model", model),
		slog.Int("input_tokens", in),
		slog.Int("output_tokens", out),
		slog.Float64("latency_ms", latency))

	return result, nil
}

func (c *Client) complete(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	backoff := c.backoff
	for attempt := 0; ; attempt++ {
		resp, err := c.backend.CreateChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}

		var apiErr *openai.APIError
		if attempt >= c.maxRetries || !errors.As(err, &apiErr) || !apiErr.Retryable() {
			return nil, err
		}

		c.logger.Warn("generation backend error, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("status", apiErr.StatusCode),
			slog.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
