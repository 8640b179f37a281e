package ports

import (
	"context"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// MessageHandler processes one delivery. Returning nil acknowledges the
// message; returning an error asks the bus to redeliver it.
type MessageHandler func(ctx context.Context, payload []byte) error

// Subscription is an active consumer.
type Subscription interface {
	Stop() error
}

// EventBus is the at-least-once transport between stages.
// Implementations: NATS JetStream, in-process direct.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	Close() error
}

// GenerateRequest is one model call.
type GenerateRequest struct {
	UserInput    string
	SystemPrompt string
	ModelID      string
	// Temperature is nil to leave the model's default in place.
	Temperature *float64
	MaxTokens   int
	// JSONMode asks the model for a JSON object response.
	JSONMode bool
}

// GenerationResult is the normalized output of a model call.
type GenerationResult struct {
	Text          string
	Model         string
	InputTokens   int
	OutputTokens  int
	LatencyMs     float64
	EstimatedCost float64
}

// Metrics converts the result into the metrics attached to a model turn.
func (r *GenerationResult) Metrics() *domain.GenerationMetrics {
	return &domain.GenerationMetrics{
		Model:         r.Model,
		LatencyMs:     r.LatencyMs,
		InputTokens:   r.InputTokens,
		OutputTokens:  r.OutputTokens,
		TotalTokens:   r.InputTokens + r.OutputTokens,
		EstimatedCost: r.EstimatedCost,
	}
}

// Generator calls the language model.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerationResult, error)
}

// Alerter surfaces terminal failures to humans.
type Alerter interface {
	Alert(ctx context.Context, alert *domain.Alert) error
}
