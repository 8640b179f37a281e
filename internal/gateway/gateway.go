// Package gateway serves chat turns: it resolves the active config of an
// agent family, generates a reply, persists the exchange and queues it for
// audit.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
	"github.com/tjfontaine/autonomic-gateway/internal/pipeline"
	"github.com/tjfontaine/autonomic-gateway/internal/prompt"
)

// DefaultBudgetBreachUSD is the per-reply cost above which a breach is
// counted.
const DefaultBudgetBreachUSD = 0.10

// TurnRequest is one user message.
type TurnRequest struct {
	ChatID        string `json:"chat_id"`
	AgentFamilyID string `json:"agent_id"`
	UserMessage   string `json:"user_message"`
}

// TurnResponse is the reply and its cost.
type TurnResponse struct {
	ReplyText string  `json:"response"`
	ConfigID  string  `json:"config_id"`
	Version   int     `json:"version"`
	LatencyMs float64 `json:"latency_ms"`
	Cost      float64 `json:"cost"`
	// AuditQueued is false when the audit was suppressed or its publish
	// failed.
	AuditQueued bool `json:"audit_queued"`
}

// Service handles chat turns.
type Service struct {
	deps   *pipeline.Deps
	budget float64
}

// Option configures a Service.
type Option func(*Service)

// WithBudgetBreach sets the per-reply budget in USD.
func WithBudgetBreach(usd float64) Option {
	return func(s *Service) {
		if usd > 0 {
			s.budget = usd
		}
	}
}

// New creates a gateway service.
func New(deps *pipeline.Deps, opts ...Option) (*Service, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("gateway: generator required")
	}
	s := &Service{deps: deps, budget: DefaultBudgetBreachUSD}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleTurn serves one user message. Resolution and generation failures
// are returned as workflow errors; a failed audit publish is only logged.
func (s *Service) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("autonomic/gateway").Start(ctx, "gateway.handle_turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.id", req.ChatID),
		attribute.String("agent.family", req.AgentFamilyID),
	)

	resp, err := s.handleTurn(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.deps.Record(ctx, pipeline.Event(req.ChatID, domain.ComponentGateway, domain.LevelError, "turn failed: "+err.Error()))
		if wfErr, ok := domain.AsWorkflowError(err); ok {
			return nil, wfErr.WithComponent(domain.ComponentGateway)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("agent.version", resp.Version))
	return resp, nil
}

func (s *Service) handleTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	received := s.deps.Now()

	_, cfg, err := pipeline.ResolveActive(ctx, s.deps.Store, req.AgentFamilyID)
	if err != nil {
		return nil, err
	}

	result, err := s.deps.Generator.Generate(ctx, ports.GenerateRequest{
		UserInput:    req.UserMessage,
		SystemPrompt: prompt.System(cfg),
		ModelID:      cfg.Model.ModelID,
		Temperature:  cfg.Model.SamplingTemperature(),
		MaxTokens:    cfg.Model.MaxTokens,
	})
	if err != nil {
		if _, ok := domain.AsWorkflowError(err); !ok {
			err = domain.ErrGeneration(err)
		}
		return nil, err
	}

	replied := s.deps.Now()
	meta := domain.ChatMetadata{
		AgentFamilyID: cfg.AgentFamilyID,
		Version:       cfg.Version,
		LastActive:    replied,
	}
	err = s.deps.Store.AppendTurns(ctx, req.ChatID, meta,
		domain.Turn{Role: domain.RoleUser, Content: req.UserMessage, Timestamp: received},
		domain.Turn{Role: domain.RoleModel, Content: result.Text, Metrics: result.Metrics(), Timestamp: replied},
	)
	if err != nil {
		return nil, fmt.Errorf("append turns to chat %s: %w", req.ChatID, err)
	}

	s.recordMetrics(ctx, req, cfg, result)

	resp := &TurnResponse{
		ReplyText: result.Text,
		ConfigID:  cfg.ConfigID,
		Version:   cfg.Version,
		LatencyMs: result.LatencyMs,
		Cost:      result.EstimatedCost,
	}
	resp.AuditQueued = s.maybeAudit(ctx, req, cfg, result.Text)
	return resp, nil
}

// maybeAudit queues an audit unless the chat carries an unresolved FAIL.
func (s *Service) maybeAudit(ctx context.Context, req TurnRequest, cfg *domain.AgentConfig, reply string) bool {
	chat, err := s.deps.Store.GetChat(ctx, req.ChatID)
	if err != nil {
		s.deps.Log().Warn("could not read chat for audit gate, auditing",
			slog.String("chat_id", req.ChatID),
			slog.String("error", err.Error()))
		chat = nil
	}

	if !domain.ShouldAudit(chat) {
		s.deps.Metrics.RecordAuditSuppressed(cfg.AgentFamilyID)
		s.deps.Record(ctx, pipeline.Event(req.ChatID, domain.ComponentGateway, domain.LevelWarning,
			"audit skipped: previous audit failed, awaiting fix"))
		return false
	}

	job := domain.AuditJob{
		ChatID:       req.ChatID,
		AgentID:      cfg.AgentFamilyID,
		AgentVersion: cfg.Version,
		UserInput:    req.UserMessage,
		BotResponse:  reply,
	}
	if err := s.deps.Publish(ctx, job); err != nil {
		s.deps.Record(ctx, pipeline.Event(req.ChatID, domain.ComponentGateway, domain.LevelError,
			"audit publish failed: "+err.Error()))
		return false
	}
	s.deps.Record(ctx, pipeline.Event(req.ChatID, domain.ComponentGateway, domain.LevelInfo, "audit queued"))
	return true
}

func (s *Service) recordMetrics(ctx context.Context, req TurnRequest, cfg *domain.AgentConfig, result *ports.GenerationResult) {
	s.deps.Metrics.RecordReply(cfg.AgentFamilyID, cfg.Version, result.LatencyMs, result.EstimatedCost,
		result.InputTokens, result.OutputTokens)

	ev := pipeline.Event(req.ChatID, domain.ComponentGateway, domain.LevelSuccess,
		fmt.Sprintf("replied with %s in %.0fms", cfg.ConfigID, result.LatencyMs))
	ev.Metadata = map[string]string{
		"config_id":     cfg.ConfigID,
		"model":         result.Model,
		"input_tokens":  strconv.Itoa(result.InputTokens),
		"output_tokens": strconv.Itoa(result.OutputTokens),
		"cost_usd":      strconv.FormatFloat(result.EstimatedCost, 'f', 6, 64),
	}
	s.deps.Record(ctx, ev)

	if result.EstimatedCost > s.budget {
		s.deps.Metrics.RecordBudgetBreach(cfg.AgentFamilyID)
		s.deps.Record(ctx, pipeline.Event(req.ChatID, domain.ComponentGateway, domain.LevelWarning,
			fmt.Sprintf("reply cost $%.4f exceeds budget $%.2f", result.EstimatedCost, s.budget)))
	}
}

func validate(req TurnRequest) error {
	switch {
	case strings.TrimSpace(req.ChatID) == "":
		return domain.ErrInvalidRequest("chat_id is required")
	case strings.TrimSpace(req.AgentFamilyID) == "":
		return domain.ErrInvalidRequest("agent_id is required")
	case strings.TrimSpace(req.UserMessage) == "":
		return domain.ErrInvalidRequest("user_message is required")
	}
	return nil
}
