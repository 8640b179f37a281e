// Package refiner rewrites the mutable prompt of a failing agent config into
// a new TEST_CANDIDATE version and hands it to the evaluator.
package refiner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
	"github.com/tjfontaine/autonomic-gateway/internal/pipeline"
	"github.com/tjfontaine/autonomic-gateway/internal/prompt"
)

// maxAllocAttempts bounds version allocation when concurrent refiners race
// for the same number.
const maxAllocAttempts = 3

// Refiner is the stage consuming refine jobs.
type Refiner struct {
	deps  *pipeline.Deps
	model string
}

var _ pipeline.Stage = (*Refiner)(nil)

// Option configures a Refiner.
type Option func(*Refiner)

// WithModel sets the rewrite model.
func WithModel(model string) Option {
	return func(r *Refiner) { r.model = model }
}

// New creates a refiner.
func New(deps *pipeline.Deps, opts ...Option) (*Refiner, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	r := &Refiner{deps: deps}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Refiner) Component() domain.Component { return domain.ComponentRefiner }
func (r *Refiner) Topic() string               { return pipeline.TopicRefine }

// Handle produces one candidate for the job. At or past the depth bound it
// only raises a loop alert. A rewrite that does not parse aborts the job
// without creating anything.
func (r *Refiner) Handle(ctx context.Context, job domain.Job) error {
	j, ok := job.(domain.RefineJob)
	if !ok {
		return pipeline.UnexpectedJob(r.Component(), job)
	}
	if !domain.CanRefine(j.RefinementDepth) {
		return r.stopLoop(ctx, j)
	}

	r.event(ctx, j.ChatID, domain.LevelInfo,
		fmt.Sprintf("starting refinement of %s at depth %d: %s", j.AgentID, j.RefinementDepth, j.FailureReason))

	current, err := pipeline.ResolveAgent(ctx, r.deps.Store, j.AgentID)
	if err != nil {
		return err
	}

	rewritePrompt, err := prompt.Refine(j.FailureReason, current.Prompt)
	if err != nil {
		return domain.ErrStructuredOutput("render rewrite request", err)
	}
	res, err := r.deps.Generate(ctx, r.Component(), ports.GenerateRequest{
		UserInput:    rewritePrompt,
		SystemPrompt: prompt.RefinerSystem,
		ModelID:      r.model,
		JSONMode:     true,
	})
	if err != nil {
		return err
	}

	spec, err := prompt.ParseRewrite(res.Text, current.Prompt)
	if err != nil {
		return err
	}

	candidate, err := r.createCandidate(ctx, current, spec, j.FailureReason)
	if err != nil {
		return err
	}
	r.deps.Metrics.RecordRefinement(candidate.AgentFamilyID, j.RefinementDepth)
	r.event(ctx, j.ChatID, domain.LevelInfo, "saved candidate "+candidate.ConfigID)

	eval := domain.EvaluateJob{
		ChatID:          j.ChatID,
		TargetAgentID:   candidate.ConfigID,
		OriginalAgentID: candidate.AgentFamilyID,
		TriggerReason:   j.FailureReason,
		RefinementDepth: j.RefinementDepth,
		Version:         candidate.Version,
	}
	if err := r.deps.Publish(ctx, eval); err != nil {
		return err
	}
	t := domain.Transition{From: domain.StateRefining, To: domain.StateEvaluating, Depth: j.RefinementDepth, Reason: j.FailureReason}
	r.deps.Record(ctx, pipeline.Transition(j.ChatID, r.Component(), t,
		fmt.Sprintf("refinement complete, %s sent to evaluator", candidate.ConfigID)))
	return nil
}

// createCandidate persists spec as the family's next version. The version is
// one past the highest stored version so a retry from an older candidate
// never collides with a newer one.
func (r *Refiner) createCandidate(ctx context.Context, current *domain.AgentConfig, spec domain.PromptSpec, reason string) (*domain.AgentConfig, error) {
	family := current.AgentFamilyID
	for attempt := 1; ; attempt++ {
		maxVersion, err := r.deps.Store.MaxVersion(ctx, family)
		if err != nil {
			return nil, fmt.Errorf("read max version of %s: %w", family, err)
		}
		candidate := current.WithPrompt(spec, maxVersion+1, "Refinement fix for: "+reason, r.deps.Now())
		err = r.deps.Store.CreateAgent(ctx, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, domain.ErrAlreadyExists) || attempt >= maxAllocAttempts {
			return nil, fmt.Errorf("create candidate %s: %w", candidate.ConfigID, err)
		}
		r.deps.Log().Warn("candidate version taken, retrying",
			slog.String("config_id", candidate.ConfigID),
			slog.Int("attempt", attempt))
	}
}

// stopLoop raises the loop alert for a job at or past the depth bound.
func (r *Refiner) stopLoop(ctx context.Context, j domain.RefineJob) error {
	alert := &domain.Alert{
		Kind:            domain.AlertLoopDetected,
		ChatID:          j.ChatID,
		AgentFamilyID:   domain.FamilyFromConfigID(j.AgentID),
		AgentID:         j.AgentID,
		Depth:           j.RefinementDepth,
		AuditReason:     r.auditReason(ctx, j.ChatID),
		EvaluatorReason: j.FailureReason,
	}
	t := domain.Transition{From: domain.StateRefining, To: domain.StateTerminalFailed, Depth: j.RefinementDepth, Reason: j.FailureReason}
	r.deps.Record(ctx, pipeline.Transition(j.ChatID, r.Component(), t,
		fmt.Sprintf("refinement loop detected: %s failed optimization %d times", j.AgentID, j.RefinementDepth)))
	if err := r.deps.RaiseAlert(ctx, alert); err != nil {
		r.deps.Log().Error("failed to raise alert",
			slog.String("chat_id", j.ChatID),
			slog.String("error", err.Error()))
	}
	return domain.ErrDepthExceeded(j.RefinementDepth)
}

// auditReason returns the reason of the chat's last audit, if any.
func (r *Refiner) auditReason(ctx context.Context, chatID string) string {
	chat, err := r.deps.Store.GetChat(ctx, chatID)
	if err != nil || chat.AuditResult == nil {
		return "unknown audit failure"
	}
	return chat.AuditResult.Reason
}

func (r *Refiner) event(ctx context.Context, chatID string, level domain.EventLevel, msg string) {
	r.deps.Record(ctx, pipeline.Event(chatID, r.Component(), level, msg))
}
