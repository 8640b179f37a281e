// Package evaluator verifies refined candidates and promotes the ones that
// fix the failure without breaking the family's rules.
//
// A candidate passes two gates in order. Gate 1 replays the chat's last user
// message against the candidate and asks a judge whether the reply fixes the
// failure that triggered refinement. Gate 2 asks a judge whether the
// candidate's prompt contradicts any immutable compliance rule. A candidate
// that passes both becomes the family's active config; a failure either
// sends the candidate back to the refiner or, at the depth bound, raises an
// alert.
package evaluator

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

// Gate names used in metrics and failure reasons.
const (
	GatePerformance = "performance"
	GateCompliance  = "compliance"
)

const unknownAuditReason = "unknown audit failure"

// Evaluator is the stage consuming evaluate jobs.
type Evaluator struct {
	deps  *pipeline.Deps
	model string
}

var _ pipeline.Stage = (*Evaluator)(nil)

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithModel sets the judge model. Replays always use the candidate's own
// model settings.
func WithModel(model string) Option {
	return func(e *Evaluator) { e.model = model }
}

// New creates an evaluator.
func New(deps *pipeline.Deps, opts ...Option) (*Evaluator, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	e := &Evaluator{deps: deps}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Evaluator) Component() domain.Component { return domain.ComponentEvaluator }
func (e *Evaluator) Topic() string               { return pipeline.TopicEvaluate }

// evaluation is the context one job is judged in.
type evaluation struct {
	job         domain.EvaluateJob
	candidate   *domain.AgentConfig
	userInput   string
	auditReason string
}

// Handle runs both gates and acts on the outcome.
func (e *Evaluator) Handle(ctx context.Context, job domain.Job) error {
	j, ok := job.(domain.EvaluateJob)
	if !ok {
		return pipeline.UnexpectedJob(e.Component(), job)
	}
	e.event(ctx, j.ChatID, domain.LevelInfo, "evaluating candidate "+j.TargetAgentID)

	ev, err := e.load(ctx, j)
	if err != nil {
		return err
	}

	ptr, err := e.deps.Store.GetPointer(ctx, ev.candidate.AgentFamilyID)
	if err == nil {
		if ptr.ActiveConfigID == ev.candidate.ConfigID {
			return e.finishPromotion(ctx, ev, nil)
		}
		if why := superseded(ev.candidate, ptr); why != "" {
			e.event(ctx, j.ChatID, domain.LevelWarning, "skipping "+ev.candidate.ConfigID+": "+why)
			return nil
		}
	}

	passed, reason, err := e.performanceGate(ctx, ev)
	if err != nil {
		return err
	}
	if !passed {
		return e.HandleFailure(ctx, j, reason, ev.auditReason)
	}
	e.event(ctx, j.ChatID, domain.LevelInfo, "gate 1 passed: the candidate fixed the reported issue")

	passed, reason, err = e.complianceGate(ctx, ev)
	if err != nil {
		return err
	}
	if !passed {
		return e.HandleFailure(ctx, j, reason, ev.auditReason)
	}
	e.event(ctx, j.ChatID, domain.LevelInfo, "gate 2 passed: no rule violations")

	return e.promote(ctx, ev)
}

func (e *Evaluator) load(ctx context.Context, j domain.EvaluateJob) (*evaluation, error) {
	chat, err := pipeline.LoadChat(ctx, e.deps.Store, j.ChatID)
	if err != nil {
		return nil, err
	}
	input := chat.LastUserInput()
	if input == "" {
		return nil, domain.ErrResolution(fmt.Sprintf("chat %q has no user input to replay", j.ChatID), nil)
	}
	candidate, err := pipeline.ResolveAgent(ctx, e.deps.Store, j.TargetAgentID)
	if err != nil {
		return nil, err
	}
	auditReason := unknownAuditReason
	if chat.AuditResult != nil && chat.AuditResult.Reason != "" {
		auditReason = chat.AuditResult.Reason
	}
	return &evaluation{job: j, candidate: candidate, userInput: input, auditReason: auditReason}, nil
}

// performanceGate replays the user input against the candidate and judges
// the reply against the trigger reason.
func (e *Evaluator) performanceGate(ctx context.Context, ev *evaluation) (bool, string, error) {
	e.event(ctx, ev.job.ChatID, domain.LevelInfo, "replaying conversation with "+ev.candidate.ConfigID)
	replay, err := e.deps.Generate(ctx, e.Component(), ports.GenerateRequest{
		UserInput:    ev.userInput,
		SystemPrompt: prompt.System(ev.candidate),
		ModelID:      ev.candidate.Model.ModelID,
		Temperature:  ev.candidate.Model.SamplingTemperature(),
		MaxTokens:    ev.candidate.Model.MaxTokens,
	})
	if err != nil {
		return false, "", err
	}
	e.event(ctx, ev.job.ChatID, domain.LevelInfo, "candidate replied: "+replay.Text)

	return e.judge(ctx, GatePerformance, "Performance Check Failed: ", ports.GenerateRequest{
		UserInput:    prompt.Performance(ev.job.TriggerReason, ev.userInput, replay.Text),
		SystemPrompt: prompt.PerformanceSystem,
	})
}

// complianceGate judges the candidate's prompt against the immutable rules.
func (e *Evaluator) complianceGate(ctx context.Context, ev *evaluation) (bool, string, error) {
	text, err := prompt.Compliance(ev.candidate.Rules.ComplianceRules, ev.candidate.Prompt)
	if err != nil {
		return false, "", domain.ErrStructuredOutput("render compliance request", err)
	}
	return e.judge(ctx, GateCompliance, "Compliance Check Failed: ", ports.GenerateRequest{
		UserInput:    text,
		SystemPrompt: prompt.ComplianceSystem,
	})
}

// judge runs one judge call. A judge answer that does not parse counts as a
// failed gate. Only generation errors are returned.
func (e *Evaluator) judge(ctx context.Context, gate, prefix string, req ports.GenerateRequest) (bool, string, error) {
	req.ModelID = e.model
	req.JSONMode = true
	res, err := e.deps.Generate(ctx, e.Component(), req)
	if err != nil {
		return false, "", err
	}

	judgement, err := prompt.ParseJudgement(res.Text)
	if err != nil {
		e.deps.Metrics.RecordEvaluation(gate, "unparseable")
		return false, prefix + "judge output could not be parsed: " + err.Error(), nil
	}
	e.deps.Metrics.RecordEvaluation(gate, string(judgement.Verdict))
	if judgement.Passed() {
		return true, "", nil
	}
	return false, prefix + judgement.Reason, nil
}

// superseded explains why candidate can no longer be promoted over ptr, or
// returns "" when it still can.
func superseded(candidate *domain.AgentConfig, ptr *domain.VersionPointer) string {
	switch {
	case candidate.DeploymentState == domain.DeploymentArchived:
		return "candidate is archived"
	case candidate.Version <= ptr.CurrentVersion:
		return fmt.Sprintf("%s (v%d) is already live", ptr.ActiveConfigID, ptr.CurrentVersion)
	}
	return ""
}

// promote moves the family's pointer to the candidate. The pointer write is
// the switch-over; deployment states follow it. The write only lands if the
// pointer still holds the version read here.
func (e *Evaluator) promote(ctx context.Context, ev *evaluation) error {
	c := ev.candidate
	e.event(ctx, ev.job.ChatID, domain.LevelSuccess, "promoting "+c.ConfigID+" to live")

	prev, err := e.deps.Store.GetPointer(ctx, c.AgentFamilyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrResolution(fmt.Sprintf("no version pointer for agent family %q", c.AgentFamilyID), err)
		}
		return fmt.Errorf("read pointer %s: %w", c.AgentFamilyID, err)
	}

	if why := superseded(c, prev); why != "" {
		return domain.ErrStale(fmt.Sprintf("cannot promote %s: %s", c.ConfigID, why), nil).WithComponent(e.Component())
	}

	next := &domain.VersionPointer{
		FamilyID:       c.AgentFamilyID,
		ActiveConfigID: c.ConfigID,
		CurrentVersion: c.Version,
		Reason:         "Auto-fixed: " + ev.job.TriggerReason,
		LastUpdated:    e.deps.Now(),
	}
	if err := e.deps.Store.PromotePointer(ctx, next, prev.CurrentVersion); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.ErrStale(fmt.Sprintf("pointer of %s moved while promoting %s", c.AgentFamilyID, c.ConfigID), err).
				WithComponent(e.Component())
		}
		return fmt.Errorf("promote %s: %w", c.ConfigID, err)
	}
	return e.finishPromotion(ctx, ev, prev)
}

// finishPromotion marks the candidate ACTIVE and archives every other ACTIVE
// version of the family. It is also the redelivery path once the pointer
// already names the candidate, in which case prev is nil.
func (e *Evaluator) finishPromotion(ctx context.Context, ev *evaluation, prev *domain.VersionPointer) error {
	c := ev.candidate
	if c.DeploymentState != domain.DeploymentActive {
		if err := e.deps.Store.SetDeploymentState(ctx, c.ConfigID, domain.DeploymentActive); err != nil {
			return fmt.Errorf("activate %s: %w", c.ConfigID, err)
		}
	}
	if err := e.archiveOthers(ctx, ev); err != nil {
		return err
	}
	if prev == nil {
		e.event(ctx, ev.job.ChatID, domain.LevelInfo, c.ConfigID+" is already active")
		return nil
	}

	e.deps.Metrics.RecordPromotion(c.AgentFamilyID, c.Version)
	t := domain.NextAfterEvaluation(ev.job.RefinementDepth, true)
	t.Reason = ev.job.TriggerReason
	promoted := pipeline.Transition(ev.job.ChatID, e.Component(), t,
		fmt.Sprintf("%s is live for %s", c.ConfigID, c.AgentFamilyID))
	if promoted.Metadata == nil {
		promoted.Metadata = make(map[string]string, 2)
	}
	promoted.Metadata["previous_config_id"] = prev.ActiveConfigID
	promoted.Metadata["config_id"] = c.ConfigID
	e.deps.Record(ctx, promoted)
	return nil
}

// archiveOthers archives the family's ACTIVE versions other than the
// candidate.
func (e *Evaluator) archiveOthers(ctx context.Context, ev *evaluation) error {
	c := ev.candidate
	versions, err := e.deps.Store.ListAgentVersions(ctx, c.AgentFamilyID)
	if err != nil {
		return fmt.Errorf("list versions of %s: %w", c.AgentFamilyID, err)
	}
	for _, v := range versions {
		if v.ConfigID == c.ConfigID || v.DeploymentState != domain.DeploymentActive {
			continue
		}
		if err := e.deps.Store.SetDeploymentState(ctx, v.ConfigID, domain.DeploymentArchived); err != nil {
			return fmt.Errorf("archive %s: %w", v.ConfigID, err)
		}
		e.deps.Log().Info("archived previous config",
			slog.String("chat_id", ev.job.ChatID),
			slog.String("config_id", v.ConfigID))
	}
	return nil
}

// HandleFailure decides what follows a rejected candidate. Below the depth
// bound the candidate goes back to the refiner with reason as the new
// failure; at the bound an alert carrying both auditReason and reason is
// raised and nothing is published.
func (e *Evaluator) HandleFailure(ctx context.Context, j domain.EvaluateJob, reason, auditReason string) error {
	e.event(ctx, j.ChatID, domain.LevelWarning, "candidate rejected: "+reason)

	t := domain.NextAfterEvaluation(j.RefinementDepth, false)
	t.Reason = reason

	if t.To == domain.StateRefining {
		retry := domain.RefineJob{
			ChatID:          j.ChatID,
			AgentID:         j.TargetAgentID,
			FailureReason:   reason,
			RefinementDepth: t.Depth,
		}
		if err := e.deps.Publish(ctx, retry); err != nil {
			return err
		}
		e.deps.Record(ctx, pipeline.Transition(j.ChatID, e.Component(), t, "sent back to refiner"))
		return nil
	}

	e.deps.Record(ctx, pipeline.Transition(j.ChatID, e.Component(), t,
		fmt.Sprintf("optimization failed for %s after %d attempts, manual fix required", j.TargetAgentID, j.RefinementDepth+1)))
	family := j.OriginalAgentID
	if family == "" {
		family = domain.FamilyFromConfigID(j.TargetAgentID)
	}
	alert := &domain.Alert{
		Kind:            domain.AlertOptimizationFailed,
		ChatID:          j.ChatID,
		AgentFamilyID:   family,
		AgentID:         j.TargetAgentID,
		Depth:           j.RefinementDepth,
		AuditReason:     auditReason,
		EvaluatorReason: reason,
	}
	if err := e.deps.RaiseAlert(ctx, alert); err != nil {
		e.deps.Log().Error("failed to raise alert",
			slog.String("chat_id", j.ChatID),
			slog.String("error", err.Error()))
	}
	return nil
}

func (e *Evaluator) event(ctx context.Context, chatID string, level domain.EventLevel, msg string) {
	e.deps.Record(ctx, pipeline.Event(chatID, e.Component(), level, msg))
}
