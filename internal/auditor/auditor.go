// Package auditor judges each gateway exchange against the agent's rules
// and escalates failures to the refiner.
package auditor

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
	"github.com/tjfontaine/autonomic-gateway/internal/pipeline"
	"github.com/tjfontaine/autonomic-gateway/internal/prompt"
)

// Auditor is the stage consuming audit jobs.
type Auditor struct {
	deps  *pipeline.Deps
	model string
}

var _ pipeline.Stage = (*Auditor)(nil)

// Option configures an Auditor.
type Option func(*Auditor)

// WithModel sets the judge model. By default the generator's default model
// judges.
func WithModel(model string) Option {
	return func(a *Auditor) { a.model = model }
}

// New creates an auditor.
func New(deps *pipeline.Deps, opts ...Option) (*Auditor, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	a := &Auditor{deps: deps}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Auditor) Component() domain.Component { return domain.ComponentAuditor }
func (a *Auditor) Topic() string               { return pipeline.TopicAudit }

// Handle audits one exchange. The verdict always overwrites the chat's
// audit result; a FAIL also queues a refine job at depth 0.
func (a *Auditor) Handle(ctx context.Context, job domain.Job) error {
	j, ok := job.(domain.AuditJob)
	if !ok {
		return pipeline.UnexpectedJob(a.Component(), job)
	}
	a.event(ctx, j.ChatID, domain.LevelInfo, "picked up audit job for "+j.AgentID)

	chat, err := pipeline.LoadChat(ctx, a.deps.Store, j.ChatID)
	if err != nil {
		return err
	}
	cfg, err := pipeline.ResolveAgent(ctx, a.deps.Store, j.AgentID)
	if err != nil {
		return err
	}
	if prev := chat.AuditResult; prev != nil {
		a.event(ctx, j.ChatID, domain.LevelWarning,
			fmt.Sprintf("previous audit found (%s: %s), overwriting", prev.Verdict, prev.Reason))
	}

	history := chat.Chronological()
	res, err := a.deps.Generate(ctx, a.Component(), ports.GenerateRequest{
		UserInput: prompt.Audit(prompt.AuditInput{
			History:     history,
			Resources:   cfg.Resources,
			Rules:       cfg.Rules,
			UserInput:   j.UserInput,
			BotResponse: j.BotResponse,
		}),
		SystemPrompt: prompt.AuditorSystem,
		ModelID:      a.model,
		JSONMode:     true,
	})
	if err != nil {
		return err
	}

	judgement := a.judge(ctx, j.ChatID, res.Text)
	result := &domain.AuditResult{
		Verdict:   judgement.Verdict,
		Reason:    judgement.Reason,
		Priority:  judgement.Priority,
		Timestamp: a.deps.Now(),
	}
	if err := a.deps.Store.SetAuditResult(ctx, j.ChatID, result); err != nil {
		return fmt.Errorf("save audit result for chat %s: %w", j.ChatID, err)
	}
	a.deps.Metrics.RecordAudit(cfg.AgentFamilyID, string(result.Verdict), string(result.Priority))

	verdictMsg := fmt.Sprintf("verdict %s, priority %s: %s", result.Verdict, result.Priority, result.Reason)
	if judgement.Passed() {
		a.event(ctx, j.ChatID, domain.LevelSuccess, verdictMsg)
		return nil
	}
	a.event(ctx, j.ChatID, domain.LevelWarning, verdictMsg)

	refine := domain.RefineJob{
		ChatID:          j.ChatID,
		AgentID:         cfg.AgentFamilyID,
		FailureReason:   result.Reason,
		RefinementDepth: 0,
		OriginalInput:   j.UserInput,
		BadResponse:     j.BotResponse,
		FullHistory:     history,
		Priority:        result.Priority,
	}
	if err := a.deps.Publish(ctx, refine); err != nil {
		return err
	}
	t := domain.Transition{From: domain.StateAuditedFail, To: domain.StateRefining, Depth: 0, Reason: result.Reason}
	a.deps.Record(ctx, pipeline.Transition(j.ChatID, a.Component(), t, "escalated to refiner"))
	return nil
}

// judge parses the judge answer. Output that does not parse fails closed.
func (a *Auditor) judge(ctx context.Context, chatID, text string) *prompt.Judgement {
	judgement, err := prompt.ParseJudgement(text)
	if err == nil {
		return judgement
	}
	a.event(ctx, chatID, domain.LevelError,
		fmt.Sprintf("unparseable judge output (%v): %s", err, flatten(text, 300)))
	return &prompt.Judgement{
		Verdict:  domain.VerdictFail,
		Reason:   "audit judge output could not be parsed: " + err.Error(),
		Priority: domain.PriorityHigh,
	}
}

func (a *Auditor) event(ctx context.Context, chatID string, level domain.EventLevel, msg string) {
	a.deps.Record(ctx, pipeline.Event(chatID, a.Component(), level, msg))
}

// flatten puts text on one line and truncates it to n bytes.
func flatten(text string, n int) string {
	s := strings.Join(strings.Fields(text), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
