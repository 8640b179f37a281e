package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/autonomic-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/metrics"
	"github.com/tjfontaine/autonomic-gateway/internal/pipeline"
	"github.com/tjfontaine/autonomic-gateway/internal/seed"
	"github.com/tjfontaine/autonomic-gateway/internal/storage/memory"
	tu "github.com/tjfontaine/autonomic-gateway/internal/testutil"
)

type fixture struct {
	svc   *Service
	deps  *pipeline.Deps
	store *memory.Store
	bus   *direct.Bus
	gen   *tu.ScriptedGenerator

	mu     sync.Mutex
	audits []domain.AuditJob
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	require.NoError(t, seed.Default().Apply(ctx, store, now))

	bus := direct.New(direct.WithRedeliveryDelay(time.Millisecond))
	t.Cleanup(func() { _ = bus.Close() })

	f := &fixture{store: store, bus: bus, gen: tu.NewScriptedGenerator()}
	f.deps = &pipeline.Deps{
		Store:     store,
		Bus:       bus,
		Generator: f.gen,
		Metrics:   metrics.New(),
	}

	_, err := bus.Subscribe(ctx, pipeline.TopicAudit, func(_ context.Context, payload []byte) error {
		_, job, err := pipeline.Decode(payload)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.audits = append(f.audits, job.(domain.AuditJob))
		f.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	f.svc, err = New(f.deps, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) queuedAudits(t *testing.T) []domain.AuditJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.bus.Drain(ctx))
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AuditJob(nil), f.audits...)
}

func TestNew_RequiresGenerator(t *testing.T) {
	_, err := New(&pipeline.Deps{Store: memory.New(), Bus: direct.New()})
	assert.Error(t, err)
}

func TestHandleTurn_PersistsAndQueuesAudit(t *testing.T) {
	f := newFixture(t)
	f.gen.Push(tu.CallerAgent, tu.Response{Text: "Model Y is in stock! What's your email?", Cost: 0.001})

	resp, err := f.svc.HandleTurn(context.Background(), TurnRequest{
		ChatID:        "chat-1",
		AgentFamilyID: seed.DefaultFamily,
		UserMessage:   "Is Model Y available?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Model Y is in stock! What's your email?", resp.ReplyText)
	assert.Equal(t, "carsalesman101_v1", resp.ConfigID)
	assert.Equal(t, 1, resp.Version)
	assert.True(t, resp.AuditQueued)

	calls := f.gen.Calls(tu.CallerAgent)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].SystemPrompt, "Senior Sales Concierge")
	assert.Equal(t, "gemini-2.5-flash", calls[0].ModelID)
	assert.Equal(t, 800, calls[0].MaxTokens)
	require.NotNil(t, calls[0].Temperature)
	assert.Equal(t, 0.2, *calls[0].Temperature)

	chat, err := f.store.GetChat(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, chat.History, 2)
	assert.Equal(t, domain.RoleUser, chat.History[0].Role)
	assert.Equal(t, domain.RoleModel, chat.History[1].Role)
	require.NotNil(t, chat.History[1].Metrics)
	assert.Equal(t, 0.001, chat.History[1].Metrics.EstimatedCost)
	assert.Equal(t, seed.DefaultFamily, chat.Metadata.AgentFamilyID)

	audits := f.queuedAudits(t)
	require.Len(t, audits, 1)
	assert.Equal(t, domain.AuditJob{
		ChatID:       "chat-1",
		AgentID:      seed.DefaultFamily,
		AgentVersion: 1,
		UserInput:    "Is Model Y available?",
		BotResponse:  "Model Y is in stock! What's your email?",
	}, audits[0])
}

func TestHandleTurn_Validation(t *testing.T) {
	f := newFixture(t)
	tests := map[string]TurnRequest{
		"no chat":    {AgentFamilyID: "carsalesman101", UserMessage: "hi"},
		"no agent":   {ChatID: "c", UserMessage: "hi"},
		"no message": {ChatID: "c", AgentFamilyID: "carsalesman101", UserMessage: "  "},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.HandleTurn(context.Background(), req)
			assert.True(t, domain.IsKind(err, domain.ErrorKindInvalidRequest), "got %v", err)
		})
	}
	assert.Empty(t, f.gen.Calls(tu.CallerAgent))
}

func TestHandleTurn_UnknownFamily(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleTurn(context.Background(), TurnRequest{
		ChatID: "chat-2", AgentFamilyID: "nobody", UserMessage: "hello",
	})
	require.Error(t, err)
	assert.True(t, domain.IsResolution(err))
	wfErr, ok := domain.AsWorkflowError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ComponentGateway, wfErr.Component)

	assert.Empty(t, f.gen.Calls(tu.CallerAgent))
	assert.Empty(t, f.queuedAudits(t))
	_, err = f.store.GetChat(context.Background(), "chat-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHandleTurn_GenerationFailure(t *testing.T) {
	f := newFixture(t)
	f.gen.Push(tu.CallerAgent, tu.Fail(errors.New("upstream 503")))

	_, err := f.svc.HandleTurn(context.Background(), TurnRequest{
		ChatID: "chat-3", AgentFamilyID: seed.DefaultFamily, UserMessage: "hello",
	})
	require.Error(t, err)
	assert.True(t, domain.IsGeneration(err))

	assert.Empty(t, f.queuedAudits(t))
	_, err = f.store.GetChat(context.Background(), "chat-3")
	assert.ErrorIs(t, err, domain.ErrNotFound, "nothing is persisted when generation fails")

	events, err := f.store.ListWorkflowEvents(context.Background(), "chat-3")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.LevelError, events[len(events)-1].Level)
}

func TestHandleTurn_SuppressesAuditAfterFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := TurnRequest{ChatID: "chat-4", AgentFamilyID: seed.DefaultFamily, UserMessage: "Is Model Y available?"}

	_, err := f.svc.HandleTurn(ctx, req)
	require.NoError(t, err)
	require.Len(t, f.queuedAudits(t), 1)

	require.NoError(t, f.store.SetAuditResult(ctx, "chat-4", &domain.AuditResult{
		Verdict: domain.VerdictFail, Reason: "did not ask for email", Priority: domain.PriorityHigh,
	}))

	resp, err := f.svc.HandleTurn(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.AuditQueued)
	assert.Len(t, f.queuedAudits(t), 1, "second exchange must not be audited")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.deps.Metrics.AuditsSuppressed.WithLabelValues(seed.DefaultFamily)))

	require.NoError(t, f.store.SetAuditResult(ctx, "chat-4", &domain.AuditResult{Verdict: domain.VerdictPass}))
	resp, err = f.svc.HandleTurn(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.AuditQueued)
	assert.Len(t, f.queuedAudits(t), 2)
}

func TestHandleTurn_BudgetBreach(t *testing.T) {
	f := newFixture(t, WithBudgetBreach(0.01))
	f.gen.Push(tu.CallerAgent, tu.Response{Text: "pricey", Cost: 0.05})

	_, err := f.svc.HandleTurn(context.Background(), TurnRequest{
		ChatID: "chat-5", AgentFamilyID: seed.DefaultFamily, UserMessage: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.deps.Metrics.BudgetBreaches.WithLabelValues(seed.DefaultFamily)))

	events, err := f.store.ListWorkflowEvents(context.Background(), "chat-5")
	require.NoError(t, err)
	var warned bool
	for _, ev := range events {
		if ev.Level == domain.LevelWarning && ev.Component == domain.ComponentGateway {
			warned = true
		}
	}
	assert.True(t, warned, "budget breach should be recorded as a warning")
}

func TestHandleTurn_FollowsPointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1, err := f.store.GetAgent(ctx, "carsalesman101_v1")
	require.NoError(t, err)
	prompt := v1.Prompt.Clone()
	prompt.OperationalGuidelines = append(prompt.OperationalGuidelines, "PROTOCOL 2: Always ask for an email.")
	v2 := v1.WithPrompt(prompt, 2, "ask for email", time.Now())
	v2.DeploymentState = domain.DeploymentActive
	require.NoError(t, f.store.CreateAgent(ctx, v2))
	require.NoError(t, f.store.PromotePointer(ctx, &domain.VersionPointer{
		FamilyID: seed.DefaultFamily, ActiveConfigID: v2.ConfigID, CurrentVersion: 2,
	}, 0))

	resp, err := f.svc.HandleTurn(ctx, TurnRequest{ChatID: "chat-6", AgentFamilyID: seed.DefaultFamily, UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "carsalesman101_v2", resp.ConfigID)
	calls := f.gen.Calls(tu.CallerAgent)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].SystemPrompt, "PROTOCOL 2")
}
