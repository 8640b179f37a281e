package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/autonomic-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/metrics"
	"github.com/tjfontaine/autonomic-gateway/internal/storage/memory"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		kind domain.JobKind
		want string
	}{
		{domain.JobKindAudit, TopicAudit},
		{domain.JobKindRefine, TopicRefine},
		{domain.JobKindEvaluate, TopicEvaluate},
		{domain.JobKindFeedback, TopicFeedback},
	}
	for _, tt := range tests {
		got, err := TopicFor(tt.kind)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := TopicFor("bogus")
	assert.Error(t, err)
}

func TestEnvelope_RefineJobKeepsHistory(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	job := domain.RefineJob{
		ChatID:          "chat-1",
		AgentID:         "carsalesman101_v2",
		FailureReason:   "Performance Check Failed: still no email",
		RefinementDepth: 1,
		FullHistory: []domain.Turn{
			{Role: domain.RoleUser, Content: "Is Model Y available?", Timestamp: now},
		},
		Priority: domain.PriorityHigh,
	}

	data, err := Encode("job-1", job, now)
	require.NoError(t, err)

	env, decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "job-1", env.ID)
	assert.Equal(t, domain.JobKindRefine, env.Kind)
	assert.Equal(t, now, env.CreatedAt)

	got, ok := decoded.(domain.RefineJob)
	require.True(t, ok, "decoded %T", decoded)
	assert.Equal(t, job, got)
}

func TestDecode_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":      "{",
		"unknown kind":  `{"kind":"promote","payload":{"chat_id":"c"}}`,
		"empty payload": `{"kind":"audit"}`,
		"bad payload":   `{"kind":"audit","payload":{"agent_version":"two"}}`,
		"no chat id":    `{"kind":"evaluate","payload":{"target_agent_id":"x_v2"}}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode([]byte(data))
			assert.ErrorIs(t, err, ErrMalformedJob)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"success", nil, OutcomeAck},
		{"malformed", fmt.Errorf("wrap: %w", ErrMalformedJob), OutcomeDrop},
		{"resolution", domain.ErrResolution("no pointer", domain.ErrNotFound), OutcomeDrop},
		{"structured output", domain.ErrStructuredOutput("bad json", nil), OutcomeDrop},
		{"depth exceeded", domain.ErrDepthExceeded(2), OutcomeDrop},
		{"generation", domain.ErrGeneration(errors.New("503")), OutcomeRetry},
		{"wrapped generation", fmt.Errorf("gate 1: %w", domain.ErrGeneration(errors.New("503"))), OutcomeRetry},
		{"store outage", errors.New("database is locked"), OutcomeRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

type recordingStage struct {
	mu     sync.Mutex
	jobs   []domain.Job
	calls  int
	result func(call int) error
}

func (s *recordingStage) Component() domain.Component { return domain.ComponentAuditor }
func (s *recordingStage) Topic() string               { return TopicAudit }

func (s *recordingStage) Handle(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.jobs = append(s.jobs, job)
	if s.result != nil {
		return s.result(s.calls)
	}
	return nil
}

func newTestDeps(t *testing.T) (*Deps, *direct.Bus, *memory.Store) {
	t.Helper()
	bus := direct.New(direct.WithRedeliveryDelay(time.Millisecond), direct.WithMaxDeliver(3))
	t.Cleanup(func() { _ = bus.Close() })
	store := memory.New()
	return &Deps{Store: store, Bus: bus, Metrics: metrics.New()}, bus, store
}

func drainBus(t *testing.T, bus *direct.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.Drain(ctx))
}

func TestRunner_DeliversJobs(t *testing.T) {
	deps, bus, _ := newTestDeps(t)
	stage := &recordingStage{}
	runner := NewRunner(deps, stage)
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	job := domain.AuditJob{ChatID: "chat-1", AgentID: "carsalesman101", AgentVersion: 1, UserInput: "hi", BotResponse: "hello"}
	require.NoError(t, deps.Publish(context.Background(), job))
	drainBus(t, bus)

	stage.mu.Lock()
	defer stage.mu.Unlock()
	require.Len(t, stage.jobs, 1)
	assert.Equal(t, job, stage.jobs[0])
}

func TestRunner_TerminalErrorIsAckedAndRecorded(t *testing.T) {
	deps, bus, store := newTestDeps(t)
	stage := &recordingStage{result: func(int) error {
		return domain.ErrStructuredOutput("rewrite is not valid JSON", nil)
	}}
	runner := NewRunner(deps, stage)
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	require.NoError(t, deps.Publish(context.Background(), domain.AuditJob{ChatID: "chat-2"}))
	drainBus(t, bus)

	assert.Equal(t, 1, stage.calls, "terminal errors must not be redelivered")
	events, err := store.ListWorkflowEvents(context.Background(), "chat-2")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.LevelError, events[0].Level)
	assert.Contains(t, events[0].Message, "rewrite is not valid JSON")
}

func TestRunner_TransientErrorIsRedelivered(t *testing.T) {
	deps, bus, _ := newTestDeps(t)
	stage := &recordingStage{result: func(call int) error {
		if call == 1 {
			return domain.ErrGeneration(errors.New("429"))
		}
		return nil
	}}
	runner := NewRunner(deps, stage)
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	require.NoError(t, deps.Publish(context.Background(), domain.AuditJob{ChatID: "chat-3"}))
	drainBus(t, bus)

	assert.Equal(t, 2, stage.calls)
}

func TestRunner_MalformedPayloadIsDropped(t *testing.T) {
	deps, bus, _ := newTestDeps(t)
	stage := &recordingStage{}
	runner := NewRunner(deps, stage)
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	require.NoError(t, bus.Publish(context.Background(), TopicAudit, []byte("garbage")))
	drainBus(t, bus)

	assert.Zero(t, stage.calls)
}

func TestEventAlerter(t *testing.T) {
	deps, _, store := newTestDeps(t)

	alert := &domain.Alert{
		Kind:            domain.AlertOptimizationFailed,
		ChatID:          "chat-4",
		AgentFamilyID:   "carsalesman101",
		AgentID:         "carsalesman101_v3",
		Depth:           2,
		AuditReason:     "did not ask for email",
		EvaluatorReason: "Performance Check Failed: still no email",
	}
	require.NoError(t, deps.RaiseAlert(context.Background(), alert))

	events, err := store.ListWorkflowEvents(context.Background(), "chat-4")
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, domain.LevelCritical, ev.Level)
	assert.Equal(t, domain.StateTerminalFailed, ev.State)
	assert.Equal(t, "did not ask for email", ev.Metadata["audit_reason"])
	assert.Equal(t, "Performance Check Failed: still no email", ev.Metadata["evaluator_reason"])
	assert.NotEmpty(t, alert.ID)
}
