// Package pipelinetest wires stages to in-memory collaborators for tests.
package pipelinetest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/autonomic-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/metrics"
	"github.com/tjfontaine/autonomic-gateway/internal/pipeline"
	"github.com/tjfontaine/autonomic-gateway/internal/seed"
	"github.com/tjfontaine/autonomic-gateway/internal/storage/memory"
	"github.com/tjfontaine/autonomic-gateway/internal/testutil"
)

// Epoch is the first time the harness clock reports.
var Epoch = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

// Harness is a seeded memory store, a direct bus and a scripted generator.
// Its clock advances one second per reading.
type Harness struct {
	t testing.TB

	Deps  *pipeline.Deps
	Store *memory.Store
	Bus   *direct.Bus
	Gen   *testutil.ScriptedGenerator

	ticks atomic.Int64

	mu       sync.Mutex
	captured map[string][]domain.Job
}

// New builds a harness with the default seed applied.
func New(t testing.TB) *Harness {
	t.Helper()

	h := &Harness{
		t:        t,
		Store:    memory.New(),
		Bus:      direct.New(direct.WithRedeliveryDelay(time.Millisecond), direct.WithMaxDeliver(3)),
		Gen:      testutil.NewScriptedGenerator(),
		captured: make(map[string][]domain.Job),
	}
	t.Cleanup(func() { _ = h.Bus.Close() })

	h.Deps = &pipeline.Deps{
		Store:     h.Store,
		Bus:       h.Bus,
		Generator: h.Gen,
		Metrics:   metrics.New(),
		Clock:     h.now,
	}
	require.NoError(t, seed.Default().Apply(context.Background(), h.Store, Epoch))
	return h
}

func (h *Harness) now() time.Time {
	return Epoch.Add(time.Duration(h.ticks.Add(1)) * time.Second)
}

// Capture records every job published on topics.
func (h *Harness) Capture(topics ...string) {
	h.t.Helper()
	for _, topic := range topics {
		_, err := h.Bus.Subscribe(context.Background(), topic, func(_ context.Context, payload []byte) error {
			_, job, err := pipeline.Decode(payload)
			if err != nil {
				return err
			}
			h.mu.Lock()
			h.captured[topic] = append(h.captured[topic], job)
			h.mu.Unlock()
			return nil
		})
		require.NoError(h.t, err)
	}
}

// Start runs stages until the test ends.
func (h *Harness) Start(stages ...pipeline.Stage) {
	h.t.Helper()
	runner := pipeline.NewRunner(h.Deps, stages...)
	require.NoError(h.t, runner.Start(context.Background()))
	h.t.Cleanup(func() { _ = runner.Stop() })
}

// Drain waits until every published message has been handled.
func (h *Harness) Drain() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(h.t, h.Bus.Drain(ctx))
}

// Jobs returns the jobs captured on topic after draining the bus.
func (h *Harness) Jobs(topic string) []domain.Job {
	h.t.Helper()
	h.Drain()
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Job(nil), h.captured[topic]...)
}

// Events returns the workflow events of a chat.
func (h *Harness) Events(chatID string) []*domain.WorkflowEvent {
	h.t.Helper()
	events, err := h.Store.ListWorkflowEvents(context.Background(), chatID)
	require.NoError(h.t, err)
	return events
}

// EventWith returns the first event of chatID at level whose message contains
// substr, or nil.
func (h *Harness) EventWith(chatID string, level domain.EventLevel, substr string) *domain.WorkflowEvent {
	h.t.Helper()
	for _, ev := range h.Events(chatID) {
		if ev.Level == level && strings.Contains(ev.Message, substr) {
			return ev
		}
	}
	return nil
}

// SeedChat stores an exchange on a chat served by version 1 of the default
// family.
func (h *Harness) SeedChat(chatID, userInput, reply string) {
	h.t.Helper()
	meta := domain.ChatMetadata{AgentFamilyID: seed.DefaultFamily, Version: 1, LastActive: h.now()}
	err := h.Store.AppendTurns(context.Background(), chatID, meta,
		domain.Turn{Role: domain.RoleUser, Content: userInput, Timestamp: h.now()},
		domain.Turn{Role: domain.RoleModel, Content: reply, Timestamp: h.now()},
	)
	require.NoError(h.t, err)
}

// FailAudit marks the chat's last audit as failed.
func (h *Harness) FailAudit(chatID, reason string) {
	h.t.Helper()
	require.NoError(h.t, h.Store.SetAuditResult(context.Background(), chatID, &domain.AuditResult{
		Verdict:   domain.VerdictFail,
		Reason:    reason,
		Priority:  domain.PriorityHigh,
		Timestamp: h.now(),
	}))
}

// Agent loads a config.
func (h *Harness) Agent(configID string) *domain.AgentConfig {
	h.t.Helper()
	cfg, err := h.Store.GetAgent(context.Background(), configID)
	require.NoError(h.t, err)
	return cfg
}

// Pointer loads the default family's pointer.
func (h *Harness) Pointer() *domain.VersionPointer {
	h.t.Helper()
	ptr, err := h.Store.GetPointer(context.Background(), seed.DefaultFamily)
	require.NoError(h.t, err)
	return ptr
}
