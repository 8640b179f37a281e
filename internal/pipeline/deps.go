package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
	"github.com/tjfontaine/autonomic-gateway/internal/metrics"
)

// Deps is the context every stage runs with. It replaces ambient globals:
// tests build one with in-memory collaborators.
type Deps struct {
	Store     ports.StorageProvider
	Bus       ports.EventBus
	Generator ports.Generator
	Alerter   ports.Alerter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Clock and NewID default to time.Now and uuid.NewString.
	Clock func() time.Time
	NewID func() string
}

// Validate checks the collaborators every stage needs.
func (d *Deps) Validate() error {
	switch {
	case d == nil:
		return fmt.Errorf("pipeline: deps required")
	case d.Store == nil:
		return fmt.Errorf("pipeline: store required")
	case d.Bus == nil:
		return fmt.Errorf("pipeline: event bus required")
	}
	return nil
}

// Now returns the current time.
func (d *Deps) Now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// ID returns a new unique id.
func (d *Deps) ID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

// Log returns the logger.
func (d *Deps) Log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Publish encodes job and publishes it on its topic.
func (d *Deps) Publish(ctx context.Context, job domain.Job) error {
	topic, err := TopicFor(job.Kind())
	if err != nil {
		return err
	}
	payload, err := Encode(d.ID(), job, d.Now())
	if err != nil {
		return err
	}
	if err := d.Bus.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish %s job for chat %s: %w", job.Kind(), job.ChatKey(), err)
	}
	return nil
}

// Record logs ev and appends it to the chat's workflow event log. A failed
// append is logged and otherwise ignored; the event log is diagnostic.
func (d *Deps) Record(ctx context.Context, ev domain.WorkflowEvent) {
	if ev.ID == "" {
		ev.ID = d.ID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = d.Now()
	}

	attrs := []slog.Attr{
		slog.String("chat_id", ev.ChatID),
		slog.String("component", string(ev.Component)),
	}
	if ev.State != "" {
		attrs = append(attrs, slog.String("state", string(ev.State)), slog.Int("depth", ev.Depth))
	}
	for k, v := range ev.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	d.Log().LogAttrs(ctx, levelOf(ev.Level), ev.Message, attrs...)

	if ev.ChatID == "" || d.Store == nil {
		return
	}
	if err := d.Store.AppendWorkflowEvent(ctx, &ev); err != nil {
		d.Log().Warn("failed to append workflow event",
			slog.String("chat_id", ev.ChatID),
			slog.String("error", err.Error()))
	}
}

func levelOf(l domain.EventLevel) slog.Level {
	switch l {
	case domain.LevelWarning:
		return slog.LevelWarn
	case domain.LevelError, domain.LevelCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Event is shorthand for building a workflow event.
func Event(chatID string, c domain.Component, level domain.EventLevel, msg string) domain.WorkflowEvent {
	return domain.WorkflowEvent{ChatID: chatID, Component: c, Level: level, Message: msg}
}

// Transition builds the event recording a state machine edge.
func Transition(chatID string, c domain.Component, t domain.Transition, msg string) domain.WorkflowEvent {
	level := domain.LevelInfo
	switch t.To {
	case domain.StatePromoted:
		level = domain.LevelSuccess
	case domain.StateTerminalFailed:
		level = domain.LevelCritical
	}
	ev := Event(chatID, c, level, msg)
	ev.State = t.To
	ev.Depth = t.Depth
	if t.Reason != "" {
		ev.Metadata = map[string]string{"reason": t.Reason}
	}
	return ev
}

// Generate calls the model on behalf of c and books the call's cost. Any
// failure comes back as a generation error.
func (d *Deps) Generate(ctx context.Context, c domain.Component, req ports.GenerateRequest) (*ports.GenerationResult, error) {
	if d.Generator == nil {
		return nil, fmt.Errorf("%s: generator not configured", c)
	}
	res, err := d.Generator.Generate(ctx, req)
	if err != nil {
		if _, ok := domain.AsWorkflowError(err); !ok {
			err = domain.ErrGeneration(err)
		}
		return nil, err
	}
	d.Metrics.RecordBackendCost(string(c), res.EstimatedCost)
	return res, nil
}
