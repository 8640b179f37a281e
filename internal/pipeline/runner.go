package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
)

// Stage consumes the jobs of one topic.
type Stage interface {
	Component() domain.Component
	Topic() string
	Handle(ctx context.Context, job domain.Job) error
}

// Outcome is what the runner tells the bus about a delivery.
type Outcome string

const (
	// OutcomeAck means the job is done.
	OutcomeAck Outcome = "ack"
	// OutcomeDrop means the job failed for good and is acknowledged.
	OutcomeDrop Outcome = "drop"
	// OutcomeRetry means the job is handed back for redelivery.
	OutcomeRetry Outcome = "retry"
)

// Classify maps a stage result to a delivery outcome. Terminal workflow
// errors and malformed jobs are dropped; everything else that failed, such
// as a store outage or a generation error, is retried.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeAck
	}
	if errors.Is(err, ErrMalformedJob) {
		return OutcomeDrop
	}
	if wfErr, ok := domain.AsWorkflowError(err); ok && wfErr.Terminal() {
		return OutcomeDrop
	}
	return OutcomeRetry
}

// UnexpectedJob is returned by stages handed a job of the wrong kind.
func UnexpectedJob(c domain.Component, job domain.Job) error {
	return fmt.Errorf("%w: %s cannot handle %T", ErrMalformedJob, c, job)
}

// Runner subscribes stages to their topics.
type Runner struct {
	deps   *Deps
	stages []Stage

	mu   sync.Mutex
	subs []ports.Subscription
}

// NewRunner creates a runner for stages.
func NewRunner(deps *Deps, stages ...Stage) *Runner {
	return &Runner{deps: deps, stages: stages}
}

// Start subscribes every stage. On error the subscriptions made so far are
// stopped.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, stage := range r.stages {
		sub, err := r.deps.Bus.Subscribe(ctx, stage.Topic(), r.Handler(stage))
		if err != nil {
			r.stopLocked()
			return fmt.Errorf("subscribe %s to %s: %w", stage.Component(), stage.Topic(), err)
		}
		r.subs = append(r.subs, sub)
		r.deps.Log().Info("stage subscribed",
			slog.String("component", string(stage.Component())),
			slog.String("topic", stage.Topic()))
	}
	return nil
}

// Stop ends all subscriptions.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}

func (r *Runner) stopLocked() error {
	var errs []error
	for _, sub := range r.subs {
		if err := sub.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	r.subs = nil
	return errors.Join(errs...)
}

// Handler adapts stage to a bus message handler.
func (r *Runner) Handler(stage Stage) ports.MessageHandler {
	component := stage.Component()
	tracer := otel.Tracer("autonomic/pipeline")

	return func(ctx context.Context, payload []byte) error {
		start := time.Now()

		env, job, err := Decode(payload)
		if err != nil {
			r.deps.Log().Error("dropping malformed job",
				slog.String("component", string(component)),
				slog.String("error", err.Error()))
			r.deps.Metrics.RecordJob(string(component), string(OutcomeDrop), time.Since(start).Seconds())
			return nil
		}

		ctx, span := tracer.Start(ctx, "stage."+string(component))
		defer span.End()
		span.SetAttributes(
			attribute.String("job.id", env.ID),
			attribute.String("job.kind", string(env.Kind)),
			attribute.String("chat.id", job.ChatKey()),
		)

		err = stage.Handle(ctx, job)
		outcome := Classify(err)
		r.deps.Metrics.RecordJob(string(component), string(outcome), time.Since(start).Seconds())

		switch outcome {
		case OutcomeAck:
			return nil
		case OutcomeDrop:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			ev := Event(job.ChatKey(), component, domain.LevelError, "job aborted: "+err.Error())
			ev.Metadata = map[string]string{"job_id": env.ID}
			r.deps.Record(ctx, ev)
			return nil
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			ev := Event(job.ChatKey(), component, domain.LevelWarning, "job failed, requesting redelivery: "+err.Error())
			ev.Metadata = map[string]string{"job_id": env.ID}
			r.deps.Record(ctx, ev)
			return err
		}
	}
}
