// Package feedback records end-user ratings of agent replies against the
// config version that produced them.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/pipeline"
)

// Consumer is the stage consuming feedback jobs.
type Consumer struct {
	deps *pipeline.Deps
}

var _ pipeline.Stage = (*Consumer)(nil)

// New creates a feedback consumer.
func New(deps *pipeline.Deps) (*Consumer, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	return &Consumer{deps: deps}, nil
}

func (c *Consumer) Component() domain.Component { return domain.ComponentFeedback }
func (c *Consumer) Topic() string               { return pipeline.TopicFeedback }

// Validate checks a rating before it is queued.
func Validate(job domain.FeedbackJob) error {
	switch {
	case strings.TrimSpace(job.ChatID) == "":
		return domain.ErrInvalidRequest("chat_id is required")
	case strings.TrimSpace(job.AgentVersionID) == "":
		return domain.ErrInvalidRequest("agent_version_id is required")
	case job.Score < -1 || job.Score > 1:
		return domain.ErrInvalidRequest("score must be -1, 0 or 1")
	}
	if _, _, ok := domain.ParseConfigID(job.AgentVersionID); !ok {
		return domain.ErrInvalidRequest(fmt.Sprintf("agent_version_id %q is not a config id", job.AgentVersionID))
	}
	return nil
}

// Submit validates job, gives it an id if it has none and queues it.
func Submit(ctx context.Context, deps *pipeline.Deps, job domain.FeedbackJob) error {
	if err := Validate(job); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = deps.ID()
	}
	return deps.Publish(ctx, job)
}

// Handle stores the rating and bumps the version's like or dislike count.
func (c *Consumer) Handle(ctx context.Context, job domain.Job) error {
	j, ok := job.(domain.FeedbackJob)
	if !ok {
		return pipeline.UnexpectedJob(c.Component(), job)
	}
	if err := Validate(j); err != nil {
		return err
	}
	if j.ID == "" {
		return domain.ErrInvalidRequest("feedback id is required")
	}
	if _, err := pipeline.ResolveAgent(ctx, c.deps.Store, j.AgentVersionID); err != nil {
		return err
	}

	fb := &domain.Feedback{
		ID:             j.ID,
		ChatID:         j.ChatID,
		AgentVersionID: j.AgentVersionID,
		Score:          j.Score,
		Comment:        j.Comment,
		CreatedAt:      c.deps.Now(),
	}
	err := c.deps.Store.RecordFeedback(ctx, fb)
	if errors.Is(err, domain.ErrAlreadyExists) {
		c.deps.Record(ctx, pipeline.Event(j.ChatID, c.Component(), domain.LevelInfo,
			fmt.Sprintf("feedback %s already recorded", j.ID)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("record feedback for %s: %w", j.AgentVersionID, err)
	}

	sentiment := "neutral"
	switch {
	case fb.Positive():
		sentiment = "like"
	case fb.Negative():
		sentiment = "dislike"
	}
	c.deps.Metrics.RecordFeedback(sentiment)
	c.deps.Record(ctx, pipeline.Event(j.ChatID, c.Component(), domain.LevelInfo,
		fmt.Sprintf("recorded %s for %s", sentiment, j.AgentVersionID)))
	return nil
}
