package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
)

// Topics, one per job kind. The NATS adapter maps them onto subjects of the
// same name.
const (
	TopicAudit    = "autonomic.audit"
	TopicRefine   = "autonomic.refine"
	TopicEvaluate = "autonomic.evaluate"
	TopicFeedback = "autonomic.feedback"
)

// TopicFor returns the topic jobs of kind are published on.
func TopicFor(kind domain.JobKind) (string, error) {
	switch kind {
	case domain.JobKindAudit:
		return TopicAudit, nil
	case domain.JobKindRefine:
		return TopicRefine, nil
	case domain.JobKindEvaluate:
		return TopicEvaluate, nil
	case domain.JobKindFeedback:
		return TopicFeedback, nil
	}
	return "", fmt.Errorf("no topic for job kind %q", kind)
}

// ErrMalformedJob is returned for a delivery that cannot be decoded. Such
// deliveries are acknowledged and dropped.
var ErrMalformedJob = errors.New("malformed job")

// Envelope wraps a serialized job.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      domain.JobKind  `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode serializes job into an envelope.
func Encode(id string, job domain.Job, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode %s job: %w", job.Kind(), err)
	}
	return json.Marshal(Envelope{
		ID:        id,
		Kind:      job.Kind(),
		CreatedAt: now.UTC(),
		Payload:   payload,
	})
}

// Decode parses an envelope and its typed job.
func Decode(data []byte) (*Envelope, domain.Job, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	var (
		job domain.Job
		err error
	)
	switch env.Kind {
	case domain.JobKindAudit:
		job, err = decodeAs[domain.AuditJob](env.Payload)
	case domain.JobKindRefine:
		job, err = decodeAs[domain.RefineJob](env.Payload)
	case domain.JobKindEvaluate:
		job, err = decodeAs[domain.EvaluateJob](env.Payload)
	case domain.JobKindFeedback:
		job, err = decodeAs[domain.FeedbackJob](env.Payload)
	default:
		return &env, nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedJob, env.Kind)
	}
	if err != nil {
		return &env, nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedJob, env.Kind, err)
	}
	if job.ChatKey() == "" {
		return &env, nil, fmt.Errorf("%w: %s job without chat_id", ErrMalformedJob, env.Kind)
	}
	return &env, job, nil
}

func decodeAs[T domain.Job](payload json.RawMessage) (domain.Job, error) {
	var job T
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, err
	}
	return job, nil
}
