package domain

import "time"

// JobKind tags the variant carried by an envelope.
type JobKind string

const (
	JobKindAudit    JobKind = "audit"
	JobKindRefine   JobKind = "refine"
	JobKindEvaluate JobKind = "evaluate"
	JobKindFeedback JobKind = "feedback"
)

// Job is a unit of work exchanged between stages. Jobs are values: they carry
// everything the consuming stage needs and are never mutated after publish.
type Job interface {
	Kind() JobKind
	ChatKey() string
}

// AuditJob asks the auditor to judge one exchange.
type AuditJob struct {
	ChatID       string `json:"chat_id"`
	AgentID      string `json:"agent_id"`
	AgentVersion int    `json:"agent_version"`
	UserInput    string `json:"user_input"`
	BotResponse  string `json:"bot_response"`
}

func (AuditJob) Kind() JobKind     { return JobKindAudit }
func (j AuditJob) ChatKey() string { return j.ChatID }

// RefineJob asks the refiner for a new candidate. AgentID is either a family
// id (first attempt) or the config id of the candidate that just failed
// evaluation.
type RefineJob struct {
	ChatID          string   `json:"chat_id"`
	AgentID         string   `json:"agent_id"`
	FailureReason   string   `json:"failure_reason"`
	RefinementDepth int      `json:"refinement_depth"`
	OriginalInput   string   `json:"original_input"`
	BadResponse     string   `json:"bad_response"`
	FullHistory     []Turn   `json:"full_history"`
	Priority        Priority `json:"priority,omitempty"`
}

func (RefineJob) Kind() JobKind     { return JobKindRefine }
func (j RefineJob) ChatKey() string { return j.ChatID }

// EvaluateJob asks the evaluator to verify a candidate.
type EvaluateJob struct {
	ChatID          string `json:"chat_id"`
	TargetAgentID   string `json:"target_agent_id"`
	OriginalAgentID string `json:"original_agent_id"`
	TriggerReason   string `json:"trigger_reason"`
	RefinementDepth int    `json:"refinement_depth"`
	Version         int    `json:"version"`
}

func (EvaluateJob) Kind() JobKind     { return JobKindEvaluate }
func (j EvaluateJob) ChatKey() string { return j.ChatID }

// FeedbackJob carries an end-user rating of a reply.
type FeedbackJob struct {
	// ID names the rating across redeliveries. Submit assigns one when the
	// caller does not.
	ID             string `json:"id,omitempty"`
	ChatID         string `json:"chat_id"`
	AgentVersionID string `json:"agent_version_id"`
	Score          int    `json:"score"`
	Comment        string `json:"comment,omitempty"`
}

func (FeedbackJob) Kind() JobKind     { return JobKindFeedback }
func (j FeedbackJob) ChatKey() string { return j.ChatID }

// Feedback is a stored rating.
type Feedback struct {
	ID             string    `json:"id"`
	ChatID         string    `json:"chat_id"`
	AgentVersionID string    `json:"agent_version_id"`
	Score          int       `json:"score"`
	Comment        string    `json:"comment,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Positive reports whether the rating counts as a like.
func (f Feedback) Positive() bool { return f.Score > 0 }

// Negative reports whether the rating counts as a dislike. A zero score is
// recorded but counts as neither.
func (f Feedback) Negative() bool { return f.Score < 0 }
