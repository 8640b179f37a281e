package domain

import (
	"sort"
	"strings"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// GenerationMetrics is attached to model turns.
type GenerationMetrics struct {
	Model         string  `json:"model"`
	LatencyMs     float64 `json:"latency_ms"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	TotalTokens   int     `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Turn is one entry of a chat history.
type Turn struct {
	Role      Role               `json:"role"`
	Content   string             `json:"content"`
	Metrics   *GenerationMetrics `json:"metrics,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Verdict is the outcome of a judge pass.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// ParseVerdict normalizes a judge verdict. Anything other than PASS or FAIL
// is rejected.
func ParseVerdict(s string) (Verdict, bool) {
	switch Verdict(strings.ToUpper(strings.TrimSpace(s))) {
	case VerdictPass:
		return VerdictPass, true
	case VerdictFail:
		return VerdictFail, true
	}
	return "", false
}

// Priority ranks an audit failure.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// ParsePriority normalizes a priority, defaulting unknown values to HIGH.
func ParsePriority(s string) Priority {
	switch p := Priority(strings.ToUpper(strings.TrimSpace(s))); p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p
	}
	return PriorityHigh
}

// AuditResult is the latest audit verdict of a chat. It is overwritten by
// every audit.
type AuditResult struct {
	Verdict   Verdict   `json:"verdict"`
	Reason    string    `json:"reason"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMetadata records which agent served a chat most recently.
type ChatMetadata struct {
	AgentFamilyID string    `json:"agent_family_id"`
	Version       int       `json:"version"`
	LastActive    time.Time `json:"last_active"`
}

// ChatSession is the persisted state of one chat.
type ChatSession struct {
	ChatID      string       `json:"chat_id"`
	Metadata    ChatMetadata `json:"metadata"`
	History     []Turn       `json:"history"`
	AuditResult *AuditResult `json:"audit_result,omitempty"`
}

// Chronological returns the history ordered by timestamp. Turns appended
// concurrently may be stored out of order; ties keep their stored order.
func (s *ChatSession) Chronological() []Turn {
	if s == nil {
		return nil
	}
	out := make([]Turn, len(s.History))
	copy(out, s.History)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// LastUserInput returns the most recent user message, or "" if none.
func (s *ChatSession) LastUserInput() string {
	turns := s.Chronological()
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			return turns[i].Content
		}
	}
	return ""
}

// ShouldAudit decides whether a new exchange on this chat is audited. A chat
// with no verdict or a PASS is audited; an unresolved FAIL suppresses audits
// until a fix lands. A nil session is a brand new chat.
func ShouldAudit(s *ChatSession) bool {
	if s == nil || s.AuditResult == nil {
		return true
	}
	switch s.AuditResult.Verdict {
	case VerdictPass:
		return true
	case VerdictFail:
		return false
	default:
		return true
	}
}
