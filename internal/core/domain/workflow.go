package domain

import (
	"fmt"
	"time"
)

// MaxRefinementDepth bounds the refinement loop for one originating audit
// failure. It is a design constant and deliberately not configurable.
const MaxRefinementDepth = 2

// WorkflowState is a state of the self-healing loop for one chat.
type WorkflowState string

const (
	StateAuditedFail    WorkflowState = "AUDITED_FAIL"
	StateRefining       WorkflowState = "REFINING"
	StateEvaluating     WorkflowState = "EVALUATING"
	StatePromoted       WorkflowState = "PROMOTED"
	StateTerminalFailed WorkflowState = "TERMINAL_FAILED"
)

// Terminal reports whether no further automated transition leaves s.
func (s WorkflowState) Terminal() bool {
	return s == StatePromoted || s == StateTerminalFailed
}

// Transition is one edge of the loop. Depth is the refinement depth the
// target state runs at.
type Transition struct {
	From   WorkflowState `json:"from"`
	To     WorkflowState `json:"to"`
	Depth  int           `json:"depth"`
	Reason string        `json:"reason,omitempty"`
}

func (t Transition) String() string {
	return fmt.Sprintf("%s -> %s(depth=%d)", t.From, t.To, t.Depth)
}

// Validate checks t against the allowed edges:
//
//	AUDITED_FAIL      -> REFINING(0)
//	REFINING(d)       -> EVALUATING(d)        d < max
//	REFINING(d)       -> TERMINAL_FAILED      d >= max
//	EVALUATING(d)     -> PROMOTED
//	EVALUATING(d)     -> REFINING(d+1)        d < max
//	EVALUATING(d)     -> TERMINAL_FAILED      d >= max
func (t Transition) Validate() error {
	if t.Depth < 0 {
		return fmt.Errorf("invalid transition %s: negative depth", t)
	}
	ok := false
	switch t.From {
	case StateAuditedFail:
		ok = t.To == StateRefining && t.Depth == 0
	case StateRefining:
		switch t.To {
		case StateEvaluating:
			ok = CanRefine(t.Depth)
		case StateTerminalFailed:
			ok = !CanRefine(t.Depth)
		}
	case StateEvaluating:
		switch t.To {
		case StatePromoted:
			ok = true
		case StateRefining:
			ok = t.Depth > 0 && t.Depth <= MaxRefinementDepth
		case StateTerminalFailed:
			ok = t.Depth >= MaxRefinementDepth
		}
	}
	if !ok {
		return fmt.Errorf("invalid transition %s", t)
	}
	return nil
}

// CanRefine reports whether the refiner may produce a candidate at depth.
func CanRefine(depth int) bool {
	return depth < MaxRefinementDepth
}

// NextAfterEvaluation is the single decision point of the retry loop: a pass
// promotes; a failure below the bound retries at depth+1; a failure at the
// bound is terminal.
func NextAfterEvaluation(depth int, passed bool) Transition {
	switch {
	case passed:
		return Transition{From: StateEvaluating, To: StatePromoted, Depth: depth}
	case depth < MaxRefinementDepth:
		return Transition{From: StateEvaluating, To: StateRefining, Depth: depth + 1}
	default:
		return Transition{From: StateEvaluating, To: StateTerminalFailed, Depth: depth}
	}
}

// AlertKind classifies a terminal alert.
type AlertKind string

const (
	AlertLoopDetected       AlertKind = "refinement_loop_detected"
	AlertOptimizationFailed AlertKind = "optimization_failed"
)

// Alert is raised when the loop gives up and a human has to look.
type Alert struct {
	ID              string    `json:"id"`
	Kind            AlertKind `json:"kind"`
	ChatID          string    `json:"chat_id"`
	AgentFamilyID   string    `json:"agent_family_id"`
	AgentID         string    `json:"agent_id"`
	Depth           int       `json:"depth"`
	AuditReason     string    `json:"audit_reason"`
	EvaluatorReason string    `json:"evaluator_reason"`
	CreatedAt       time.Time `json:"created_at"`
}

// Message renders the alert for logs and the event log.
func (a *Alert) Message() string {
	return fmt.Sprintf("%s for %s at depth %d: audit=%q evaluator=%q",
		a.Kind, a.AgentFamilyID, a.Depth, a.AuditReason, a.EvaluatorReason)
}

// Component names a stage in logs and workflow events.
type Component string

const (
	ComponentGateway   Component = "GATEWAY"
	ComponentAuditor   Component = "AUDITOR"
	ComponentRefiner   Component = "REFINER"
	ComponentEvaluator Component = "EVALUATOR"
	ComponentFeedback  Component = "FEEDBACK"
	ComponentSystem    Component = "SYSTEM"
)

// EventLevel is the severity of a workflow event.
type EventLevel string

const (
	LevelInfo     EventLevel = "INFO"
	LevelSuccess  EventLevel = "SUCCESS"
	LevelWarning  EventLevel = "WARNING"
	LevelError    EventLevel = "ERROR"
	LevelCritical EventLevel = "CRITICAL"
)

// WorkflowEvent is one persisted, per-chat record of what a stage did.
type WorkflowEvent struct {
	ID        string            `json:"id"`
	ChatID    string            `json:"chat_id"`
	Component Component         `json:"component"`
	Level     EventLevel        `json:"level"`
	Message   string            `json:"message"`
	State     WorkflowState     `json:"state,omitempty"`
	Depth     int               `json:"depth"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
