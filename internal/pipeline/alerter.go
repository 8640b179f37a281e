package pipeline

import (
	"context"
	"strconv"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
)

// EventAlerter raises alerts as CRITICAL workflow events, error logs and an
// optimization failure metric.
type EventAlerter struct {
	deps *Deps
}

var _ ports.Alerter = (*EventAlerter)(nil)

// NewEventAlerter creates an alerter over deps.
func NewEventAlerter(deps *Deps) *EventAlerter {
	return &EventAlerter{deps: deps}
}

// Alert implements ports.Alerter.
func (a *EventAlerter) Alert(ctx context.Context, alert *domain.Alert) error {
	if alert.ID == "" {
		alert.ID = a.deps.ID()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = a.deps.Now()
	}

	ev := Event(alert.ChatID, domain.ComponentSystem, domain.LevelCritical, alert.Message())
	ev.State = domain.StateTerminalFailed
	ev.Depth = alert.Depth
	ev.Metadata = map[string]string{
		"alert_id":         alert.ID,
		"alert_kind":       string(alert.Kind),
		"agent_id":         alert.AgentID,
		"agent_family":     alert.AgentFamilyID,
		"audit_reason":     alert.AuditReason,
		"evaluator_reason": alert.EvaluatorReason,
		"depth":            strconv.Itoa(alert.Depth),
	}
	a.deps.Record(ctx, ev)
	a.deps.Metrics.RecordOptimizationFailed(alert.AgentFamilyID, string(alert.Kind))
	return nil
}

// RaiseAlert sends alert through the configured alerter, falling back to an
// EventAlerter.
func (d *Deps) RaiseAlert(ctx context.Context, alert *domain.Alert) error {
	if d.Alerter != nil {
		return d.Alerter.Alert(ctx, alert)
	}
	return NewEventAlerter(d).Alert(ctx, alert)
}
