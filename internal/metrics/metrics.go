// Package metrics holds the Prometheus metrics of the workflow stages.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autonomic"

// Metrics is registered on its own registry, so tests can build as many as
// they like. All methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	ChatsTotal        *prometheus.CounterVec
	ReplyLatency      *prometheus.HistogramVec
	ReplyCost         *prometheus.HistogramVec
	ReplyTokens       *prometheus.CounterVec
	BudgetBreaches    *prometheus.CounterVec
	AuditVerdicts     *prometheus.CounterVec
	AuditsSuppressed  *prometheus.CounterVec
	Refinements       *prometheus.CounterVec
	Evaluations       *prometheus.CounterVec
	Promotions        *prometheus.CounterVec
	OptimizationFails *prometheus.CounterVec
	ActiveVersion     *prometheus.GaugeVec
	BackendCost       *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	JobsProcessed     *prometheus.CounterVec
	Feedback          *prometheus.CounterVec
}

// New creates the metrics on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

// NewWithRegistry creates the metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		ChatsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_total",
			Help:      "Chat turns served by the gateway.",
		}, []string{"agent_family", "version"}),

		ReplyLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_latency_seconds",
			Help:      "Model latency of gateway replies.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"agent_family"}),

		ReplyCost: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_cost_usd",
			Help:      "Estimated cost of gateway replies.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"agent_family", "version"}),

		ReplyTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_tokens_total",
			Help:      "Tokens consumed by gateway replies.",
		}, []string{"agent_family", "direction"}),

		BudgetBreaches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_breach_total",
			Help:      "Replies whose cost exceeded the per-message budget.",
		}, []string{"agent_family"}),

		AuditVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_verdict_total",
			Help:      "Audit verdicts by outcome and priority.",
		}, []string{"agent_family", "verdict", "priority"}),

		AuditsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_suppressed_total",
			Help:      "Turns not audited because the chat has an unresolved failure.",
		}, []string{"agent_family"}),

		Refinements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refinement_total",
			Help:      "Candidate configs created by the refiner.",
		}, []string{"agent_family", "depth"}),

		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_total",
			Help:      "Evaluator gate outcomes.",
		}, []string{"gate", "verdict"}),

		Promotions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_success_total",
			Help:      "Candidates promoted to active.",
		}, []string{"agent_family"}),

		OptimizationFails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimization_failed_total",
			Help:      "Refinement loops that gave up.",
		}, []string{"agent_family", "kind"}),

		ActiveVersion: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_current_version",
			Help:      "Version the pointer of each family names.",
		}, []string{"agent_family"}),

		BackendCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_cost_usd_total",
			Help:      "Model spend of the background stages.",
		}, []string{"component"}),

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent handling one job.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"component"}),

		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs handled per stage and delivery outcome.",
		}, []string{"component", "outcome"}),

		Feedback: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "User feedback by sentiment.",
		}, []string{"sentiment"}),
	}
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordReply records one gateway reply.
func (m *Metrics) RecordReply(family string, version int, latencyMs, cost float64, in, out int) {
	if m == nil {
		return
	}
	v := strconv.Itoa(version)
	m.ChatsTotal.WithLabelValues(family, v).Inc()
	m.ReplyLatency.WithLabelValues(family).Observe(latencyMs / 1000)
	m.ReplyCost.WithLabelValues(family, v).Observe(cost)
	m.ReplyTokens.WithLabelValues(family, "input").Add(float64(in))
	m.ReplyTokens.WithLabelValues(family, "output").Add(float64(out))
	m.ActiveVersion.WithLabelValues(family).Set(float64(version))
}

// RecordBudgetBreach counts a reply over budget.
func (m *Metrics) RecordBudgetBreach(family string) {
	if m == nil {
		return
	}
	m.BudgetBreaches.WithLabelValues(family).Inc()
}

// RecordAuditSuppressed counts a turn whose audit was skipped.
func (m *Metrics) RecordAuditSuppressed(family string) {
	if m == nil {
		return
	}
	m.AuditsSuppressed.WithLabelValues(family).Inc()
}

// RecordAudit counts an audit verdict.
func (m *Metrics) RecordAudit(family, verdict, priority string) {
	if m == nil {
		return
	}
	m.AuditVerdicts.WithLabelValues(family, verdict, priority).Inc()
}

// RecordRefinement counts a created candidate.
func (m *Metrics) RecordRefinement(family string, depth int) {
	if m == nil {
		return
	}
	m.Refinements.WithLabelValues(family, strconv.Itoa(depth)).Inc()
}

// RecordEvaluation counts one gate outcome.
func (m *Metrics) RecordEvaluation(gate, verdict string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(gate, verdict).Inc()
}

// RecordPromotion counts a promotion and moves the version gauge.
func (m *Metrics) RecordPromotion(family string, version int) {
	if m == nil {
		return
	}
	m.Promotions.WithLabelValues(family).Inc()
	m.ActiveVersion.WithLabelValues(family).Set(float64(version))
}

// RecordOptimizationFailed counts a terminal alert.
func (m *Metrics) RecordOptimizationFailed(family, kind string) {
	if m == nil {
		return
	}
	m.OptimizationFails.WithLabelValues(family, kind).Inc()
}

// RecordBackendCost adds model spend of a background stage.
func (m *Metrics) RecordBackendCost(component string, cost float64) {
	if m == nil || cost <= 0 {
		return
	}
	m.BackendCost.WithLabelValues(component).Add(cost)
}

// RecordJob records the duration and outcome of one delivery.
func (m *Metrics) RecordJob(component, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(component).Observe(seconds)
	m.JobsProcessed.WithLabelValues(component, outcome).Inc()
}

// RecordFeedback counts a feedback submission.
func (m *Metrics) RecordFeedback(sentiment string) {
	if m == nil {
		return
	}
	m.Feedback.WithLabelValues(sentiment).Inc()
}
