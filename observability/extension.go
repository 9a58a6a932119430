// Package observability provides a metrics extension for the admission
// gate that records decision and credit counters via Prometheus.
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lessgo/admission"
	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/plan"
	"github.com/lessgo/admission/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin            = (*MetricsExtension)(nil)
	_ plugin.OnInit            = (*MetricsExtension)(nil)
	_ plugin.OnDecision        = (*MetricsExtension)(nil)
	_ plugin.OnRateLimited     = (*MetricsExtension)(nil)
	_ plugin.OnQuotaExceeded   = (*MetricsExtension)(nil)
	_ plugin.OnCreditsConsumed = (*MetricsExtension)(nil)
	_ plugin.OnCreditsRefunded = (*MetricsExtension)(nil)
	_ plugin.OnUsageRecorded   = (*MetricsExtension)(nil)
	_ plugin.OnPlanChanged     = (*MetricsExtension)(nil)
)

// MetricsExtension records gate-wide admission metrics. Register it as
// a Gate plugin; labels stay low-cardinality (codes, event types, limit
// keys), never principals or resources.
type MetricsExtension struct {
	decisions       *prometheus.CounterVec
	rateLimited     prometheus.Counter
	quotaExceeded   *prometheus.CounterVec
	creditsConsumed *prometheus.CounterVec
	creditsRefunded prometheus.Counter
	refundedAmount  prometheus.Counter
	usageEvents     *prometheus.CounterVec
	planChanges     *prometheus.CounterVec
	remainingAfter  prometheus.Histogram
}

// NewMetricsExtension registers the admission metrics on reg. Pass
// prometheus.DefaultRegisterer unless you run an isolated registry.
func NewMetricsExtension(reg prometheus.Registerer) *MetricsExtension {
	factory := promauto.With(reg)

	return &MetricsExtension{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Gate decisions by outcome code and event type.",
		}, []string{"code", "event_type"}),

		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "admission_rate_limited_total",
			Help: "Anonymous requests rejected by the rate limiter.",
		}),

		quotaExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_quota_exceeded_total",
			Help: "Plan limit rejections by limit key.",
		}, []string{"limit_key"}),

		creditsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_credits_consumed_total",
			Help: "Credits deducted by event type.",
		}, []string{"event_type"}),

		creditsRefunded: factory.NewCounter(prometheus.CounterOpts{
			Name: "admission_refunds_total",
			Help: "Explicit credit refunds.",
		}),

		refundedAmount: factory.NewCounter(prometheus.CounterOpts{
			Name: "admission_refunded_credits_total",
			Help: "Credits returned through explicit refunds.",
		}),

		usageEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_usage_events_total",
			Help: "Usage trail appends by event type and success.",
		}, []string{"event_type", "success"}),

		planChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_plan_changes_total",
			Help: "Tier transitions by origin and destination.",
		}, []string{"from", "to"}),

		remainingAfter: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "admission_remaining_credits",
			Help:    "Remaining credits observed after successful debits.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// OnDecision implements plugin.OnDecision.
func (m *MetricsExtension) OnDecision(_ context.Context, decision interface{}) error {
	d, ok := decision.(*admission.Decision)
	if !ok {
		return nil
	}

	code := d.Code
	if d.Allowed {
		code = "ALLOWED"
	}
	m.decisions.WithLabelValues(code, string(d.EventType)).Inc()
	return nil
}

// OnRateLimited implements plugin.OnRateLimited.
func (m *MetricsExtension) OnRateLimited(_ context.Context, _ string, _ int64) error {
	m.rateLimited.Inc()
	return nil
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (m *MetricsExtension) OnQuotaExceeded(_ context.Context, _ string, key plan.LimitKey, _, _ int64) error {
	m.quotaExceeded.WithLabelValues(string(key)).Inc()
	return nil
}

// OnCreditsConsumed implements plugin.OnCreditsConsumed.
func (m *MetricsExtension) OnCreditsConsumed(_ context.Context, ev *credit.UsageEvent, remaining int64) error {
	m.creditsConsumed.WithLabelValues(string(ev.EventType)).Add(float64(ev.Cost))
	if remaining != credit.Unlimited {
		m.remainingAfter.Observe(float64(remaining))
	}
	return nil
}

// OnCreditsRefunded implements plugin.OnCreditsRefunded.
func (m *MetricsExtension) OnCreditsRefunded(_ context.Context, _ *credit.UsageEvent, amount int64) error {
	m.creditsRefunded.Inc()
	m.refundedAmount.Add(float64(amount))
	return nil
}

// OnUsageRecorded implements plugin.OnUsageRecorded.
func (m *MetricsExtension) OnUsageRecorded(_ context.Context, ev *credit.UsageEvent) error {
	success := "false"
	if ev.Success {
		success = "true"
	}
	m.usageEvents.WithLabelValues(string(ev.EventType), success).Inc()
	return nil
}

// OnPlanChanged implements plugin.OnPlanChanged.
func (m *MetricsExtension) OnPlanChanged(_ context.Context, _ string, oldTier, newTier plan.Tier) error {
	from := string(oldTier)
	if from == "" {
		from = "none"
	}
	m.planChanges.WithLabelValues(from, string(newTier)).Inc()
	return nil
}
