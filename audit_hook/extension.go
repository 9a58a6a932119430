// Package audithook bridges admission gate events to an audit trail
// backend.
//
// It defines a local Recorder interface so the package does not depend
// on any particular audit system. Callers inject a RecorderFunc adapter
// at wiring time; the default recorder writes structured slog lines.
//
// Anonymous rate-limit events carry only the resource, never anything
// about the visitor.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lessgo/admission"
	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/plan"
	"github.com/lessgo/admission/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin            = (*Extension)(nil)
	_ plugin.OnDecision        = (*Extension)(nil)
	_ plugin.OnRateLimited     = (*Extension)(nil)
	_ plugin.OnQuotaExceeded   = (*Extension)(nil)
	_ plugin.OnCreditsConsumed = (*Extension)(nil)
	_ plugin.OnCreditsRefunded = (*Extension)(nil)
	_ plugin.OnPlanChanged     = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement. It is
// defined locally so the package does not import a concrete audit
// system; callers inject their backend at wiring time.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder returns a Recorder that writes audit events as
// structured log lines.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(_ context.Context, event *AuditEvent) error {
		logger.Info("audit",
			"action", event.Action,
			"resource", event.Resource,
			"resource_id", event.ResourceID,
			"category", event.Category,
			"outcome", event.Outcome,
			"severity", event.Severity,
			"reason", event.Reason,
			"metadata", event.Metadata,
		)
		return nil
	})
}

// Extension bridges gate events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Decision hooks
// ──────────────────────────────────────────────────

// OnDecision implements plugin.OnDecision. Only denials are audited;
// allowed decisions would drown the trail.
func (e *Extension) OnDecision(ctx context.Context, decision interface{}) error {
	d, ok := decision.(*admission.Decision)
	if !ok || d.Allowed {
		return nil
	}

	return e.record(ctx, ActionDecisionDenied, SeverityWarning, OutcomeFailure,
		ResourceGate, d.PrincipalID, CategoryAccess, nil,
		"code", d.Code,
		"reason", d.Reason,
		"event_type", string(d.EventType),
		"status", d.StatusCode,
	)
}

// OnRateLimited implements plugin.OnRateLimited. The visitor is not
// identified; only the targeted resource and the limit are recorded.
func (e *Extension) OnRateLimited(ctx context.Context, resourceID string, limit int64) error {
	return e.record(ctx, ActionRateLimitExceeded, SeverityWarning, OutcomeFailure,
		ResourceRateLimit, resourceID, CategoryAccess, nil,
		"limit", limit,
	)
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (e *Extension) OnQuotaExceeded(ctx context.Context, principalID string, key plan.LimitKey, current, limit int64) error {
	return e.record(ctx, ActionQuotaExceeded, SeverityWarning, OutcomeFailure,
		ResourceGate, principalID, CategoryAccess, nil,
		"limit_key", string(key),
		"current", current,
		"limit", limit,
	)
}

// ──────────────────────────────────────────────────
// Credit hooks
// ──────────────────────────────────────────────────

// OnCreditsConsumed implements plugin.OnCreditsConsumed.
func (e *Extension) OnCreditsConsumed(ctx context.Context, ev *credit.UsageEvent, remaining int64) error {
	return e.record(ctx, ActionCreditsConsumed, SeverityInfo, OutcomeSuccess,
		ResourceCredit, ev.PrincipalID, CategoryUsage, nil,
		"event_id", ev.ID.String(),
		"event_type", string(ev.EventType),
		"cost", ev.Cost,
		"remaining", remaining,
	)
}

// OnCreditsRefunded implements plugin.OnCreditsRefunded.
func (e *Extension) OnCreditsRefunded(ctx context.Context, ev *credit.UsageEvent, amount int64) error {
	return e.record(ctx, ActionCreditsRefunded, SeverityInfo, OutcomeSuccess,
		ResourceCredit, ev.PrincipalID, CategoryBilling, nil,
		"event_id", ev.ID.String(),
		"amount", amount,
	)
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnPlanChanged implements plugin.OnPlanChanged.
func (e *Extension) OnPlanChanged(ctx context.Context, principalID string, oldTier, newTier plan.Tier) error {
	return e.record(ctx, ActionPlanChanged, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, principalID, CategoryBilling, nil,
		"old_tier", string(oldTier),
		"new_tier", string(newTier),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
