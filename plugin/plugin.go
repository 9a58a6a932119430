// Package plugin provides an extensible hook system for the admission
// engine. Plugins can observe decisions, credit movements, and plan
// changes without sitting on the request path.
package plugin

import (
	"context"

	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/plan"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. The engine is passed as
// interface{} to avoid an import cycle with the root package.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the engine is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Decision hooks
// ──────────────────────────────────────────────────

// OnDecision is called after every gate decision, allowed or denied.
// The decision is passed as interface{} to avoid an import cycle.
type OnDecision interface {
	Plugin
	OnDecision(ctx context.Context, decision interface{}) error
}

// OnRateLimited is called when an anonymous request is rejected by the
// rate limiter. Only the resource is reported; the caller's identity
// never reaches plugins.
type OnRateLimited interface {
	Plugin
	OnRateLimited(ctx context.Context, resourceID string, limit int64) error
}

// OnQuotaExceeded is called when a principal hits a plan limit.
type OnQuotaExceeded interface {
	Plugin
	OnQuotaExceeded(ctx context.Context, principalID string, key plan.LimitKey, current, limit int64) error
}

// ──────────────────────────────────────────────────
// Credit hooks
// ──────────────────────────────────────────────────

// OnCreditsConsumed is called after a successful debit.
type OnCreditsConsumed interface {
	Plugin
	OnCreditsConsumed(ctx context.Context, ev *credit.UsageEvent, remaining int64) error
}

// OnCreditsRefunded is called after an explicit refund.
type OnCreditsRefunded interface {
	Plugin
	OnCreditsRefunded(ctx context.Context, ev *credit.UsageEvent, amount int64) error
}

// OnUsageRecorded is called for every event appended to the usage
// trail, including failed attempts.
type OnUsageRecorded interface {
	Plugin
	OnUsageRecorded(ctx context.Context, ev *credit.UsageEvent) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnPlanChanged is called when a principal moves between tiers.
type OnPlanChanged interface {
	Plugin
	OnPlanChanged(ctx context.Context, principalID string, oldTier, newTier plan.Tier) error
}
