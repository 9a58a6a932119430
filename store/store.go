// Package store defines the unified storage interface for durable
// admission state: subscriptions, credit balances, and the usage event
// trail. Rate-limit counters are ephemeral and live elsewhere.
package store

import (
	"context"

	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/plan"
	"github.com/lessgo/admission/subscription"
)

// Store is the unified storage interface for all admission entities.
// Instead of embedding the per-domain sub-interfaces, all methods are
// declared explicitly to avoid naming conflicts.
//
// Debit is the load-bearing primitive: balance check, decrement, and
// event append must form one atomic store operation so that concurrent
// debits can never drive a balance negative. Implementations must not
// build it from separate read and write calls.
type Store interface {
	// Subscription methods
	UpsertSubscription(ctx context.Context, s *subscription.Subscription) error
	GetSubscription(ctx context.Context, principalID string) (*subscription.Subscription, error)
	SetSubscriptionTier(ctx context.Context, principalID string, tier plan.Tier) error
	SetSubscriptionStatus(ctx context.Context, principalID string, status subscription.Status) error

	// Credit methods
	EnsureBalance(ctx context.Context, principalID, period string, limit int64) (*credit.Balance, error)
	GetBalance(ctx context.Context, principalID, period string) (*credit.Balance, error)
	Debit(ctx context.Context, principalID, period string, ev *credit.UsageEvent) (int64, error)
	CreditBack(ctx context.Context, principalID, period string, amount int64, ev *credit.UsageEvent) (int64, error)
	AppendEvent(ctx context.Context, ev *credit.UsageEvent) error
	QueryEvents(ctx context.Context, principalID string, opts credit.QueryOpts) ([]*credit.UsageEvent, error)
	UsageStats(ctx context.Context, principalID, period string) (*credit.Stats, error)
	ResetBalance(ctx context.Context, principalID, period string, limit int64) error
	SetBalanceLimit(ctx context.Context, principalID, period string, limit int64) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
