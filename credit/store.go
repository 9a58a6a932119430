package credit

import (
	"context"
	"time"
)

// Store is the credit-facing slice of the storage interface.
//
// Debit is the single mutating primitive for consumption: the balance
// check, the decrement, and the event append form one atomic store
// operation (a conditional decrement, never a read-then-write). Two
// concurrent debits against the same balance must serialize in the
// store so the remaining amount can never go negative.
type Store interface {
	// EnsureBalance returns the balance for the period, lazily
	// provisioning a fresh one at the given limit if none exists.
	EnsureBalance(ctx context.Context, principalID, period string, limit int64) (*Balance, error)

	// GetBalance returns the balance for the period, or ErrBalanceNotFound.
	GetBalance(ctx context.Context, principalID, period string) (*Balance, error)

	// Debit atomically decrements the balance by ev.Cost and appends ev,
	// only if the remaining amount covers the cost. Returns the
	// post-debit remaining amount, or ErrInsufficientCredits with the
	// balance untouched and no event appended.
	Debit(ctx context.Context, principalID, period string, ev *UsageEvent) (int64, error)

	// CreditBack adds amount back to the balance, capped at the period
	// limit, and appends ev. Used by explicit refunds only.
	CreditBack(ctx context.Context, principalID, period string, amount int64, ev *UsageEvent) (int64, error)

	// AppendEvent records an audit event without touching any balance
	// (failed attempts, zero-cost operations).
	AppendEvent(ctx context.Context, ev *UsageEvent) error

	// QueryEvents lists a principal's usage events, newest first.
	QueryEvents(ctx context.Context, principalID string, opts QueryOpts) ([]*UsageEvent, error)

	// UsageStats aggregates a principal's successful events for a period.
	UsageStats(ctx context.Context, principalID, period string) (*Stats, error)

	// ResetBalance restores the balance to the given limit with zero use.
	ResetBalance(ctx context.Context, principalID, period string, limit int64) error

	// SetBalanceLimit changes the period limit, recomputing the
	// remaining amount against what is already used.
	SetBalanceLimit(ctx context.Context, principalID, period string, limit int64) error
}

// QueryOpts filters usage event listings.
type QueryOpts struct {
	EventType EventType
	Start     time.Time
	End       time.Time
	Limit     int
	Offset    int
}
