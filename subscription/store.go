package subscription

import (
	"context"

	"github.com/lessgo/admission/plan"
)

// Store is the subscription-facing slice of the storage interface.
type Store interface {
	// Upsert creates or replaces the principal's subscription record.
	Upsert(ctx context.Context, s *Subscription) error

	// Get returns the principal's subscription, or ErrSubscriptionNotFound.
	Get(ctx context.Context, principalID string) (*Subscription, error)

	// SetTier moves the principal to a new tier (upgrade or downgrade).
	SetTier(ctx context.Context, principalID string, tier plan.Tier) error

	// SetStatus updates the billing status.
	SetStatus(ctx context.Context, principalID string, status Status) error
}
