// Package subscription tracks which plan tier each principal is on.
// Records are provisioned by the billing webhook flow and read on every
// gated request; a principal without a record fails closed.
package subscription

import (
	"time"

	"github.com/lessgo/admission/id"
	"github.com/lessgo/admission/plan"
	"github.com/lessgo/admission/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// Subscription binds a principal to its current plan tier.
type Subscription struct {
	types.Entity
	ID                 id.SubscriptionID `json:"id"`
	PrincipalID        string            `json:"principal_id"`
	Tier               plan.Tier         `json:"tier"`
	Status             Status            `json:"status"`
	CurrentPeriodStart time.Time         `json:"current_period_start"`
	CurrentPeriodEnd   time.Time         `json:"current_period_end"`
	TrialStart         *time.Time        `json:"trial_start,omitempty"`
	TrialEnd           *time.Time        `json:"trial_end,omitempty"`
	CanceledAt         *time.Time        `json:"canceled_at,omitempty"`
	ProviderID         string            `json:"provider_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// New creates an active subscription for a principal on the given tier
// with a one-month billing period starting now.
func New(principalID string, tier plan.Tier) *Subscription {
	now := time.Now().UTC()
	return &Subscription{
		Entity:             types.NewEntity(),
		ID:                 id.NewSubscriptionID(),
		PrincipalID:        principalID,
		Tier:               tier,
		Status:             StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}
}

// Gated reports whether the subscription status admits gated traffic.
// Past-due principals keep access until the billing flow cancels them.
func (s *Subscription) Gated() bool {
	switch s.Status {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// InTrial reports whether the subscription is inside its trial window.
func (s *Subscription) InTrial(now time.Time) bool {
	if s.Status != StatusTrialing || s.TrialEnd == nil {
		return false
	}
	return now.Before(*s.TrialEnd)
}
