package mongo

import (
	"time"

	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/id"
	"github.com/lessgo/admission/plan"
	"github.com/lessgo/admission/subscription"
	"github.com/lessgo/admission/types"
)

// ==================== Subscription models ====================

// subscriptionModel keys on the principal so one document per
// principal is enforced by the _id index.
type subscriptionModel struct {
	PrincipalID        string            `bson:"_id"`
	ID                 string            `bson:"id"`
	Tier               string            `bson:"tier"`
	Status             string            `bson:"status"`
	CurrentPeriodStart time.Time         `bson:"current_period_start"`
	CurrentPeriodEnd   time.Time         `bson:"current_period_end"`
	TrialStart         *time.Time        `bson:"trial_start,omitempty"`
	TrialEnd           *time.Time        `bson:"trial_end,omitempty"`
	CanceledAt         *time.Time        `bson:"canceled_at,omitempty"`
	ProviderID         string            `bson:"provider_id"`
	Metadata           map[string]string `bson:"metadata,omitempty"`
	CreatedAt          time.Time         `bson:"created_at"`
	UpdatedAt          time.Time         `bson:"updated_at"`
}

func toSubscriptionModel(sub *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		PrincipalID:        sub.PrincipalID,
		ID:                 sub.ID.String(),
		Tier:               string(sub.Tier),
		Status:             string(sub.Status),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		TrialStart:         sub.TrialStart,
		TrialEnd:           sub.TrialEnd,
		CanceledAt:         sub.CanceledAt,
		ProviderID:         sub.ProviderID,
		Metadata:           sub.Metadata,
		CreatedAt:          sub.CreatedAt,
		UpdatedAt:          sub.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}

	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                 subID,
		PrincipalID:        m.PrincipalID,
		Tier:               plan.Tier(m.Tier),
		Status:             subscription.Status(m.Status),
		CurrentPeriodStart: m.CurrentPeriodStart,
		CurrentPeriodEnd:   m.CurrentPeriodEnd,
		TrialStart:         m.TrialStart,
		TrialEnd:           m.TrialEnd,
		CanceledAt:         m.CanceledAt,
		ProviderID:         m.ProviderID,
		Metadata:           m.Metadata,
	}, nil
}

// ==================== Balance models ====================

type balanceModel struct {
	PrincipalID string    `bson:"principal_id"`
	Period      string    `bson:"period"`
	Limit       int64     `bson:"credit_limit"`
	Used        int64     `bson:"used"`
	Remaining   int64     `bson:"remaining"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func fromBalanceModel(m *balanceModel) *credit.Balance {
	return &credit.Balance{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		PrincipalID: m.PrincipalID,
		Period:      m.Period,
		Limit:       m.Limit,
		Used:        m.Used,
		Remaining:   m.Remaining,
	}
}

// ==================== Usage event models ====================

type usageEventModel struct {
	ID          string            `bson:"_id"`
	PrincipalID string            `bson:"principal_id"`
	EventType   string            `bson:"event_type"`
	Cost        int64             `bson:"cost"`
	Timestamp   time.Time         `bson:"timestamp"`
	Success     bool              `bson:"success"`
	Endpoint    string            `bson:"endpoint"`
	Error       string            `bson:"error"`
	Metadata    map[string]string `bson:"metadata,omitempty"`
}

func toUsageEventModel(ev *credit.UsageEvent) *usageEventModel {
	return &usageEventModel{
		ID:          ev.ID.String(),
		PrincipalID: ev.PrincipalID,
		EventType:   string(ev.EventType),
		Cost:        ev.Cost,
		Timestamp:   ev.Timestamp,
		Success:     ev.Success,
		Endpoint:    ev.Endpoint,
		Error:       ev.Error,
		Metadata:    ev.Metadata,
	}
}

func fromUsageEventModel(m *usageEventModel) (*credit.UsageEvent, error) {
	evID, err := id.ParseUsageEventID(m.ID)
	if err != nil {
		return nil, err
	}

	return &credit.UsageEvent{
		ID:          evID,
		PrincipalID: m.PrincipalID,
		EventType:   credit.EventType(m.EventType),
		Cost:        m.Cost,
		Timestamp:   m.Timestamp,
		Success:     m.Success,
		Endpoint:    m.Endpoint,
		Error:       m.Error,
		Metadata:    m.Metadata,
	}, nil
}
