// Package credit defines the per-principal credit ledger types: monthly
// balances, operation costs, and the append-only usage event trail.
package credit

import (
	"time"

	"github.com/lessgo/admission/id"
	"github.com/lessgo/admission/types"
)

// EventType classifies a credit-consuming operation.
type EventType string

const (
	EventPageGeneration EventType = "page_generation"
	EventSectionRegen   EventType = "section_regen"
	EventElementRegen   EventType = "element_regen"
	EventFieldInference EventType = "field_inference"
	EventFieldValidate  EventType = "field_validation"
	EventRefund         EventType = "refund"
)

// Unlimited marks a balance with no ceiling.
const Unlimited int64 = -1

// costs maps each operation to its credit price. Field validation is
// free but still audited.
var costs = map[EventType]int64{
	EventPageGeneration: 10,
	EventSectionRegen:   2,
	EventElementRegen:   1,
	EventFieldInference: 1,
	EventFieldValidate:  0,
}

// CostOf returns the credit cost of an event type and whether the type
// is priced at all. Refunds have no cost of their own.
func CostOf(t EventType) (int64, bool) {
	c, ok := costs[t]
	return c, ok
}

// PeriodOf returns the monthly accounting period ("YYYY-MM") containing t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Balance is one principal's credit state for one monthly period.
// Remaining never goes below zero; all mutation happens through the
// store's conditional debit.
type Balance struct {
	types.Entity
	PrincipalID string `json:"principal_id"`
	Period      string `json:"period"`
	Limit       int64  `json:"limit"` // -1 means unlimited
	Used        int64  `json:"used"`
	Remaining   int64  `json:"remaining"` // -1 means unlimited
}

// IsUnlimited reports whether the balance has no ceiling.
func (b *Balance) IsUnlimited() bool {
	return b.Limit == Unlimited
}

// DaysUntilReset returns the whole days until the next monthly period
// begins, relative to now.
func (b *Balance) DaysUntilReset(now time.Time) int {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return int(next.Sub(now).Hours() / 24)
}

// UsageEvent is the append-only audit record of one consumption attempt.
// Successful deductions and denied attempts are both recorded; only
// successful ones move the balance.
type UsageEvent struct {
	ID          id.UsageEventID   `json:"id"`
	PrincipalID string            `json:"principal_id"`
	EventType   EventType         `json:"event_type"`
	Cost        int64             `json:"cost"`
	Timestamp   time.Time         `json:"timestamp"`
	Success     bool              `json:"success"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewUsageEvent builds a successful usage event for a deduction.
func NewUsageEvent(principalID string, eventType EventType, cost int64) *UsageEvent {
	return &UsageEvent{
		ID:          id.NewUsageEventID(),
		PrincipalID: principalID,
		EventType:   eventType,
		Cost:        cost,
		Timestamp:   time.Now().UTC(),
		Success:     true,
	}
}

// NewFailedEvent builds an audit record for a denied consumption attempt.
func NewFailedEvent(principalID string, eventType EventType, cost int64, reason string) *UsageEvent {
	ev := NewUsageEvent(principalID, eventType, cost)
	ev.Success = false
	ev.Error = reason
	return ev
}

// CheckResult is the read-only verdict of a balance check.
type CheckResult struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
}

// ConsumeResult is the outcome of an atomic deduction.
type ConsumeResult struct {
	Success   bool            `json:"success"`
	Remaining int64           `json:"remaining"`
	EventID   id.UsageEventID `json:"event_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Stats aggregates a principal's usage for one period.
type Stats struct {
	PrincipalID  string              `json:"principal_id"`
	Period       string              `json:"period"`
	TotalEvents  int64               `json:"total_events"`
	TotalCredits int64               `json:"total_credits"`
	ByType       map[EventType]int64 `json:"by_type"`
}
