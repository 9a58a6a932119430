// Package memory provides an in-process Store for tests and
// single-instance deployments. The single mutex serializes debits, so
// the conditional-decrement contract holds within the process.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/lessgo/admission"
	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/plan"
	"github.com/lessgo/admission/subscription"
	"github.com/lessgo/admission/types"
)

type Store struct {
	mu sync.RWMutex

	// Subscription storage, keyed by principal
	subscriptions map[string]*subscription.Subscription

	// Balance storage, keyed by principal + period
	balances map[string]*credit.Balance

	// Append-only usage event trail
	usageEvents []credit.UsageEvent
}

func New() *Store {
	return &Store{
		subscriptions: make(map[string]*subscription.Subscription),
		balances:      make(map[string]*credit.Balance),
		usageEvents:   make([]credit.UsageEvent, 0),
	}
}

func balanceKey(principalID, period string) string {
	return principalID + "|" + period
}

// Subscription Store implementation

func (s *Store) UpsertSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sub
	s.subscriptions[sub.PrincipalID] = &cp
	return nil
}

// GetSubscription returns a copy; the stored record mutates under the
// lock during tier and status updates.
func (s *Store) GetSubscription(_ context.Context, principalID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[principalID]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, admission.ErrSubscriptionNotFound
}

func (s *Store) SetSubscriptionTier(_ context.Context, principalID string, tier plan.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[principalID]
	if !ok {
		return admission.ErrSubscriptionNotFound
	}
	sub.Tier = tier
	sub.Touch()
	return nil
}

func (s *Store) SetSubscriptionStatus(_ context.Context, principalID string, status subscription.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[principalID]
	if !ok {
		return admission.ErrSubscriptionNotFound
	}
	sub.Status = status
	sub.Touch()
	return nil
}

// Credit Store implementation

// EnsureBalance returns a copy, never the stored struct: callers read
// the result outside the lock while concurrent debits mutate the
// original under it.
func (s *Store) EnsureBalance(_ context.Context, principalID, period string, limit int64) (*credit.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *s.ensureBalanceLocked(principalID, period, limit)
	return &cp, nil
}

func (s *Store) ensureBalanceLocked(principalID, period string, limit int64) *credit.Balance {
	key := balanceKey(principalID, period)
	if b, ok := s.balances[key]; ok {
		return b
	}

	b := &credit.Balance{
		Entity:      types.NewEntity(),
		PrincipalID: principalID,
		Period:      period,
		Limit:       limit,
		Used:        0,
		Remaining:   limit,
	}
	s.balances[key] = b
	return b
}

func (s *Store) GetBalance(_ context.Context, principalID, period string) (*credit.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.balances[balanceKey(principalID, period)]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, admission.ErrBalanceNotFound
}

// Debit holds the write lock across the check, the decrement, and the
// event append, making the three one atomic unit.
func (s *Store) Debit(_ context.Context, principalID, period string, ev *credit.UsageEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[balanceKey(principalID, period)]
	if !ok {
		return 0, admission.ErrBalanceNotFound
	}

	if b.Limit == credit.Unlimited {
		b.Used += ev.Cost
		b.Touch()
		s.usageEvents = append(s.usageEvents, *ev)
		return credit.Unlimited, nil
	}

	if b.Remaining < ev.Cost {
		return b.Remaining, admission.ErrInsufficientCredits
	}

	b.Remaining -= ev.Cost
	b.Used += ev.Cost
	b.Touch()
	s.usageEvents = append(s.usageEvents, *ev)
	return b.Remaining, nil
}

func (s *Store) CreditBack(_ context.Context, principalID, period string, amount int64, ev *credit.UsageEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[balanceKey(principalID, period)]
	if !ok {
		return 0, admission.ErrBalanceNotFound
	}

	if b.Limit != credit.Unlimited {
		b.Remaining += amount
		if b.Remaining > b.Limit {
			b.Remaining = b.Limit
		}
		if b.Used -= amount; b.Used < 0 {
			b.Used = 0
		}
	}
	b.Touch()
	s.usageEvents = append(s.usageEvents, *ev)
	return b.Remaining, nil
}

func (s *Store) AppendEvent(_ context.Context, ev *credit.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usageEvents = append(s.usageEvents, *ev)
	return nil
}

func (s *Store) QueryEvents(_ context.Context, principalID string, opts credit.QueryOpts) ([]*credit.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*credit.UsageEvent, 0)
	for i := range s.usageEvents {
		ev := s.usageEvents[i]
		if ev.PrincipalID != principalID {
			continue
		}
		if opts.EventType != "" && ev.EventType != opts.EventType {
			continue
		}
		if !opts.Start.IsZero() && ev.Timestamp.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && ev.Timestamp.After(opts.End) {
			continue
		}
		result = append(result, &ev)
	}

	// Newest first.
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})

	start := opts.Offset
	if start > len(result) {
		start = len(result)
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) UsageStats(_ context.Context, principalID, period string) (*credit.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &credit.Stats{
		PrincipalID: principalID,
		Period:      period,
		ByType:      make(map[credit.EventType]int64),
	}

	for i := range s.usageEvents {
		ev := &s.usageEvents[i]
		if ev.PrincipalID != principalID || !ev.Success {
			continue
		}
		if credit.PeriodOf(ev.Timestamp) != period {
			continue
		}
		stats.TotalEvents++
		stats.TotalCredits += ev.Cost
		stats.ByType[ev.EventType]++
	}

	return stats, nil
}

func (s *Store) ResetBalance(_ context.Context, principalID, period string, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.ensureBalanceLocked(principalID, period, limit)
	b.Limit = limit
	b.Used = 0
	b.Remaining = limit
	b.Touch()
	return nil
}

func (s *Store) SetBalanceLimit(_ context.Context, principalID, period string, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[balanceKey(principalID, period)]
	if !ok {
		return admission.ErrBalanceNotFound
	}

	b.Limit = limit
	if limit == credit.Unlimited {
		b.Remaining = credit.Unlimited
	} else {
		b.Remaining = limit - b.Used
		if b.Remaining < 0 {
			b.Remaining = 0
		}
	}
	b.Touch()
	return nil
}

// Core methods

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }
