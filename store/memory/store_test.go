package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lessgo/admission"
	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/plan"
	"github.com/lessgo/admission/subscription"
)

const period = "2026-03"

func TestSubscriptionRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetSubscription(ctx, "nobody"); err != admission.ErrSubscriptionNotFound {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}

	sub := subscription.New("principal-1", plan.TierPro)
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetSubscription(ctx, "principal-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Tier != plan.TierPro {
		t.Errorf("tier = %q, want pro", got.Tier)
	}

	if err := s.SetSubscriptionTier(ctx, "principal-1", plan.TierAgency); err != nil {
		t.Fatalf("set tier: %v", err)
	}
	if err := s.SetSubscriptionStatus(ctx, "principal-1", subscription.StatusPastDue); err != nil {
		t.Fatalf("set status: %v", err)
	}

	got, _ = s.GetSubscription(ctx, "principal-1")
	if got.Tier != plan.TierAgency || got.Status != subscription.StatusPastDue {
		t.Errorf("got tier=%q status=%q after updates", got.Tier, got.Status)
	}
}

func TestDebitSequence(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.EnsureBalance(ctx, "p1", period, 10); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// Exact drain succeeds.
	remaining, err := s.Debit(ctx, "p1", period, credit.NewUsageEvent("p1", credit.EventPageGeneration, 10))
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}

	// Next debit is denied and leaves the balance untouched.
	_, err = s.Debit(ctx, "p1", period, credit.NewUsageEvent("p1", credit.EventElementRegen, 1))
	if err != admission.ErrInsufficientCredits {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	b, err := s.GetBalance(ctx, "p1", period)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if b.Remaining != 0 || b.Used != 10 {
		t.Errorf("balance remaining=%d used=%d, want 0/10", b.Remaining, b.Used)
	}
}

func TestConcurrentDebits(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.EnsureBalance(ctx, "p1", period, 10); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	var wg sync.WaitGroup
	successes := make(chan int64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remaining, err := s.Debit(ctx, "p1", period, credit.NewUsageEvent("p1", credit.EventPageGeneration, 6))
			if err == nil {
				successes <- remaining
			}
		}()
	}
	wg.Wait()
	close(successes)

	var wins []int64
	for r := range successes {
		wins = append(wins, r)
	}
	if len(wins) != 1 {
		t.Fatalf("exactly one of two 6-credit debits against 10 should win, got %d", len(wins))
	}
	if wins[0] != 4 {
		t.Errorf("winner remaining = %d, want 4", wins[0])
	}

	b, _ := s.GetBalance(ctx, "p1", period)
	if b.Remaining < 0 {
		t.Fatalf("balance went negative: %d", b.Remaining)
	}
	if b.Remaining != 4 {
		t.Errorf("final remaining = %d, want 4", b.Remaining)
	}
}

func TestBalanceReadsDoNotAliasStoredState(t *testing.T) {
	s := New()
	ctx := context.Background()

	snapshot, err := s.EnsureBalance(ctx, "p1", period, 30)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if _, err := s.Debit(ctx, "p1", period, credit.NewUsageEvent("p1", credit.EventPageGeneration, 10)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if snapshot.Remaining != 30 {
		t.Errorf("snapshot remaining = %d after a later debit, want the value at read time (30)", snapshot.Remaining)
	}

	// Writes to a returned balance must not leak into the store.
	got, _ := s.GetBalance(ctx, "p1", period)
	got.Remaining = 0
	got, _ = s.GetBalance(ctx, "p1", period)
	if got.Remaining != 20 {
		t.Errorf("remaining = %d after mutating a returned copy, want 20", got.Remaining)
	}

	sub := subscription.New("p1", plan.TierFree)
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	sub.Tier = plan.TierEnterprise
	stored, _ := s.GetSubscription(ctx, "p1")
	if stored.Tier != plan.TierFree {
		t.Errorf("tier = %q after mutating the upserted struct, want free", stored.Tier)
	}
}

func TestConcurrentReadsDuringDebits(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.EnsureBalance(ctx, "p1", period, 1_000_000); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Debit(ctx, "p1", period, credit.NewUsageEvent("p1", credit.EventElementRegen, 1)); err != nil {
				t.Errorf("debit: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := s.GetBalance(ctx, "p1", period)
			if err != nil {
				t.Errorf("get balance: %v", err)
				return
			}
			if b.Used+b.Remaining != b.Limit {
				t.Errorf("torn read: used=%d remaining=%d limit=%d", b.Used, b.Remaining, b.Limit)
			}
		}()
	}
	wg.Wait()

	b, _ := s.GetBalance(ctx, "p1", period)
	if b.Used != 50 {
		t.Errorf("used = %d, want 50", b.Used)
	}
}

func TestEventDeductionParity(t *testing.T) {
	s := New()
	ctx := context.Background()

	// UsageStats matches events to the period via their timestamps, so
	// this test's period must come from the clock, not the suite constant.
	period := credit.PeriodOf(time.Now())

	if _, err := s.EnsureBalance(ctx, "p1", period, 5); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	successful := 0
	for i := 0; i < 8; i++ {
		if _, err := s.Debit(ctx, "p1", period, credit.NewUsageEvent("p1", credit.EventElementRegen, 1)); err == nil {
			successful++
		}
	}
	if successful != 5 {
		t.Fatalf("successful debits = %d, want 5", successful)
	}

	events, err := s.QueryEvents(ctx, "p1", credit.QueryOpts{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != successful {
		t.Errorf("recorded events = %d, want one per successful debit (%d)", len(events), successful)
	}

	stats, err := s.UsageStats(ctx, "p1", period)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEvents != int64(successful) || stats.TotalCredits != 5 {
		t.Errorf("stats events=%d credits=%d, want 5/5", stats.TotalEvents, stats.TotalCredits)
	}
}

func TestUnlimitedBalance(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.EnsureBalance(ctx, "ent", period, credit.Unlimited); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	for i := 0; i < 100; i++ {
		remaining, err := s.Debit(ctx, "ent", period, credit.NewUsageEvent("ent", credit.EventPageGeneration, 10))
		if err != nil {
			t.Fatalf("unlimited debit %d failed: %v", i, err)
		}
		if remaining != credit.Unlimited {
			t.Fatalf("remaining = %d, want unlimited sentinel", remaining)
		}
	}
}

func TestCreditBackCappedAtLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.EnsureBalance(ctx, "p1", period, 10); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := s.Debit(ctx, "p1", period, credit.NewUsageEvent("p1", credit.EventSectionRegen, 2)); err != nil {
		t.Fatalf("debit: %v", err)
	}

	ev := credit.NewUsageEvent("p1", credit.EventRefund, 0)
	remaining, err := s.CreditBack(ctx, "p1", period, 5, ev)
	if err != nil {
		t.Fatalf("credit back: %v", err)
	}
	if remaining != 10 {
		t.Errorf("remaining = %d, refund should cap at the period limit", remaining)
	}
}

func TestResetAndLimitUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.EnsureBalance(ctx, "p1", period, 10); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := s.Debit(ctx, "p1", period, credit.NewUsageEvent("p1", credit.EventPageGeneration, 10)); err != nil {
		t.Fatalf("debit: %v", err)
	}

	if err := s.SetBalanceLimit(ctx, "p1", period, 30); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	b, _ := s.GetBalance(ctx, "p1", period)
	if b.Limit != 30 || b.Remaining != 20 {
		t.Errorf("after limit raise: limit=%d remaining=%d, want 30/20", b.Limit, b.Remaining)
	}

	if err := s.ResetBalance(ctx, "p1", period, 30); err != nil {
		t.Fatalf("reset: %v", err)
	}
	b, _ = s.GetBalance(ctx, "p1", period)
	if b.Used != 0 || b.Remaining != 30 {
		t.Errorf("after reset: used=%d remaining=%d, want 0/30", b.Used, b.Remaining)
	}
}

func TestQueryEventsFilters(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.EnsureBalance(ctx, "p1", period, 100); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Debit(ctx, "p1", period, credit.NewUsageEvent("p1", credit.EventSectionRegen, 2)); err != nil {
			t.Fatalf("debit: %v", err)
		}
	}
	if _, err := s.Debit(ctx, "p1", period, credit.NewUsageEvent("p1", credit.EventPageGeneration, 10)); err != nil {
		t.Fatalf("debit: %v", err)
	}

	events, err := s.QueryEvents(ctx, "p1", credit.QueryOpts{EventType: credit.EventSectionRegen})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("filtered events = %d, want 3", len(events))
	}

	events, err = s.QueryEvents(ctx, "p1", credit.QueryOpts{Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("limited events = %d, want 2", len(events))
	}
}
