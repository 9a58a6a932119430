package credit

import (
	"testing"
	"time"
)

func TestCostOf(t *testing.T) {
	tests := []struct {
		eventType EventType
		cost      int64
		priced    bool
	}{
		{EventPageGeneration, 10, true},
		{EventSectionRegen, 2, true},
		{EventElementRegen, 1, true},
		{EventFieldInference, 1, true},
		{EventFieldValidate, 0, true},
		{EventRefund, 0, false},
		{EventType("bogus"), 0, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			cost, ok := CostOf(tt.eventType)
			if ok != tt.priced {
				t.Fatalf("priced = %v, want %v", ok, tt.priced)
			}
			if cost != tt.cost {
				t.Errorf("cost = %d, want %d", cost, tt.cost)
			}
		})
	}
}

func TestPeriodOf(t *testing.T) {
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), "2026-03"},
		{time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC), "2026-03"},
		{time.Date(2026, 12, 15, 12, 0, 0, 0, time.UTC), "2026-12"},
		// Local time ahead of UTC still lands in the UTC period.
		{time.Date(2026, 4, 1, 0, 30, 0, 0, time.FixedZone("east", 3600)), "2026-03"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := PeriodOf(tt.at); got != tt.want {
				t.Errorf("PeriodOf(%v) = %q, want %q", tt.at, got, tt.want)
			}
		})
	}
}

func TestDaysUntilReset(t *testing.T) {
	b := &Balance{Period: "2026-03"}

	tests := []struct {
		now  time.Time
		want int
	}{
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 31},
		{time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC), 2},
		{time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC), 0},
	}

	for _, tt := range tests {
		if got := b.DaysUntilReset(tt.now); got != tt.want {
			t.Errorf("DaysUntilReset(%v) = %d, want %d", tt.now, got, tt.want)
		}
	}
}

func TestNewFailedEvent(t *testing.T) {
	ev := NewFailedEvent("principal-1", EventPageGeneration, 10, "insufficient credits")
	if ev.Success {
		t.Error("failed event should not be marked successful")
	}
	if ev.Error == "" {
		t.Error("failed event should carry a reason")
	}
	if ev.ID.IsNil() {
		t.Error("event should have an ID")
	}
	if ev.Cost != 10 {
		t.Errorf("cost = %d, want 10", ev.Cost)
	}
}

func TestBalanceIsUnlimited(t *testing.T) {
	if (&Balance{Limit: 200}).IsUnlimited() {
		t.Error("finite balance reported unlimited")
	}
	if !(&Balance{Limit: Unlimited}).IsUnlimited() {
		t.Error("unlimited balance not reported")
	}
}
