package admission_test

import (
	"context"
	"errors"
	"testing"

	"github.com/lessgo/admission"
	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/plan"
	"github.com/lessgo/admission/ratelimit"
	"github.com/lessgo/admission/store/memory"
	"github.com/lessgo/admission/subscription"
)

func newTestGate(t *testing.T) *admission.Gate {
	t.Helper()

	g := admission.New(memory.New())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { g.Stop() })
	return g
}

func TestAdmitUnauthenticated(t *testing.T) {
	g := newTestGate(t)

	d, err := g.Admit(context.Background(), admission.Request{
		EventType: credit.EventPageGeneration,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Allowed || d.StatusCode != 401 || d.Code != admission.CodeUnauthorized {
		t.Errorf("got allowed=%v status=%d code=%q, want 401 UNAUTHORIZED", d.Allowed, d.StatusCode, d.Code)
	}
}

func TestAdmitUnknownPrincipalFailsClosed(t *testing.T) {
	g := newTestGate(t)

	d, err := g.Admit(context.Background(), admission.Request{
		PrincipalID: "stranger",
		EventType:   credit.EventPageGeneration,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Allowed || d.StatusCode != 403 {
		t.Errorf("principal without subscription must be denied, got allowed=%v status=%d", d.Allowed, d.StatusCode)
	}
}

func TestAdmitDenialOrdering(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	// A free-tier principal with no credits left fails multiple checks
	// at once; the feature denial must win over the credit denial.
	if err := g.SetPlan(ctx, "user-1", plan.TierFree); err != nil {
		t.Fatalf("set plan: %v", err)
	}
	if _, err := g.GetBalance(ctx, "user-1"); err != nil {
		t.Fatalf("provision balance: %v", err)
	}
	if err := g.UpdateCreditLimit(ctx, "user-1", 0); err != nil {
		t.Fatalf("zero limit: %v", err)
	}

	d, err := g.Admit(ctx, admission.Request{
		PrincipalID: "user-1",
		EventType:   credit.EventPageGeneration,
		Feature:     plan.FeatureWhiteLabel,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Allowed || d.StatusCode != 403 || d.Code != admission.CodeForbidden {
		t.Errorf("feature check must precede credit check, got status=%d code=%q", d.StatusCode, d.Code)
	}

	// The feature denial must leave no usage event behind.
	events, err := g.RecentEvents(ctx, "user-1", credit.QueryOpts{})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("feature denial recorded %d events, want none", len(events))
	}
}

func TestAdmitLimitCheck(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	if err := g.SetPlan(ctx, "user-1", plan.TierFree); err != nil {
		t.Fatalf("set plan: %v", err)
	}

	// Free tier allows 1 published page; at 1 the next publish is denied.
	d, err := g.Admit(ctx, admission.Request{
		PrincipalID:  "user-1",
		EventType:    credit.EventFieldValidate,
		Limit:        plan.LimitPublishedPages,
		CurrentCount: 1,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Allowed || d.StatusCode != 403 {
		t.Errorf("at-limit request must be denied, got allowed=%v status=%d", d.Allowed, d.StatusCode)
	}

	// Below the ceiling the same request passes.
	d, err = g.Admit(ctx, admission.Request{
		PrincipalID:  "user-1",
		EventType:    credit.EventFieldValidate,
		Limit:        plan.LimitPublishedPages,
		CurrentCount: 0,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !d.Allowed {
		t.Errorf("below-limit request denied: %s", d.Reason)
	}
}

func TestAdmitConsumesCredits(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	if err := g.SetPlan(ctx, "user-1", plan.TierFree); err != nil {
		t.Fatalf("set plan: %v", err)
	}

	// Free tier has 30 monthly credits; page generation costs 10.
	for i := 0; i < 3; i++ {
		d, err := g.Admit(ctx, admission.Request{
			PrincipalID: "user-1",
			EventType:   credit.EventPageGeneration,
		})
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("admit %d denied: %s", i, d.Reason)
		}
		if d.CreditsUsed != 10 {
			t.Errorf("credits used = %d, want 10", d.CreditsUsed)
		}
	}

	// The fourth attempt hits an empty balance.
	d, err := g.Admit(ctx, admission.Request{
		PrincipalID: "user-1",
		EventType:   credit.EventPageGeneration,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Allowed || d.StatusCode != 402 || d.Code != admission.CodeInsufficientCredits {
		t.Errorf("got allowed=%v status=%d code=%q, want 402 INSUFFICIENT_CREDITS", d.Allowed, d.StatusCode, d.Code)
	}

	// Three successful debits plus one failed attempt in the trail.
	events, err := g.RecentEvents(ctx, "user-1", credit.QueryOpts{})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("trail has %d events, want 4", len(events))
	}
	failed := 0
	for _, ev := range events {
		if !ev.Success {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("trail has %d failed events, want 1", failed)
	}
}

func TestPreflightDoesNotCharge(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	if err := g.SetPlan(ctx, "user-1", plan.TierFree); err != nil {
		t.Fatalf("set plan: %v", err)
	}

	d, err := g.Preflight(ctx, admission.Request{
		PrincipalID: "user-1",
		EventType:   credit.EventPageGeneration,
	})
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("preflight denied: %s", d.Reason)
	}
	if d.CreditsUsed != 0 {
		t.Errorf("preflight charged %d credits", d.CreditsUsed)
	}

	b, err := g.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Remaining != 30 || b.Used != 0 {
		t.Errorf("balance after preflight: remaining=%d used=%d, want 30/0", b.Remaining, b.Used)
	}

	events, _ := g.RecentEvents(ctx, "user-1", credit.QueryOpts{})
	if len(events) != 0 {
		t.Errorf("preflight recorded %d events, want none", len(events))
	}
}

func TestAdmitInactiveSubscription(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	if err := g.SetPlan(ctx, "user-1", plan.TierPro); err != nil {
		t.Fatalf("set plan: %v", err)
	}
	if err := g.UpdateStatus(ctx, "user-1", subscription.StatusCanceled); err != nil {
		t.Fatalf("update status: %v", err)
	}

	d, err := g.Admit(ctx, admission.Request{
		PrincipalID: "user-1",
		EventType:   credit.EventPageGeneration,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Allowed || d.StatusCode != 403 {
		t.Errorf("canceled subscription admitted, status=%d", d.StatusCode)
	}
}

func TestUnknownKeysAreInternalErrors(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	if err := g.SetPlan(ctx, "user-1", plan.TierPro); err != nil {
		t.Fatalf("set plan: %v", err)
	}

	_, err := g.Admit(ctx, admission.Request{
		PrincipalID: "user-1",
		EventType:   credit.EventPageGeneration,
		Feature:     plan.FeatureKey("bogusFeature"),
	})
	if !errors.Is(err, admission.ErrUnknownFeature) {
		t.Errorf("unknown feature key: got %v, want ErrUnknownFeature", err)
	}

	_, err = g.Admit(ctx, admission.Request{
		PrincipalID: "user-1",
		EventType:   credit.EventPageGeneration,
		Limit:       plan.LimitKey("bogusLimit"),
	})
	if !errors.Is(err, admission.ErrUnknownLimit) {
		t.Errorf("unknown limit key: got %v, want ErrUnknownLimit", err)
	}

	_, err = g.Admit(ctx, admission.Request{
		PrincipalID: "user-1",
		EventType:   credit.EventType("teleportation"),
	})
	if !errors.Is(err, admission.ErrUnknownEventType) {
		t.Errorf("unknown event type: got %v, want ErrUnknownEventType", err)
	}

	// Misconfiguration is never a user-facing denial.
	if admission.IsDenial(err) {
		t.Error("config errors must not classify as denials")
	}
}

func TestUnlimitedTierNeverDenied(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	if err := g.SetPlan(ctx, "ent-1", plan.TierEnterprise); err != nil {
		t.Fatalf("set plan: %v", err)
	}

	for i := 0; i < 50; i++ {
		d, err := g.Admit(ctx, admission.Request{
			PrincipalID: "ent-1",
			EventType:   credit.EventPageGeneration,
			Limit:       plan.LimitPublishedPages,
			// Far beyond any finite tier's ceiling.
			CurrentCount: 1_000_000,
		})
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("enterprise admit %d denied: %s", i, d.Reason)
		}
	}
}

func TestRefundRestoresBalance(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	if err := g.SetPlan(ctx, "user-1", plan.TierFree); err != nil {
		t.Fatalf("set plan: %v", err)
	}

	d, err := g.Admit(ctx, admission.Request{
		PrincipalID: "user-1",
		EventType:   credit.EventPageGeneration,
	})
	if err != nil || !d.Allowed {
		t.Fatalf("admit: %v (allowed=%v)", err, d != nil && d.Allowed)
	}

	refund, err := g.RefundCredits(ctx, "user-1", 10, "generation failed downstream")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Remaining != 30 {
		t.Errorf("remaining after refund = %d, want 30", refund.Remaining)
	}
	if refund.ID.IsNil() {
		t.Error("refund must carry its own id")
	}

	if _, err := g.RefundCredits(ctx, "user-1", 0, "noop"); err == nil {
		t.Error("zero-amount refund must be rejected")
	}
}

func TestConsumeAndCheckCredits(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	if err := g.SetPlan(ctx, "user-1", plan.TierFree); err != nil {
		t.Fatalf("set plan: %v", err)
	}

	check, err := g.CheckCredits(ctx, "user-1", credit.EventPageGeneration)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Allowed || check.Remaining != 30 {
		t.Errorf("check allowed=%v remaining=%d, want true/30", check.Allowed, check.Remaining)
	}

	res, err := g.ConsumeCredits(ctx, "user-1", credit.EventSectionRegen, "/v1/generate/section", nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.Success || res.Remaining != 28 {
		t.Errorf("consume success=%v remaining=%d, want true/28", res.Success, res.Remaining)
	}

	// Zero-cost operations still pass through and land in the trail.
	res, err = g.ConsumeCredits(ctx, "user-1", credit.EventFieldValidate, "/v1/generate/inference", nil)
	if err != nil {
		t.Fatalf("consume free op: %v", err)
	}
	if !res.Success || res.Remaining != 28 {
		t.Errorf("free op success=%v remaining=%d, want true/28", res.Success, res.Remaining)
	}

	stats, err := g.UsageStats(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEvents != 2 || stats.TotalCredits != 2 {
		t.Errorf("stats events=%d credits=%d, want 2/2", stats.TotalEvents, stats.TotalCredits)
	}
}

func TestAdmitResourceUsesTierPolicy(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	if err := g.SetPlan(ctx, "owner-free", plan.TierFree); err != nil {
		t.Fatalf("set plan: %v", err)
	}

	req := ratelimit.Request{
		SessionToken: "sess-1",
		UserAgent:    "Mozilla/5.0 (X11; Linux) Firefox/121.0",
		ResourceID:   "page-1",
	}

	// Free tier allows 5 per minute.
	for i := 0; i < 5; i++ {
		d, err := g.AdmitResource(ctx, "owner-free", req)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("hit %d denied under free policy", i)
		}
	}
	d, err := g.AdmitResource(ctx, "owner-free", req)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Allowed {
		t.Error("sixth hit within a minute should be denied on free tier")
	}

	// An unknown owner falls back to the default policy instead of
	// blocking visitors.
	d, err = g.AdmitResource(ctx, "ghost-owner", ratelimit.Request{
		SessionToken: "sess-2",
		UserAgent:    "Mozilla/5.0 (X11; Linux) Firefox/121.0",
		ResourceID:   "page-2",
	})
	if err != nil {
		t.Fatalf("admit fallback: %v", err)
	}
	if !d.Allowed {
		t.Error("fallback policy should admit the first hit")
	}
}

func TestSetPlanAndReset(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	if err := g.SetPlan(ctx, "user-1", plan.Tier("platinum")); !errors.Is(err, admission.ErrUnknownTier) {
		t.Fatalf("unknown tier: got %v, want ErrUnknownTier", err)
	}

	if err := g.SetPlan(ctx, "user-1", plan.TierFree); err != nil {
		t.Fatalf("set plan: %v", err)
	}

	// Drain some credits, then upgrade and reset.
	if _, err := g.ConsumeCredits(ctx, "user-1", credit.EventPageGeneration, "", nil); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := g.SetPlan(ctx, "user-1", plan.TierPro); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if err := g.ResetCredits(ctx, "user-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	b, err := g.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Remaining != 200 || b.Used != 0 {
		t.Errorf("after upgrade+reset: remaining=%d used=%d, want 200/0", b.Remaining, b.Used)
	}
}
