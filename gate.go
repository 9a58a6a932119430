package admission

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/id"
	"github.com/lessgo/admission/plan"
	"github.com/lessgo/admission/plugin"
	"github.com/lessgo/admission/ratelimit"
	"github.com/lessgo/admission/store"
	"github.com/lessgo/admission/subscription"
)

// Gate is the admission engine. It answers two questions: may this
// anonymous request pass the rate limiter, and may this authenticated
// principal run a gated operation given its plan and credit balance.
type Gate struct {
	store   store.Store
	plans   *plan.Registry
	plugins *plugin.Registry
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Gate over the given store. Without options it uses the
// builtin tier catalog and an in-memory rate limiter.
func New(s store.Store, opts ...Option) *Gate {
	g := &Gate{
		store:   s,
		plans:   plan.Builtin(),
		plugins: plugin.NewRegistry(),
		limiter: ratelimit.New(ratelimit.NewMemoryCounters()),
		logger:  slog.Default(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Option configures a Gate instance.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
		g.plugins.WithLogger(logger)
	}
}

// WithRegistry replaces the builtin tier catalog.
func WithRegistry(r *plan.Registry) Option {
	return func(g *Gate) { g.plans = r }
}

// WithRateLimiter replaces the default in-memory limiter.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(g *Gate) { g.limiter = l }
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(g *Gate) {
		_ = g.plugins.Register(p)
	}
}

// WithClock overrides the time source. Test use.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Start migrates the store, initializes plugins, and launches the rate
// limiter's background sweep.
func (g *Gate) Start(ctx context.Context) error {
	if err := g.store.Migrate(ctx); err != nil {
		return err
	}

	g.plugins.EmitInit(ctx, g)
	g.limiter.Start()

	g.logger.Info("admission gate started", "plugins", g.plugins.Count())
	return nil
}

// Stop shuts down the Gate.
func (g *Gate) Stop() error {
	g.limiter.Stop()
	g.plugins.EmitShutdown(context.Background())
	return g.store.Close()
}

// Ping reports store health.
func (g *Gate) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}

// Limiter returns the anonymous-traffic rate limiter.
func (g *Gate) Limiter() *ratelimit.Limiter { return g.limiter }

// Plans returns the tier catalog.
func (g *Gate) Plans() *plan.Registry { return g.plans }

// ──────────────────────────────────────────────────
// Anonymous admission
// ──────────────────────────────────────────────────

// AdmitAnonymous decides one anonymous hit under the default policy.
func (g *Gate) AdmitAnonymous(ctx context.Context, req ratelimit.Request) (*ratelimit.Decision, error) {
	d, err := g.limiter.Admit(ctx, req)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		g.plugins.EmitRateLimited(ctx, req.ResourceID, d.Limit)
	}
	return d, nil
}

// AdmitResource decides one hit against a principal's tier rate policy.
// Resource owners on higher tiers tolerate more anonymous traffic.
func (g *Gate) AdmitResource(ctx context.Context, ownerID string, req ratelimit.Request) (*ratelimit.Decision, error) {
	_, cfg, err := g.resolvePlan(ctx, ownerID)
	if err != nil {
		// An unresolvable owner falls back to the default policy rather
		// than blocking visitor traffic to the page.
		return g.AdmitAnonymous(ctx, req)
	}

	policy := ratelimit.Policy{
		Limit:  cfg.RatePolicy.MaxRequests,
		Window: cfg.RatePolicy.Window,
	}
	d, err := g.limiter.AdmitWith(ctx, req, policy)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		g.plugins.EmitRateLimited(ctx, req.ResourceID, d.Limit)
	}
	return d, nil
}

// ──────────────────────────────────────────────────
// Gated admission
// ──────────────────────────────────────────────────

// Denial codes carried on decisions and wire responses.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeError               = "ERROR"
)

// Request describes one gated operation to admit.
type Request struct {
	// PrincipalID identifies the authenticated caller. Empty means
	// unauthenticated.
	PrincipalID string

	// EventType is the credit-priced operation being attempted.
	EventType credit.EventType

	// Feature, when set, must be granted by the principal's tier.
	Feature plan.FeatureKey

	// Limit and CurrentCount, when Limit is set, gate on a numeric plan
	// ceiling. The caller supplies the current count.
	Limit        plan.LimitKey
	CurrentCount int64

	// Endpoint and Metadata annotate the usage trail.
	Endpoint string
	Metadata map[string]string
}

// Decision is the verdict for one gated request. StatusCode is the
// HTTP status the transport should answer with.
type Decision struct {
	Allowed     bool             `json:"allowed"`
	StatusCode  int              `json:"status_code"`
	Code        string           `json:"code,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Remaining   int64            `json:"remaining"`
	CreditsUsed int64            `json:"credits_used"`
	EventID     id.UsageEventID  `json:"event_id,omitempty"`
	PrincipalID string           `json:"principal_id,omitempty"`
	EventType   credit.EventType `json:"event_type,omitempty"`
}

func deny(status int, code, reason string) *Decision {
	return &Decision{StatusCode: status, Code: code, Reason: reason}
}

// Admit runs the full admission pipeline and, when every check passes,
// consumes the operation's credits. The checks run in a fixed order so
// a caller failing several at once always sees the same denial:
// authentication, then feature, then limit, then credits. Credits are
// charged before the operation runs; a failed operation is refunded
// only through an explicit RefundCredits call.
func (g *Gate) Admit(ctx context.Context, req Request) (*Decision, error) {
	return g.admit(ctx, req, true)
}

// Preflight runs the same pipeline as Admit but stops short of the
// debit, so a client can probe eligibility without being charged.
func (g *Gate) Preflight(ctx context.Context, req Request) (*Decision, error) {
	return g.admit(ctx, req, false)
}

func (g *Gate) admit(ctx context.Context, req Request, consume bool) (*Decision, error) {
	d, err := g.check(ctx, req, consume)
	if err != nil {
		return nil, err
	}

	d.PrincipalID = req.PrincipalID
	d.EventType = req.EventType
	g.plugins.EmitDecision(ctx, d)
	return d, nil
}

func (g *Gate) check(ctx context.Context, req Request, consume bool) (*Decision, error) {
	if req.PrincipalID == "" {
		return deny(401, CodeUnauthorized, "authentication required"), nil
	}

	sub, cfg, err := g.resolvePlan(ctx, req.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrUnknownPrincipal) {
			return deny(403, CodeForbidden, "no subscription on file"), nil
		}
		return nil, err
	}
	if !sub.Gated() {
		return deny(403, CodeForbidden, "subscription is not active"), nil
	}

	if req.Feature != "" {
		if !plan.KnownFeature(req.Feature) {
			return nil, unknownKeyError(ErrUnknownFeature, string(req.Feature))
		}
		if !cfg.HasFeature(req.Feature) {
			return deny(403, CodeForbidden, "plan does not include "+string(req.Feature)), nil
		}
	}

	if req.Limit != "" {
		if !plan.KnownLimit(req.Limit) {
			return nil, unknownKeyError(ErrUnknownLimit, string(req.Limit))
		}
		check, ok := cfg.CheckLimit(req.Limit, req.CurrentCount)
		if !ok {
			return nil, unknownKeyError(ErrUnknownLimit, string(req.Limit))
		}
		if !check.Allowed {
			g.plugins.EmitQuotaExceeded(ctx, req.PrincipalID, req.Limit, check.Current, check.Limit)
			return deny(403, CodeForbidden, "plan limit reached for "+string(req.Limit)), nil
		}
	}

	// An empty event type gates on plan alone; no credits move.
	if req.EventType == "" {
		return &Decision{Allowed: true, StatusCode: 200, Remaining: credit.Unlimited}, nil
	}

	cost, ok := credit.CostOf(req.EventType)
	if !ok {
		return nil, unknownKeyError(ErrUnknownEventType, string(req.EventType))
	}

	period := credit.PeriodOf(g.now())
	balance, err := g.store.EnsureBalance(ctx, req.PrincipalID, period, cfg.MonthlyCredits)
	if err != nil {
		return nil, err
	}

	if !consume {
		if !balance.IsUnlimited() && balance.Remaining < cost {
			return &Decision{
				StatusCode: 402,
				Code:       CodeInsufficientCredits,
				Reason:     "insufficient credits",
				Remaining:  balance.Remaining,
			}, nil
		}
		return &Decision{
			Allowed:    true,
			StatusCode: 200,
			Remaining:  balance.Remaining,
		}, nil
	}

	ev := credit.NewUsageEvent(req.PrincipalID, req.EventType, cost)
	ev.Endpoint = req.Endpoint
	ev.Metadata = req.Metadata

	remaining, err := g.store.Debit(ctx, req.PrincipalID, period, ev)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			failed := credit.NewFailedEvent(req.PrincipalID, req.EventType, cost, "insufficient credits")
			failed.Endpoint = req.Endpoint
			if aerr := g.store.AppendEvent(ctx, failed); aerr != nil {
				g.logger.Warn("failed to record denied attempt", "error", aerr)
			} else {
				g.plugins.EmitUsageRecorded(ctx, failed)
			}
			return &Decision{
				StatusCode: 402,
				Code:       CodeInsufficientCredits,
				Reason:     "insufficient credits",
				Remaining:  remaining,
			}, nil
		}
		return nil, err
	}

	g.plugins.EmitCreditsConsumed(ctx, ev, remaining)
	g.plugins.EmitUsageRecorded(ctx, ev)

	return &Decision{
		Allowed:     true,
		StatusCode:  200,
		Remaining:   remaining,
		CreditsUsed: cost,
		EventID:     ev.ID,
	}, nil
}

// ──────────────────────────────────────────────────
// Credit operations
// ──────────────────────────────────────────────────

// CheckCredits reports whether the principal could afford the operation
// right now. Read-only; a later consumption re-runs the check.
func (g *Gate) CheckCredits(ctx context.Context, principalID string, eventType credit.EventType) (*credit.CheckResult, error) {
	cost, ok := credit.CostOf(eventType)
	if !ok {
		return nil, unknownKeyError(ErrUnknownEventType, string(eventType))
	}

	balance, err := g.provisionBalance(ctx, principalID)
	if err != nil {
		return nil, err
	}

	if balance.IsUnlimited() {
		return &credit.CheckResult{Allowed: true, Remaining: credit.Unlimited}, nil
	}
	return &credit.CheckResult{
		Allowed:   balance.Remaining >= cost,
		Remaining: balance.Remaining,
	}, nil
}

// ConsumeCredits atomically deducts the operation's cost and records the
// usage event. A denial records a failed attempt instead.
func (g *Gate) ConsumeCredits(ctx context.Context, principalID string, eventType credit.EventType, endpoint string, metadata map[string]string) (*credit.ConsumeResult, error) {
	d, err := g.admit(ctx, Request{
		PrincipalID: principalID,
		EventType:   eventType,
		Endpoint:    endpoint,
		Metadata:    metadata,
	}, true)
	if err != nil {
		return nil, err
	}

	res := &credit.ConsumeResult{
		Success:   d.Allowed,
		Remaining: d.Remaining,
		EventID:   d.EventID,
	}
	if !d.Allowed {
		res.Error = d.Reason
	}
	return res, nil
}

// Refund is the record of an explicit credit return.
type Refund struct {
	ID        id.RefundID     `json:"id"`
	Amount    int64           `json:"amount"`
	Remaining int64           `json:"remaining"`
	EventID   id.UsageEventID `json:"event_id"`
}

// RefundCredits returns amount credits to the principal's current
// period. Refunds are never automatic: a failed generation keeps its
// charge until an operator or a compensation flow calls this.
func (g *Gate) RefundCredits(ctx context.Context, principalID string, amount int64, reason string) (*Refund, error) {
	if amount <= 0 {
		return nil, ValidationError{Field: "amount", Message: "must be positive"}
	}

	refundID := id.NewRefundID()
	ev := credit.NewUsageEvent(principalID, credit.EventRefund, 0)
	ev.Metadata = map[string]string{
		"refund_id": refundID.String(),
		"amount":    strconv.FormatInt(amount, 10),
		"reason":    reason,
	}

	period := credit.PeriodOf(g.now())
	remaining, err := g.store.CreditBack(ctx, principalID, period, amount, ev)
	if err != nil {
		return nil, err
	}

	g.plugins.EmitCreditsRefunded(ctx, ev, amount)
	g.plugins.EmitUsageRecorded(ctx, ev)

	return &Refund{
		ID:        refundID,
		Amount:    amount,
		Remaining: remaining,
		EventID:   ev.ID,
	}, nil
}

// GetBalance returns the principal's balance for the current period,
// provisioning it at the tier's allowance on first touch.
func (g *Gate) GetBalance(ctx context.Context, principalID string) (*credit.Balance, error) {
	return g.provisionBalance(ctx, principalID)
}

// UsageStats aggregates the principal's successful consumption for the
// given period. An empty period means the current one.
func (g *Gate) UsageStats(ctx context.Context, principalID, period string) (*credit.Stats, error) {
	if period == "" {
		period = credit.PeriodOf(g.now())
	}
	return g.store.UsageStats(ctx, principalID, period)
}

// RecentEvents returns the principal's usage trail, newest first.
func (g *Gate) RecentEvents(ctx context.Context, principalID string, opts credit.QueryOpts) ([]*credit.UsageEvent, error) {
	return g.store.QueryEvents(ctx, principalID, opts)
}

// ──────────────────────────────────────────────────
// Plan operations
// ──────────────────────────────────────────────────

// HasFeature reports whether the principal's tier grants the feature.
func (g *Gate) HasFeature(ctx context.Context, principalID string, key plan.FeatureKey) (bool, error) {
	if !plan.KnownFeature(key) {
		return false, unknownKeyError(ErrUnknownFeature, string(key))
	}

	_, cfg, err := g.resolvePlan(ctx, principalID)
	if err != nil {
		return false, err
	}
	return cfg.HasFeature(key), nil
}

// CheckLimit compares the caller-supplied current count against the
// principal's tier ceiling for key.
func (g *Gate) CheckLimit(ctx context.Context, principalID string, key plan.LimitKey, currentCount int64) (plan.LimitCheck, error) {
	if !plan.KnownLimit(key) {
		return plan.LimitCheck{}, unknownKeyError(ErrUnknownLimit, string(key))
	}

	_, cfg, err := g.resolvePlan(ctx, principalID)
	if err != nil {
		return plan.LimitCheck{}, err
	}

	check, ok := cfg.CheckLimit(key, currentCount)
	if !ok {
		return plan.LimitCheck{}, unknownKeyError(ErrUnknownLimit, string(key))
	}
	if !check.Allowed {
		g.plugins.EmitQuotaExceeded(ctx, principalID, key, check.Current, check.Limit)
	}
	return check, nil
}

// ──────────────────────────────────────────────────
// Subscription administration
// ──────────────────────────────────────────────────

// SetPlan moves the principal to the given tier, creating the
// subscription record if none exists.
func (g *Gate) SetPlan(ctx context.Context, principalID string, tier plan.Tier) error {
	if _, ok := g.plans.Lookup(tier); !ok {
		return unknownKeyError(ErrUnknownTier, string(tier))
	}

	oldTier := plan.Tier("")
	sub, err := g.store.GetSubscription(ctx, principalID)
	switch {
	case err == nil:
		oldTier = sub.Tier
		if err := g.store.SetSubscriptionTier(ctx, principalID, tier); err != nil {
			return err
		}
	case errors.Is(err, ErrSubscriptionNotFound):
		if err := g.store.UpsertSubscription(ctx, subscription.New(principalID, tier)); err != nil {
			return err
		}
	default:
		return err
	}

	g.plugins.EmitPlanChanged(ctx, principalID, oldTier, tier)
	return nil
}

// UpdateStatus sets the principal's subscription status.
func (g *Gate) UpdateStatus(ctx context.Context, principalID string, status subscription.Status) error {
	return g.store.SetSubscriptionStatus(ctx, principalID, status)
}

// GetSubscription returns the principal's subscription record.
func (g *Gate) GetSubscription(ctx context.Context, principalID string) (*subscription.Subscription, error) {
	return g.store.GetSubscription(ctx, principalID)
}

// ResetCredits restores the principal's current-period balance to its
// tier allowance. Operator use.
func (g *Gate) ResetCredits(ctx context.Context, principalID string) error {
	_, cfg, err := g.resolvePlan(ctx, principalID)
	if err != nil {
		return err
	}
	return g.store.ResetBalance(ctx, principalID, credit.PeriodOf(g.now()), cfg.MonthlyCredits)
}

// UpdateCreditLimit overrides the principal's current-period allowance
// without touching usage. Operator use.
func (g *Gate) UpdateCreditLimit(ctx context.Context, principalID string, limit int64) error {
	if limit < credit.Unlimited {
		return ValidationError{Field: "limit", Message: "must be -1 or non-negative"}
	}
	return g.store.SetBalanceLimit(ctx, principalID, credit.PeriodOf(g.now()), limit)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// resolvePlan loads the principal's subscription and tier config. A
// principal without a subscription record fails closed.
func (g *Gate) resolvePlan(ctx context.Context, principalID string) (*subscription.Subscription, plan.Config, error) {
	sub, err := g.store.GetSubscription(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, plan.Config{}, ErrUnknownPrincipal
		}
		return nil, plan.Config{}, err
	}

	cfg, ok := g.plans.Lookup(sub.Tier)
	if !ok {
		return nil, plan.Config{}, unknownKeyError(ErrUnknownTier, string(sub.Tier))
	}
	return sub, cfg, nil
}

func (g *Gate) provisionBalance(ctx context.Context, principalID string) (*credit.Balance, error) {
	_, cfg, err := g.resolvePlan(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return g.store.EnsureBalance(ctx, principalID, credit.PeriodOf(g.now()), cfg.MonthlyCredits)
}
