// Package ratelimit implements a fixed-window rate limiter over an
// anonymized composite key. The window counter resets at aligned time
// boundaries, which admits up to twice the nominal rate across a window
// edge in exchange for O(1) memory and decision cost per key.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Policy is one rate-limit configuration.
type Policy struct {
	Limit  int64
	Window time.Duration
}

// DefaultPolicy allows 100 hits per hour per key.
var DefaultPolicy = Policy{Limit: 100, Window: time.Hour}

// Decision is the verdict for one hit. Produced fresh per call, never
// cached across requests.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// CounterStore is the keyed counter backing a Limiter. The in-memory
// implementation serves single-process deployments; the redis one
// shares counters across instances. Running multiple instances on the
// memory store multiplies the effective limit by the instance count.
type CounterStore interface {
	// Hit atomically increments the counter for key, creating it with
	// the window's lifetime on first hit, and returns the post-increment
	// count and the window's reset time.
	Hit(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)

	// Sweep drops entries expired as of now. Stores with native TTL
	// expiry may treat this as a no-op.
	Sweep(now time.Time) int

	// Len reports the number of live entries.
	Len() int
}

// Limiter decides admit/deny for anonymous traffic.
type Limiter struct {
	store  CounterStore
	policy Policy
	logger *slog.Logger
	now    func() time.Time

	sweepEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicy overrides the default policy.
func WithPolicy(p Policy) Option {
	return func(l *Limiter) { l.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepEvery = d }
}

// WithClock overrides the time source. Test use.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter over the given counter store.
func New(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		policy:     DefaultPolicy,
		logger:     slog.Default(),
		now:        time.Now,
		sweepEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit decides one hit under the limiter's default policy.
func (l *Limiter) Admit(ctx context.Context, req Request) (*Decision, error) {
	return l.AdmitWith(ctx, req, l.policy)
}

// AdmitWith decides one hit under an explicit policy (per-tier variants
// of authenticated paths use this).
//
// The window start is aligned to the policy window, and is part of the
// derived key, so a hit after the window boundary always lands on a
// fresh counter. On a store failure the limiter fails open: anonymous
// ingestion must not hard-fail because a shared counter store blipped.
func (l *Limiter) AdmitWith(ctx context.Context, req Request, p Policy) (*Decision, error) {
	now := l.now()
	windowMs := p.Window.Milliseconds()
	windowStart := now.UnixMilli() / windowMs * windowMs
	key := deriveKey(req, windowStart)

	count, resetAt, err := l.store.Hit(ctx, key, p.Window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, admitting", "error", err)
		return &Decision{Allowed: true, Limit: p.Limit, Remaining: 0, ResetAt: now.Add(p.Window)}, nil
	}

	d := &Decision{
		Allowed: count <= p.Limit,
		Limit:   p.Limit,
		ResetAt: resetAt,
	}
	if remaining := p.Limit - count; remaining > 0 {
		d.Remaining = remaining
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}

// Start launches the background sweep worker. The request path never
// sweeps; expired entries are reclaimed here.
func (l *Limiter) Start() {
	if l.stopCh != nil {
		return
	}
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.sweepWorker()
}

// Stop terminates the sweep worker and waits for it to exit.
func (l *Limiter) Stop() {
	if l.stopCh == nil {
		return
	}
	close(l.stopCh)
	<-l.doneCh
	l.stopCh = nil
}

func (l *Limiter) sweepWorker() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if n := l.store.Sweep(l.now()); n > 0 {
				l.logger.Debug("swept expired rate limit entries", "count", n, "live", l.store.Len())
			}
		}
	}
}
