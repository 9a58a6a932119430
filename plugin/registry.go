package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/plan"
)

// Registry manages all registered plugins and provides efficient
// dispatch. Hook implementations are discovered once at registration,
// so emitting an event is a slice walk, not a type switch.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit            []OnInit
	onShutdown        []OnShutdown
	onDecision        []OnDecision
	onRateLimited     []OnRateLimited
	onQuotaExceeded   []OnQuotaExceeded
	onCreditsConsumed []OnCreditsConsumed
	onCreditsRefunded []OnCreditsRefunded
	onUsageRecorded   []OnUsageRecorded
	onPlanChanged     []OnPlanChanged
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var interfaces []string
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		interfaces = append(interfaces, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		interfaces = append(interfaces, "OnShutdown")
	}
	if v, ok := p.(OnDecision); ok {
		r.onDecision = append(r.onDecision, v)
		interfaces = append(interfaces, "OnDecision")
	}
	if v, ok := p.(OnRateLimited); ok {
		r.onRateLimited = append(r.onRateLimited, v)
		interfaces = append(interfaces, "OnRateLimited")
	}
	if v, ok := p.(OnQuotaExceeded); ok {
		r.onQuotaExceeded = append(r.onQuotaExceeded, v)
		interfaces = append(interfaces, "OnQuotaExceeded")
	}
	if v, ok := p.(OnCreditsConsumed); ok {
		r.onCreditsConsumed = append(r.onCreditsConsumed, v)
		interfaces = append(interfaces, "OnCreditsConsumed")
	}
	if v, ok := p.(OnCreditsRefunded); ok {
		r.onCreditsRefunded = append(r.onCreditsRefunded, v)
		interfaces = append(interfaces, "OnCreditsRefunded")
	}
	if v, ok := p.(OnUsageRecorded); ok {
		r.onUsageRecorded = append(r.onUsageRecorded, v)
		interfaces = append(interfaces, "OnUsageRecorded")
	}
	if v, ok := p.(OnPlanChanged); ok {
		r.onPlanChanged = append(r.onPlanChanged, v)
		interfaces = append(interfaces, "OnPlanChanged")
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", interfaces,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, engine)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitDecision emits a gate decision.
func (r *Registry) EmitDecision(ctx context.Context, decision interface{}) {
	r.mu.RLock()
	plugins := r.onDecision
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnDecision(ctx, decision)
		}); err != nil {
			r.logger.Warn("plugin OnDecision failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitRateLimited emits an anonymous rate-limit rejection.
func (r *Registry) EmitRateLimited(ctx context.Context, resourceID string, limit int64) {
	r.mu.RLock()
	plugins := r.onRateLimited
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnRateLimited(ctx, resourceID, limit)
		}); err != nil {
			r.logger.Warn("plugin OnRateLimited failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitQuotaExceeded emits a plan limit rejection.
func (r *Registry) EmitQuotaExceeded(ctx context.Context, principalID string, key plan.LimitKey, current, limit int64) {
	r.mu.RLock()
	plugins := r.onQuotaExceeded
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnQuotaExceeded(ctx, principalID, key, current, limit)
		}); err != nil {
			r.logger.Warn("plugin OnQuotaExceeded failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCreditsConsumed emits a successful debit.
func (r *Registry) EmitCreditsConsumed(ctx context.Context, ev *credit.UsageEvent, remaining int64) {
	r.mu.RLock()
	plugins := r.onCreditsConsumed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCreditsConsumed(ctx, ev, remaining)
		}); err != nil {
			r.logger.Warn("plugin OnCreditsConsumed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCreditsRefunded emits an explicit refund.
func (r *Registry) EmitCreditsRefunded(ctx context.Context, ev *credit.UsageEvent, amount int64) {
	r.mu.RLock()
	plugins := r.onCreditsRefunded
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCreditsRefunded(ctx, ev, amount)
		}); err != nil {
			r.logger.Warn("plugin OnCreditsRefunded failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitUsageRecorded emits an appended usage event.
func (r *Registry) EmitUsageRecorded(ctx context.Context, ev *credit.UsageEvent) {
	r.mu.RLock()
	plugins := r.onUsageRecorded
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnUsageRecorded(ctx, ev)
		}); err != nil {
			r.logger.Warn("plugin OnUsageRecorded failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPlanChanged emits a tier change.
func (r *Registry) EmitPlanChanged(ctx context.Context, principalID string, oldTier, newTier plan.Tier) {
	r.mu.RLock()
	plugins := r.onPlanChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPlanChanged(ctx, principalID, oldTier, newTier)
		}); err != nil {
			r.logger.Warn("plugin OnPlanChanged failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins must never block the admission pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
