package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

// MemoryCounters is an in-process CounterStore. Safe for concurrent use
// within one process only; see CounterStore for the multi-instance
// caveat.
type MemoryCounters struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryCounters creates an empty in-memory counter store.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Hit implements CounterStore.
func (m *MemoryCounters) Hit(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !e.resetAt.After(now) {
		e = &memoryEntry{count: 1, resetAt: now.Add(window)}
		m.entries[key] = e
		return 1, e.resetAt, nil
	}

	e.count++
	return e.count, e.resetAt, nil
}

// Sweep implements CounterStore.
func (m *MemoryCounters) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if !e.resetAt.After(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len implements CounterStore.
func (m *MemoryCounters) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
