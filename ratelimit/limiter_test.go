package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(t *testing.T, p Policy) (*Limiter, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	l := New(NewMemoryCounters(),
		WithPolicy(p),
		WithClock(func() time.Time { return now }),
	)
	return l, &now
}

func TestAdmitUnderLimit(t *testing.T) {
	l, _ := testLimiter(t, Policy{Limit: 3, Window: time.Hour})
	req := Request{SessionToken: "tok", UserAgent: "Mozilla/5.0 Chrome/120", ResourceID: "page-1"}

	for i := int64(1); i <= 3; i++ {
		d, err := l.Admit(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "hit %d should be allowed", i)
		assert.Equal(t, 3-i, d.Remaining)
	}

	d, err := l.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Positive(t, d.RetryAfter)
}

func TestLimitExhaustion(t *testing.T) {
	l, _ := testLimiter(t, Policy{Limit: 100, Window: time.Hour})
	req := Request{SessionToken: "s", UserAgent: "ua", ResourceID: "r"}

	for i := 0; i < 100; i++ {
		d, err := l.Admit(context.Background(), req)
		require.NoError(t, err)
		require.True(t, d.Allowed, "hit %d", i+1)
	}

	d, err := l.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "hit 101 must be denied")
}

func TestWindowDeterminism(t *testing.T) {
	l, now := testLimiter(t, Policy{Limit: 10, Window: time.Hour})
	req := Request{SessionToken: "s", UserAgent: "ua", ResourceID: "r"}

	d1, err := l.Admit(context.Background(), req)
	require.NoError(t, err)

	// Later in the same window: same reset time.
	*now = now.Add(20 * time.Minute)
	d2, err := l.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, d1.ResetAt, d2.ResetAt)
}

func TestResetAfterWindow(t *testing.T) {
	l, now := testLimiter(t, Policy{Limit: 2, Window: time.Minute})
	req := Request{SessionToken: "s", UserAgent: "ua", ResourceID: "r"}

	for i := 0; i < 2; i++ {
		d, err := l.Admit(context.Background(), req)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Admit(context.Background(), req)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Just past the window boundary: fresh counter, full allowance.
	*now = now.Truncate(time.Minute).Add(time.Minute + time.Millisecond)
	d, err = l.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)
}

func TestDistinctKeysIndependent(t *testing.T) {
	l, _ := testLimiter(t, Policy{Limit: 1, Window: time.Hour})

	a := Request{SessionToken: "a", UserAgent: "ua", ResourceID: "r"}
	b := Request{SessionToken: "b", UserAgent: "ua", ResourceID: "r"}

	d, err := l.Admit(context.Background(), a)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Admit(context.Background(), a)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = l.Admit(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a different session must not share a's counter")
}

func TestPerPolicyAdmit(t *testing.T) {
	l, _ := testLimiter(t, DefaultPolicy)
	req := Request{SessionToken: "s", UserAgent: "ua", ResourceID: "r"}

	tight := Policy{Limit: 1, Window: time.Minute}
	d, err := l.AdmitWith(context.Background(), req, tight)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.AdmitWith(context.Background(), req, tight)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(1), d.Limit)
}

type failingCounters struct{}

func (failingCounters) Hit(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}
func (failingCounters) Sweep(time.Time) int { return 0 }
func (failingCounters) Len() int            { return 0 }

func TestFailOpenOnStoreError(t *testing.T) {
	l := New(failingCounters{})
	d, err := l.Admit(context.Background(), Request{SessionToken: "s"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCoarseBucket(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want string
	}{
		{"desktop chrome", "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0 Safari/537.36", "desktop:chrome"},
		{"mobile safari", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0) Version/17.0 Mobile/15E148 Safari/604.1", "mobile:safari"},
		{"tablet", "Mozilla/5.0 (iPad; CPU OS 16_0) Safari/604.1", "tablet:safari"},
		{"bot", "Googlebot/2.1 (+http://www.google.com/bot.html)", "bot:other"},
		{"firefox", "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/121.0", "desktop:firefox"},
		{"edge", "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0 Safari/537.36 Edg/120.0", "desktop:edge"},
		{"empty", "", "desktop:other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, coarseBucket(tt.ua))
		})
	}
}

func TestDeriveKeyIsOpaque(t *testing.T) {
	req := Request{SessionToken: "secret-token", UserAgent: "Mozilla/5.0 Chrome/120", ResourceID: "page-1"}
	key := deriveKey(req, 0)

	assert.Len(t, key, 64, "key should be a hex sha-256 digest")
	assert.NotContains(t, key, "secret-token")
	assert.NotContains(t, key, "page-1")

	// Same inputs, same window: stable. Different window: distinct.
	assert.Equal(t, key, deriveKey(req, 0))
	assert.NotEqual(t, key, deriveKey(req, 3600000))
}

func TestMemorySweep(t *testing.T) {
	m := NewMemoryCounters()
	now := time.Now()

	_, _, err := m.Hit(context.Background(), "k1", time.Millisecond)
	require.NoError(t, err)
	_, _, err = m.Hit(context.Background(), "k2", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	removed := m.Sweep(now.Add(time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.Len())
}

func TestSweepWorkerLifecycle(t *testing.T) {
	m := NewMemoryCounters()
	l := New(m, WithSweepInterval(5*time.Millisecond))

	_, _, err := m.Hit(context.Background(), "k", time.Millisecond)
	require.NoError(t, err)

	l.Start()
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
	l.Stop()

	// Stop is idempotent.
	l.Stop()
}
