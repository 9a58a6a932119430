// Package redis provides a Redis-backed counter store for the rate
// limiter, sharing window counters across stateless instances.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lessgo/admission/ratelimit"
)

const keyPrefix = "admission:rl:"

// Counters implements ratelimit.CounterStore over a Redis client.
// Entries expire via native TTL, so Sweep is a no-op.
type Counters struct {
	client redis.UniversalClient
}

var _ ratelimit.CounterStore = (*Counters)(nil)

// New wraps an existing Redis client.
func New(client redis.UniversalClient) *Counters {
	return &Counters{client: client}
}

// Hit implements ratelimit.CounterStore. The first INCR of a key also
// arms its TTL; later hits reuse the remaining TTL so every hit in a
// window reports the same reset time.
func (c *Counters) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	rkey := keyPrefix + key

	count, err := c.client.Incr(ctx, rkey).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis incr: %w", err)
	}

	if count == 1 {
		if err := c.client.Expire(ctx, rkey, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("redis expire: %w", err)
		}
		return count, time.Now().Add(window), nil
	}

	ttl, err := c.client.TTL(ctx, rkey).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	return count, time.Now().Add(ttl), nil
}

// Sweep implements ratelimit.CounterStore. Redis expires keys natively.
func (c *Counters) Sweep(time.Time) int { return 0 }

// Len implements ratelimit.CounterStore. Unknowable cheaply in Redis;
// reported as zero.
func (c *Counters) Len() int { return 0 }
