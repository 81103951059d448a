package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window counter in redis, shared by agent instances that
// point at the same backend.
type Limiter struct {
	c *redis.Client
}

func New(addr string) *Limiter {
	return &Limiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Allow increments the key and sets the TTL on first creation.
// Returns (allowed, currentCount).
func (rl *Limiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}
