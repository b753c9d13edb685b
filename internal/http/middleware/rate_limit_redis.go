package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFixedWindowLimiter counts hits per key in aligned windows shared by
// every node. The window key carries its own expiry, so abandoned keys age
// out without a sweeper.
type redisFixedWindowLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisFixedWindowLimiter(client redis.UniversalClient, prefix string) Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &redisFixedWindowLimiter{client: client, prefix: prefix}
}

func (l *redisFixedWindowLimiter) Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	now := time.Now()
	window := policy.SustainedWindow
	windowStart := now.Truncate(window)
	resetAt := windowStart.Add(window)

	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, windowStart.UnixMilli())
	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		// Expiry slightly past the window keeps the key alive for
		// stragglers racing the boundary.
		if err := l.client.PExpire(ctx, redisKey, window+time.Second).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	remaining := policy.SustainedLimit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if int(count) > policy.SustainedLimit {
		retryAfter := time.Until(resetAt)
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return Decision{
			Allowed:    false,
			RetryAfter: retryAfter,
			Remaining:  0,
			ResetAt:    resetAt,
			Reason:     "window",
		}, nil
	}
	return Decision{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
