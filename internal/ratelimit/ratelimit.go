// Package ratelimit throttles submissions per user with a Redis-backed
// fixed window counter, guarded by a distributed lock so concurrent
// requests from the same user across multiple API replicas can't race
// past the limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// LimitExceededError is returned when owner has already hit the window's
// submission cap.
type LimitExceededError struct {
	Owner      string
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("user %q exceeded %d submissions per window, retry after %s", e.Owner, e.Limit, e.RetryAfter)
}

// Limiter enforces a fixed-size per-owner submission window.
type Limiter struct {
	redis  *redis.Client
	locker *redislock.Client
	limit  int
	window time.Duration
}

func New(redisClient *redis.Client, limitPerWindow int, window time.Duration) *Limiter {
	return &Limiter{
		redis:  redisClient,
		locker: redislock.New(redisClient),
		limit:  limitPerWindow,
		window: window,
	}
}

// Allow increments owner's submission counter for the current window and
// returns a *LimitExceededError if that pushes them over the limit. The
// counter key expires naturally at the end of the window.
func (l *Limiter) Allow(ctx context.Context, owner string) error {
	lockKey := fmt.Sprintf("ratelimit:lock:%s", owner)
	lock, err := l.locker.Obtain(ctx, lockKey, 2*time.Second, nil)
	if err != nil {
		return fmt.Errorf("obtaining rate limit lock for %q: %w", owner, err)
	}
	defer lock.Release(ctx)

	countKey := fmt.Sprintf("ratelimit:count:%s:%d", owner, time.Now().Unix()/int64(l.window.Seconds()))

	count, err := l.redis.Incr(ctx, countKey).Result()
	if err != nil {
		return fmt.Errorf("incrementing rate limit counter for %q: %w", owner, err)
	}
	if count == 1 {
		l.redis.Expire(ctx, countKey, l.window)
	}

	if int(count) > l.limit {
		ttl, _ := l.redis.TTL(ctx, countKey).Result()
		return &LimitExceededError{Owner: owner, Limit: l.limit, RetryAfter: ttl}
	}

	return nil
}
