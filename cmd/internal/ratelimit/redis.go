package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a keyed sliding-window Limiter shared through Redis.
//
// Each key is a sorted set of event timestamps (ms). One pipeline trims the
// set to the window, counts it, records the attempt and refreshes the TTL.
// Refused attempts are removed again so they do not consume budget.
type Redis struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedis constructs a Redis-backed limiter. Keys are namespaced by prefix.
func NewRedis(client *redis.Client, prefix string, limit int, window time.Duration) *Redis {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if prefix == "" {
		prefix = "parlor:ratelimit"
	}
	return &Redis{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

// Allow implements Limiter.
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now()
	k := r.prefix + ":" + key
	member := strconv.FormatInt(now.UnixNano(), 10)
	windowStart := now.Add(-r.window).UnixMilli()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, k)
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, k, r.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis: %w", err)
	}

	count := int(countCmd.Val())
	if count >= r.limit {
		_ = r.client.ZRem(ctx, k, member).Err()
		return Decision{Allowed: false, RetryAfter: r.retryAfter(ctx, k, now)}, nil
	}
	return Decision{Allowed: true, Remaining: r.limit - count - 1}, nil
}

func (r *Redis) retryAfter(ctx context.Context, key string, now time.Time) time.Duration {
	oldest, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return r.window
	}
	at := time.UnixMilli(int64(oldest[0].Score)).Add(r.window)
	if d := at.Sub(now); d > 0 {
		return d
	}
	return time.Millisecond
}
