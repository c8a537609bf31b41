package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rateLimitKeyPrefix = "ratelimit:minute:"
	windowDuration     = 60 * time.Second
	keyTTL             = 90 * time.Second
)

// RateLimiter implements a Redis sorted-set sliding window over the trailing
// minute. It is a best-effort fast path: callers fall back to the durable
// request_logs counts when Redis is unavailable.
type RateLimiter struct {
	rdb redis.Cmdable
}

func NewRateLimiter(rdb redis.Cmdable) *RateLimiter {
	return &RateLimiter{rdb: rdb}
}

// CheckAndIncrement checks whether the subject is under the per-minute limit.
// If under, it records the request and returns true. The subject key encodes
// the identity the limit applies to ("key:<id>" or "user:<id>").
func (rl *RateLimiter) CheckAndIncrement(ctx context.Context, subject string, maxPerMinute int) (bool, error) {
	key := rateLimitKeyPrefix + subject
	now := time.Now()
	nowMs := float64(now.UnixMilli())
	windowStart := float64(now.Add(-windowDuration).UnixMilli())

	pipe := rl.rdb.Pipeline()

	// Remove entries older than the window
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(windowStart, 'f', 0, 64))

	// Count current entries in the window
	countCmd := pipe.ZCard(ctx, key)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("rate limiter pipeline (clean+count): %w", err)
	}

	count := countCmd.Val()
	if count >= int64(maxPerMinute) {
		return false, nil
	}

	// Under limit: add new entry and set TTL
	pipe2 := rl.rdb.Pipeline()
	member := fmt.Sprintf("%d:%d", now.UnixNano(), count)
	pipe2.ZAdd(ctx, key, redis.Z{Score: nowMs, Member: member})
	pipe2.Expire(ctx, key, keyTTL)

	_, err = pipe2.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("rate limiter pipeline (add): %w", err)
	}

	return true, nil
}

// MinuteUsage returns the number of requests recorded in the sliding window.
func (rl *RateLimiter) MinuteUsage(ctx context.Context, subject string) (int, error) {
	key := rateLimitKeyPrefix + subject
	now := time.Now()
	windowStart := float64(now.Add(-windowDuration).UnixMilli())
	nowMs := float64(now.UnixMilli())

	count, err := rl.rdb.ZCount(ctx, key,
		strconv.FormatFloat(windowStart, 'f', 0, 64),
		strconv.FormatFloat(nowMs, 'f', 0, 64)).Result()
	if err != nil {
		return 0, fmt.Errorf("getting minute usage: %w", err)
	}
	return int(count), nil
}
