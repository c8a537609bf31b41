package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Counts is the durable usage view backing the enforcer.
type Counts interface {
	CountRequestsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	CountImagesSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

// Enforcer combines the Redis sliding window with the durable request_logs
// counts. The cache is strictly an optimization: its failures never block a
// request, and it never denies one on its own either — the durable counts
// are the source of truth in both directions.
type Enforcer struct {
	counts  Counts
	limiter *RateLimiter
	now     func() time.Time
}

func NewEnforcer(counts Counts, limiter *RateLimiter) *Enforcer {
	return &Enforcer{counts: counts, limiter: limiter, now: time.Now}
}

// CheckRate enforces the per-minute and per-day request ceilings. subject is
// the rate-limit identity ("key:<id>" for API-key callers, "user:<id>" for
// sessions) so separate credentials of one user are limited independently per
// their own overrides.
func (e *Enforcer) CheckRate(ctx context.Context, userID uuid.UUID, subject string, limits Limits) error {
	// Feed the cache window first so Status sees attempts that never reach
	// a terminal outcome. The window can run ahead of the durable log for
	// the same reason, so a full window alone never denies: the durable
	// count below has the final word on the trailing minute.
	cacheFull := false
	allowed, err := e.limiter.CheckAndIncrement(ctx, subject, limits.RPM)
	if err != nil {
		slog.Warn("rate limiter cache unavailable, using durable counts only", "error", err)
	} else if !allowed {
		cacheFull = true
	}

	now := e.now().UTC()

	minuteCount, err := e.counts.CountRequestsSince(ctx, userID, now.Add(-time.Minute))
	if err != nil {
		return fmt.Errorf("checking per-minute usage: %w", err)
	}
	if minuteCount >= limits.RPM {
		return &RateLimitError{Scope: ScopePerMinute, Limit: limits.RPM, RetryAfter: 60}
	}
	if cacheFull {
		slog.Debug("cache window full but durable count under limit, allowing",
			"subject", subject, "count", minuteCount, "rpm", limits.RPM)
	}

	midnight := utcMidnight(now)
	dayCount, err := e.counts.CountRequestsSince(ctx, userID, midnight)
	if err != nil {
		return fmt.Errorf("checking per-day usage: %w", err)
	}
	if dayCount >= limits.RPD {
		return &RateLimitError{
			Scope:      ScopePerDay,
			Limit:      limits.RPD,
			RetryAfter: secondsUntilNextMidnight(now),
		}
	}

	return nil
}

// CheckDailyImages enforces the per-account generated-image cap. A nil cap
// means the account is uncapped.
func (e *Enforcer) CheckDailyImages(ctx context.Context, userID uuid.UUID, cap *int) error {
	if cap == nil || *cap <= 0 {
		return nil
	}

	now := e.now().UTC()
	used, err := e.counts.CountImagesSince(ctx, userID, utcMidnight(now))
	if err != nil {
		return fmt.Errorf("checking daily image quota: %w", err)
	}
	if used >= *cap {
		return &DailyImageQuotaError{
			Used:       used,
			Limit:      *cap,
			RetryAfter: secondsUntilNextMidnight(now),
		}
	}
	return nil
}

// Status reports current usage against the caller's effective limits.
func (e *Enforcer) Status(ctx context.Context, userID uuid.UUID, subject string, limits Limits, imageCap *int) (*Status, error) {
	now := e.now().UTC()
	midnight := utcMidnight(now)

	minuteCount, err := e.counts.CountRequestsSince(ctx, userID, now.Add(-time.Minute))
	if err != nil {
		return nil, err
	}
	dayCount, err := e.counts.CountRequestsSince(ctx, userID, midnight)
	if err != nil {
		return nil, err
	}
	imagesToday, err := e.counts.CountImagesSince(ctx, userID, midnight)
	if err != nil {
		return nil, err
	}

	// Prefer the Redis view of the trailing minute when available: it also
	// sees requests rejected before logging.
	if e.limiter != nil {
		if usage, err := e.limiter.MinuteUsage(ctx, subject); err == nil && usage > minuteCount {
			minuteCount = usage
		}
	}

	return &Status{
		RequestsLastMinute: minuteCount,
		LimitRPM:           limits.RPM,
		RequestsToday:      dayCount,
		LimitRPD:           limits.RPD,
		ImagesToday:        imagesToday,
		ImagesLimit:        imageCap,
		ResetsAt:           midnight.Add(24 * time.Hour).Format(time.RFC3339),
	}, nil
}

func utcMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func secondsUntilNextMidnight(now time.Time) int {
	next := utcMidnight(now).Add(24 * time.Hour)
	return int(next.Sub(now).Seconds())
}
