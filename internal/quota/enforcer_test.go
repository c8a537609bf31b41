package quota

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) *redis.Client {
	t.Helper()
	s := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

type fakeCounts struct {
	requestsMinute int
	requestsDay    int
	images         int
	err            error
}

// The enforcer clock is pinned to noon, so a midnight cutoff identifies the
// per-day query and anything later the trailing-minute query.
func (f *fakeCounts) CountRequestsSince(_ context.Context, _ uuid.UUID, since time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if since.Hour() == 0 && since.Minute() == 0 {
		return f.requestsDay, nil
	}
	return f.requestsMinute, nil
}

func (f *fakeCounts) CountImagesSince(_ context.Context, _ uuid.UUID, _ time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.images, nil
}

func newTestEnforcer(counts Counts, rdb redis.Cmdable) *Enforcer {
	e := NewEnforcer(counts, NewRateLimiter(rdb))
	e.now = func() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) }
	return e
}

func TestResolve_OverrideChain(t *testing.T) {
	defaults := Limits{RPM: 60, RPD: 1000}
	intp := func(v int) *int { return &v }

	tests := []struct {
		name                   string
		keyRPM, keyRPD         *int
		profileRPM, profileRPD *int
		want                   Limits
	}{
		{"defaults only", nil, nil, nil, nil, Limits{60, 1000}},
		{"profile overrides", nil, nil, intp(30), intp(500), Limits{30, 500}},
		{"key beats profile", intp(10), nil, intp(30), intp(500), Limits{10, 500}},
		{"zero override ignored", intp(0), nil, nil, nil, Limits{60, 1000}},
		{"key only rpd", nil, intp(50), nil, nil, Limits{60, 50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.keyRPM, tt.keyRPD, tt.profileRPM, tt.profileRPD, defaults)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckRate_UnderLimit(t *testing.T) {
	e := newTestEnforcer(&fakeCounts{}, setupMiniredis(t))

	err := e.CheckRate(context.Background(), uuid.New(), "user:x", Limits{RPM: 10, RPD: 100})
	assert.NoError(t, err)
}

func TestCheckRate_FullCacheWindowAloneDoesNotDeny(t *testing.T) {
	// The cache window also counts attempts that never reached a terminal
	// outcome, so it can run ahead of the durable log. A full window with
	// the durable count still under the ceiling is an over-count, not a
	// violation.
	counts := &fakeCounts{requestsMinute: 0}
	e := newTestEnforcer(counts, setupMiniredis(t))
	ctx := context.Background()
	userID := uuid.New()
	subject := "user:" + userID.String()
	limits := Limits{RPM: 60, RPD: 10000}

	for i := 0; i < 60; i++ {
		require.NoError(t, e.CheckRate(ctx, userID, subject, limits), "request %d should pass", i+1)
	}

	assert.NoError(t, e.CheckRate(ctx, userID, subject, limits),
		"durable count under the limit must win over a full cache window")

	// Once the durable log catches up, the same request is denied.
	counts.requestsMinute = 60
	err := e.CheckRate(ctx, userID, subject, limits)
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, ScopePerMinute, rlErr.Scope)
	assert.Equal(t, 60, rlErr.Limit)
	assert.Equal(t, 60, rlErr.RetryAfter)
}

func TestCheckRate_DurableMinuteLimit(t *testing.T) {
	// Redis allows but the durable count is already at the ceiling.
	e := newTestEnforcer(&fakeCounts{requestsMinute: 60}, setupMiniredis(t))

	err := e.CheckRate(context.Background(), uuid.New(), "user:x", Limits{RPM: 60, RPD: 10000})
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, ScopePerMinute, rlErr.Scope)
}

func TestCheckRate_DurableDayLimit(t *testing.T) {
	e := newTestEnforcer(&fakeCounts{requestsDay: 1000}, setupMiniredis(t))

	err := e.CheckRate(context.Background(), uuid.New(), "user:x", Limits{RPM: 60, RPD: 1000})
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, ScopePerDay, rlErr.Scope)
	assert.Greater(t, rlErr.RetryAfter, 0)
	assert.LessOrEqual(t, rlErr.RetryAfter, 86400)
}

func TestCheckRate_RedisDownFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	e := newTestEnforcer(&fakeCounts{}, rdb)

	err := e.CheckRate(context.Background(), uuid.New(), "user:x", Limits{RPM: 10, RPD: 100})
	assert.NoError(t, err, "redis outage must not block requests while durable counts allow")
}

func TestRateLimiter_SeparateSubjects(t *testing.T) {
	// Each API key has its own window; session traffic of the same user
	// does not share it.
	rl := NewRateLimiter(setupMiniredis(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rl.CheckAndIncrement(ctx, "key:a", 10)
		require.NoError(t, err)
	}
	_, err := rl.CheckAndIncrement(ctx, "key:b", 10)
	require.NoError(t, err)

	usageA, err := rl.MinuteUsage(ctx, "key:a")
	require.NoError(t, err)
	assert.Equal(t, 3, usageA)

	usageB, err := rl.MinuteUsage(ctx, "key:b")
	require.NoError(t, err)
	assert.Equal(t, 1, usageB)
}

func TestCheckDailyImages(t *testing.T) {
	intp := func(v int) *int { return &v }

	t.Run("no cap", func(t *testing.T) {
		e := newTestEnforcer(&fakeCounts{images: 999}, setupMiniredis(t))
		assert.NoError(t, e.CheckDailyImages(context.Background(), uuid.New(), nil))
	})

	t.Run("under cap", func(t *testing.T) {
		e := newTestEnforcer(&fakeCounts{images: 4}, setupMiniredis(t))
		assert.NoError(t, e.CheckDailyImages(context.Background(), uuid.New(), intp(5)))
	})

	t.Run("at cap", func(t *testing.T) {
		e := newTestEnforcer(&fakeCounts{images: 5}, setupMiniredis(t))
		err := e.CheckDailyImages(context.Background(), uuid.New(), intp(5))
		var qErr *DailyImageQuotaError
		require.ErrorAs(t, err, &qErr)
		assert.Equal(t, 5, qErr.Used)
		assert.Equal(t, 5, qErr.Limit)
	})
}

func TestCheckRate_DurableCountError(t *testing.T) {
	boom := errors.New("db down")
	e := newTestEnforcer(&fakeCounts{err: boom}, setupMiniredis(t))

	err := e.CheckRate(context.Background(), uuid.New(), "user:x", Limits{RPM: 10, RPD: 100})
	assert.ErrorIs(t, err, boom)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rdb := setupMiniredis(t)
	rl := NewRateLimiter(rdb)
	ctx := context.Background()
	subject := "user:" + uuid.NewString()

	// Entries older than the window must be evicted before counting.
	key := rateLimitKeyPrefix + subject
	oldTime := float64(time.Now().Add(-70 * time.Second).UnixMilli())
	for i := 0; i < 3; i++ {
		rdb.ZAdd(ctx, key, redis.Z{
			Score:  oldTime + float64(i),
			Member: fmt.Sprintf("old:%d", i),
		})
	}

	allowed, err := rl.CheckAndIncrement(ctx, subject, 3)
	require.NoError(t, err)
	assert.True(t, allowed)

	usage, err := rl.MinuteUsage(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, 1, usage)
}
