package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/atlas/pkg/logger"
)

func setupLimiter(t *testing.T) (*miniredis.Miniredis, *RedisRateLimiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Unix(1_700_000_000, 0)
	rl := NewRedisRateLimiter(client, logger.NewNoopLogger())
	rl.now = func() time.Time { return now }
	rl.localBuckets.now = rl.now
	return mr, rl, &now
}

func TestRedisRateLimiter_BurstThenRefill(t *testing.T) {
	_, rl, now := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{ReplenishRate: 1, BurstCapacity: 3}

	for i := 0; i < 3; i++ {
		res, err := rl.Allow(ctx, "127.0.0.1", rule)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, int64(2-i), res.Remaining)
	}

	res, err := rl.Allow(ctx, "127.0.0.1", rule)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	*now = now.Add(time.Second)
	res, err = rl.Allow(ctx, "127.0.0.1", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisRateLimiter_KeysAreIndependent(t *testing.T) {
	mr, rl, _ := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{ReplenishRate: 1, BurstCapacity: 1}

	res, err := rl.Allow(ctx, "a", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = rl.Allow(ctx, "b", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	assert.True(t, mr.Exists("gateway:ratelimit:a"))

	require.NoError(t, rl.Reset(ctx, "a"))
	res, err = rl.Allow(ctx, "a", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisRateLimiter_FallsBackToLocalBucket(t *testing.T) {
	mr, rl, _ := setupLimiter(t)
	mr.Close()
	ctx := context.Background()
	rule := Rule{ReplenishRate: 1, BurstCapacity: 2}

	for i := 0; i < 2; i++ {
		res, err := rl.Allow(ctx, "ip", rule)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := rl.Allow(ctx, "ip", rule)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, rl.localBuckets.size())
}

func TestRule_Validate(t *testing.T) {
	assert.Error(t, Rule{ReplenishRate: 0, BurstCapacity: 1}.Validate())
	assert.Error(t, Rule{ReplenishRate: 1, BurstCapacity: 0}.Validate())
	assert.Error(t, Rule{ReplenishRate: 1, BurstCapacity: 1, RequestedTokens: 2}.Validate())
	assert.NoError(t, Rule{ReplenishRate: 10, BurstCapacity: 20}.Validate())
}

func TestLocalBuckets_Sweep(t *testing.T) {
	now := time.Unix(0, 0)
	buckets := newLocalBuckets()
	buckets.now = func() time.Time { return now }
	rule := Rule{ReplenishRate: 1, BurstCapacity: 1}

	buckets.allow("a", rule)
	now = now.Add(time.Minute)
	buckets.allow("b", rule)

	assert.Equal(t, 1, buckets.sweep(30*time.Second))
	assert.Equal(t, 1, buckets.size())
}

func TestLocalBuckets_MatchesScriptRounding(t *testing.T) {
	now := time.Unix(0, 0)
	buckets := newLocalBuckets()
	buckets.now = func() time.Time { return now }
	rule := Rule{ReplenishRate: 2, BurstCapacity: 2}

	assert.Equal(t, int64(1), buckets.allow("k", rule).Remaining)
	assert.Equal(t, int64(0), buckets.allow("k", rule).Remaining)

	res := buckets.allow("k", rule)
	assert.False(t, res.Allowed)
	assert.Equal(t, 500*time.Millisecond, res.RetryAfter)

	now = now.Add(250 * time.Millisecond)
	res = buckets.allow("k", rule)
	assert.False(t, res.Allowed)
	assert.Equal(t, 250*time.Millisecond, res.RetryAfter)

	// reshaped rule starts a fresh bucket
	res = buckets.allow("k", Rule{ReplenishRate: 1, BurstCapacity: 5})
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(4), res.Remaining)
}

func TestRedisRateLimiter_JanitorStopsWithContext(t *testing.T) {
	_, rl, _ := setupLimiter(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rl.RunJanitor(ctx, 5*time.Millisecond, time.Minute) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
