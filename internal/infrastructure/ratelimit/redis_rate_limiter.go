// Package ratelimit provides the distributed token-bucket limiter behind the gateway's
// RequestRateLimiter route filter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/logger"
)

// Rule configures one bucket.
type Rule struct {
	// ReplenishRate is the number of tokens added per second
	ReplenishRate float64
	// BurstCapacity is the maximum number of tokens the bucket holds
	BurstCapacity int64
	// RequestedTokens is the cost of one request, at least 1
	RequestedTokens int64
}

// Validate reports whether the rule can be enforced.
func (r Rule) Validate() error {
	if r.ReplenishRate <= 0 {
		return fmt.Errorf("replenish rate must be positive")
	}
	if r.BurstCapacity <= 0 {
		return fmt.Errorf("burst capacity must be positive")
	}
	if r.RequestedTokens > r.BurstCapacity {
		return fmt.Errorf("requested tokens %d exceed burst capacity %d", r.RequestedTokens, r.BurstCapacity)
	}
	return nil
}

func (r Rule) cost() int64 {
	if r.RequestedTokens <= 0 {
		return 1
	}
	return r.RequestedTokens
}

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates if the request is allowed
	Allowed bool
	// Limit is the burst capacity
	Limit int64
	// Remaining is the number of whole tokens left
	Remaining int64
	// RetryAfter is the duration to wait before retrying; zero when allowed
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string, rule Rule) (*Result, error)
}

// RedisRateLimiter implements distributed rate limiting using Redis. When Redis cannot be
// reached it falls back to an in-process bucket so the gateway keeps limiting per instance.
type RedisRateLimiter struct {
	client       redis.UniversalClient
	logger       logger.Logger
	keyPrefix    string
	localBuckets *localBuckets
	now          func() time.Time
}

// Lua script for atomic token bucket operations
const tokenBucketLuaScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or capacity
local last_refill = tonumber(bucket[2]) or now

local elapsed = math.max(0, now - last_refill)
tokens = math.min(tokens + elapsed * rate / 1000, capacity)

local allowed = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
end

local retry_ms = 0
if allowed == 0 then
    retry_ms = math.ceil((requested - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('PEXPIRE', key, math.ceil(capacity / rate * 1000) + 1000)

return {allowed, math.floor(tokens), retry_ms}
`

var tokenBucketScript = redis.NewScript(tokenBucketLuaScript)

// NewRedisRateLimiter creates a new Redis-based rate limiter.
//
// Parameters:
//   - client: Redis client
//   - log: Logger instance
//
// Returns:
//   - *RedisRateLimiter: Initialized rate limiter
func NewRedisRateLimiter(client redis.UniversalClient, log logger.Logger) *RedisRateLimiter {
	return &RedisRateLimiter{
		client:       client,
		logger:       log.WithComponent("rate-limiter"),
		keyPrefix:    constants.RateLimitKeyPrefix,
		localBuckets: newLocalBuckets(),
		now:          time.Now,
	}
}

// Allow consumes rule.RequestedTokens from the bucket named key.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string, rule Rule) (*Result, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	redisKey := rl.keyPrefix + key
	now := rl.now()

	res, err := tokenBucketScript.Run(ctx, rl.client, []string{redisKey},
		rule.BurstCapacity, rule.ReplenishRate, rule.cost(), now.UnixMilli()).Slice()
	if err != nil {
		rl.logger.Warn(ctx, "Redis rate limiter unavailable, using local bucket",
			logger.String("key", redisKey), logger.Error(err))
		return rl.allowLocal(redisKey, rule), nil
	}
	if len(res) < 3 {
		return nil, fmt.Errorf("invalid rate limit script result")
	}

	allowed, _ := res[0].(int64)
	remaining, _ := res[1].(int64)
	retryMs, _ := res[2].(int64)
	return &Result{
		Allowed:    allowed == 1,
		Limit:      rule.BurstCapacity,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

func (rl *RedisRateLimiter) allowLocal(key string, rule Rule) *Result {
	return rl.localBuckets.allow(key, rule)
}

// Reset removes the bucket named key.
func (rl *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	redisKey := rl.keyPrefix + key
	rl.localBuckets.remove(redisKey)
	if err := rl.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

// CleanupLocalBuckets performs cleanup of idle local buckets.
func (rl *RedisRateLimiter) CleanupLocalBuckets(maxIdle time.Duration) int {
	removed := rl.localBuckets.sweep(maxIdle)
	if removed > 0 {
		rl.logger.Debug(context.Background(), "Cleaned up idle buckets", logger.Int("count", removed))
	}
	return removed
}

// RunJanitor drops local buckets idle for maxIdle every interval until ctx is done.
func (rl *RedisRateLimiter) RunJanitor(ctx context.Context, interval, maxIdle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.CleanupLocalBuckets(maxIdle)
		}
	}
}
