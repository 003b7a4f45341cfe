package ratelimit

import (
	"math"
	"sync"
	"time"
)

// localBucket mirrors tokenBucketLuaScript in process memory. It is only consulted while
// Redis is unreachable, so counts are per gateway instance.
type localBucket struct {
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
	rule       Rule
}

// take refills the bucket up to now and tries to spend the rule's cost.
func (b *localBucket) take(now time.Time) *Result {
	capacity := float64(b.rule.BurstCapacity)
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.tokens+elapsed*b.rule.ReplenishRate, capacity)
		b.lastRefill = now
	}
	b.lastUsed = now

	cost := float64(b.rule.cost())
	res := &Result{Limit: b.rule.BurstCapacity}
	if b.tokens >= cost {
		b.tokens -= cost
		res.Allowed = true
	} else {
		retryMs := math.Ceil((cost - b.tokens) / b.rule.ReplenishRate * 1000)
		res.RetryAfter = time.Duration(retryMs) * time.Millisecond
	}
	res.Remaining = int64(math.Floor(b.tokens))
	return res
}

// localBuckets holds the fallback buckets keyed by their Redis key.
type localBuckets struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	now     func() time.Time
}

func newLocalBuckets() *localBuckets {
	return &localBuckets{buckets: make(map[string]*localBucket), now: time.Now}
}

// allow spends from the bucket named key. A bucket created under a different rule is
// started over full, the same way a route reload reshapes the Redis hash on next use.
func (l *localBuckets) allow(key string, rule Rule) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || b.rule.BurstCapacity != rule.BurstCapacity || b.rule.ReplenishRate != rule.ReplenishRate {
		b = &localBucket{tokens: float64(rule.BurstCapacity), lastRefill: now}
		l.buckets[key] = b
	}
	b.rule = rule
	return b.take(now)
}

func (l *localBuckets) remove(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// sweep drops buckets untouched for maxIdle and reports how many went.
func (l *localBuckets) sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastUsed) > maxIdle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

func (l *localBuckets) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
