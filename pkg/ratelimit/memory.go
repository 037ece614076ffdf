package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	limit    Limit
	lastSeen time.Time
}

// MemoryLimiter keeps token buckets in process memory. Check and consume
// happen under one lock, so a key never admits more than its bucket allows.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemoryLimiter creates a new MemoryLimiter
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// NewMemoryLimiterWithClock creates a MemoryLimiter reading time from now
func NewMemoryLimiterWithClock(now func() time.Time) *MemoryLimiter {
	l := NewMemoryLimiter()
	l.now = now
	return l
}

// CheckAndConsume implements Limiter
func (m *MemoryLimiter) CheckAndConsume(ctx context.Context, key string, limit Limit, cost int) (Result, error) {
	cost, err := normalizeCost(limit, cost)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(limit.RefillPerSecond), limit.Capacity),
			limit:   limit,
		}
		m.buckets[key] = b
	} else if b.limit != limit {
		// plan changed: keep the accumulated tokens, apply the new shape
		b.limiter.SetLimitAt(now, rate.Limit(limit.RefillPerSecond))
		b.limiter.SetBurstAt(now, limit.Capacity)
		b.limit = limit
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, cost)
	return result(limit, allowed, b.limiter.TokensAt(now), cost, now), nil
}

// Cleanup drops buckets untouched for longer than idle and returns how many
// were removed. A bucket is only dropped once it would have refilled
// completely, so dropping it never hands out extra tokens.
func (m *MemoryLimiter) Cleanup(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, b := range m.buckets {
		full := secondsToDuration(float64(b.limit.Capacity) / b.limit.RefillPerSecond)
		if now.Sub(b.lastSeen) > idle && now.Sub(b.lastSeen) >= full {
			delete(m.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
