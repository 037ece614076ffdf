package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// bucketScript refills and consumes one bucket atomically. Refill is computed
// from the caller's clock, so replicas with skewed clocks can over-admit by at
// most skew × refill tokens. A caller clock behind the stored one never
// refills.
//
// KEYS[1] bucket key
// ARGV capacity, refill per second, now (unix ms), cost, ttl (ms)
// Returns {allowed, tokens, retry_ms}
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end
if now > ts then
	tokens = tokens + (now - ts) * refill / 1000
	ts = now
end
if tokens > capacity then
	tokens = capacity
end

local allowed = 0
local retry = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
else
	retry = math.ceil((cost - tokens) * 1000 / refill)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens), retry}
`)

// RedisLimiter keeps buckets in Redis so every replica shares them. When
// Redis fails the check is served by a local MemoryLimiter, which enforces
// the same limits per node.
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	fallback *MemoryLimiter
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// NewRedisLimiter creates a new RedisLimiter
func NewRedisLimiter(client *redis.Client, prefix string, metrics *observability.Metrics, logger *observability.Logger) *RedisLimiter {
	if prefix == "" {
		prefix = "tenantguard:ratelimit"
	}
	if logger == nil {
		logger = observability.Discard()
	}
	return &RedisLimiter{
		client:   client,
		prefix:   prefix,
		fallback: NewMemoryLimiter(),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the clock of the limiter and of its fallback
func (l *RedisLimiter) SetClock(now func() time.Time) {
	l.now = now
	l.fallback.now = now
}

// Fallback returns the local limiter used while Redis is unreachable
func (l *RedisLimiter) Fallback() *MemoryLimiter {
	return l.fallback
}

// CheckAndConsume implements Limiter
func (l *RedisLimiter) CheckAndConsume(ctx context.Context, key string, limit Limit, cost int) (Result, error) {
	cost, err := normalizeCost(limit, cost)
	if err != nil {
		return Result{}, err
	}

	now := l.now()
	res, err := l.eval(ctx, key, limit, cost, now)
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}

	l.metrics.RecordRateLimitFallback()
	l.logger.WithError(err).WithField("key", key).Warn("shared rate limit store failed, using local limiter")
	return l.fallback.CheckAndConsume(ctx, key, limit, cost)
}

func (l *RedisLimiter) eval(ctx context.Context, key string, limit Limit, cost int, now time.Time) (Result, error) {
	fill := secondsToDuration(float64(limit.Capacity) / limit.RefillPerSecond)
	ttl := fill.Milliseconds() + int64(time.Minute/time.Millisecond)

	raw, err := bucketScript.Run(ctx, l.client, []string{l.key(key)},
		limit.Capacity,
		strconv.FormatFloat(limit.RefillPerSecond, 'f', -1, 64),
		now.UnixMilli(),
		cost,
		ttl,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("failed to run bucket script: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, errors.New("unexpected bucket script reply")
	}
	allowed, _ := values[0].(int64)
	tokensStr, _ := values[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse bucket tokens: %w", err)
	}
	retryMs, _ := values[2].(int64)

	res := result(limit, allowed == 1, tokens, cost, now)
	if !res.Allowed {
		res.RetryAfter = time.Duration(retryMs) * time.Millisecond
	}
	return res, nil
}

func (l *RedisLimiter) key(key string) string {
	return l.prefix + ":" + key
}

// HealthCheck verifies Redis connectivity for rate limiting
func (l *RedisLimiter) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
