// Package ratelimit implements the per-organization, per-API-key and per-IP
// token buckets that sit in front of the permission cache.
//
// A bucket holds at most Capacity tokens and refills continuously at
// RefillPerSecond. A request consumes cost tokens or is refused with the time
// after which it would fit. Limiters never admit a request they could not
// account for: when the shared store is unreachable the local limiter takes
// over instead of failing open.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/plans"
)

// Limit describes one bucket
type Limit struct {
	Tier            string
	Capacity        int
	RefillPerSecond float64
}

// Validate checks the limit can admit anything at all
func (l Limit) Validate() error {
	if l.Capacity <= 0 || l.RefillPerSecond <= 0 || math.IsInf(l.RefillPerSecond, 0) || math.IsNaN(l.RefillPerSecond) {
		return authzerr.New(authzerr.KindInvalidArgument, "invalid rate limit: capacity %d refill %v", l.Capacity, l.RefillPerSecond)
	}
	return nil
}

// FromQuota converts an organization quota into a bucket
func FromQuota(tier string, q plans.Quota) Limit {
	return Limit{
		Tier:            tier,
		Capacity:        q.Capacity(),
		RefillPerSecond: float64(q.RequestsPerHour) / 3600,
	}
}

// APIKeyLimit converts the per-key part of a quota into a bucket. Tiers
// without a per-key quota share the organization rate.
func APIKeyLimit(tier string, q plans.Quota) Limit {
	perHour := q.APIKeyRequestsPerHour
	if perHour <= 0 {
		perHour = q.RequestsPerHour
	}
	capacity := perHour
	if q.Burst > 0 && q.Burst < capacity {
		capacity = q.Burst
	}
	return Limit{Tier: tier, Capacity: capacity, RefillPerSecond: float64(perHour) / 3600}
}

// Result is the outcome of one check
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	Limit      int
	ResetAt    time.Time
	Tier       string
}

// Err returns the throttling error for a refused result, nil otherwise
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return authzerr.Throttled(r.RetryAfter)
}

// Limiter checks and consumes tokens atomically per key
type Limiter interface {
	CheckAndConsume(ctx context.Context, key string, limit Limit, cost int) (Result, error)
}

// Key prefixes
const (
	KeyTypeOrganization = "org"
	KeyTypeAPIKey       = "apikey"
	KeyTypeIP           = "ip"
)

// OrgKey is the bucket key of an organization
func OrgKey(orgID int64) string {
	return KeyTypeOrganization + ":" + strconv.FormatInt(orgID, 10)
}

// APIKeyKey is the bucket key of an API key
func APIKeyKey(keyID int64) string {
	return KeyTypeAPIKey + ":" + strconv.FormatInt(keyID, 10)
}

// IPKey is the bucket key of an anonymous client address
func IPKey(addr string) string {
	return KeyTypeIP + ":" + addr
}

// KeyType returns the prefix of a bucket key, for metric labels
func KeyType(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "unknown"
}

func normalizeCost(limit Limit, cost int) (int, error) {
	if err := limit.Validate(); err != nil {
		return 0, err
	}
	if cost <= 0 {
		cost = 1
	}
	if cost > limit.Capacity {
		return 0, authzerr.New(authzerr.KindInvalidArgument, "cost %d exceeds bucket capacity %d", cost, limit.Capacity)
	}
	return cost, nil
}

// secondsToDuration rounds up so a caller retrying after the returned delay
// finds the tokens available.
func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(s * float64(time.Second)))
}

func result(limit Limit, allowed bool, tokens float64, cost int, now time.Time) Result {
	r := Result{
		Allowed:   allowed,
		Remaining: int(math.Floor(tokens)),
		Limit:     limit.Capacity,
		Tier:      limit.Tier,
	}
	if r.Remaining < 0 {
		r.Remaining = 0
	}
	if !allowed {
		r.RetryAfter = secondsToDuration((float64(cost) - tokens) / limit.RefillPerSecond)
	}
	r.ResetAt = now.Add(secondsToDuration((float64(limit.Capacity) - tokens) / limit.RefillPerSecond))
	return r
}

func (l Limit) String() string {
	return fmt.Sprintf("%s %d@%.4f/s", l.Tier, l.Capacity, l.RefillPerSecond)
}
