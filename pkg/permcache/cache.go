package permcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// Lookup results, used as the metrics label
const (
	ResultHit     = "hit"
	ResultAhead   = "ahead"
	ResultMiss    = "miss"
	ResultStale   = "stale"
	ResultExpired = "expired"
	ResultError   = "error"
)

// Config tunes a Cache
type Config struct {
	// TTL bounds how long a snapshot is served without its stamp changing
	TTL time.Duration
	// RecomputeTimeout bounds one shared recomputation. It is independent
	// of any caller's deadline.
	RecomputeTimeout time.Duration

	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		TTL:              5 * time.Minute,
		RecomputeTimeout: 2 * time.Second,
	}
}

// Cache resolves effective capability sets, recomputing only when the
// membership's stamp moved. Every lookup reads the live stamp first, so a
// write is visible to the next resolution without any explicit invalidation.
type Cache struct {
	source  Source
	store   Store
	group   singleflight.Group
	ttl     time.Duration
	timeout time.Duration
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// NewCache creates a cache over source, keeping snapshots in store
func NewCache(source Source, store Store, cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RecomputeTimeout <= 0 {
		cfg.RecomputeTimeout = def.RecomputeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	return &Cache{
		source:  source,
		store:   store,
		ttl:     cfg.TTL,
		timeout: cfg.RecomputeTimeout,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.WithField("component", "permcache"),
		now:     time.Now,
	}
}

// Capabilities returns the effective capability set of a membership
func (c *Cache) Capabilities(ctx context.Context, membershipID int64) (rbac.CapabilitySet, error) {
	snap, err := c.Resolve(ctx, membershipID)
	if err != nil {
		return nil, err
	}
	return snap.Capabilities, nil
}

// Resolve returns the snapshot for a membership. The result is owned by
// the caller.
//
// A stored snapshot is served when its stamp equals the live stamp, or when
// it is strictly newer (the live read came from a lagging replica). In every
// other case the capabilities are recomputed from storage.
func (c *Cache) Resolve(ctx context.Context, membershipID int64) (*Snapshot, error) {
	cur, err := c.source.CurrentStamp(ctx, membershipID)
	if err != nil {
		c.metrics.RecordCacheLookup(ResultError)
		return nil, unavailable(err, "failed to read membership stamp")
	}
	if !cur.Active {
		return nil, authzerr.New(authzerr.KindNoActiveMembership, "membership %d is not active", membershipID)
	}

	result := ResultMiss
	snap, ok, err := c.store.Get(ctx, membershipID)
	switch {
	case err != nil:
		c.logger.WithError(err).WithField("membership_id", membershipID).Warn("snapshot store read failed")
	case !ok:
	case snap.Expired(c.now()):
		result = ResultExpired
	case snap.Stamp.Equal(cur.Stamp):
		c.metrics.RecordCacheLookup(ResultHit)
		return snap, nil
	case snap.Stamp.NewerThan(cur.Stamp):
		c.metrics.RecordCacheLookup(ResultAhead)
		return snap, nil
	default:
		result = ResultStale
	}
	c.metrics.RecordCacheLookup(result)

	return c.recompute(ctx, membershipID, cur.Stamp)
}

// recompute loads and stores a fresh snapshot. Concurrent callers for the
// same membership and stamp share one load. A caller that gives up returns
// immediately; the shared load continues for the others.
func (c *Cache) recompute(ctx context.Context, membershipID int64, observed Stamp) (*Snapshot, error) {
	key := fmt.Sprintf("%d/%s", membershipID, observed)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.load(loadCtx, membershipID, observed)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot).clone(), nil
	case <-ctx.Done():
		return nil, authzerr.Wrap(authzerr.KindUnavailable, ctx.Err(), "capability resolution abandoned")
	}
}

func (c *Cache) load(ctx context.Context, membershipID int64, observed Stamp) (*Snapshot, error) {
	start := time.Now()
	in, err := c.source.Load(ctx, membershipID)
	c.metrics.ObserveRecompute(time.Since(start))
	if err != nil {
		return nil, unavailable(err, "failed to load capabilities")
	}
	if !in.Active {
		return nil, authzerr.New(authzerr.KindNoActiveMembership, "membership %d is not active", membershipID)
	}
	if observed.NewerThan(in.Stamp) {
		// the load ran against an older state than the stamp read
		return nil, authzerr.New(authzerr.KindUnavailable,
			"membership %d loaded at %s, behind observed %s", membershipID, in.Stamp, observed)
	}

	now := c.now()
	snap := &Snapshot{
		MembershipID:   membershipID,
		OrganizationID: in.OrganizationID,
		Stamp:          in.Stamp,
		Capabilities:   in.Effective(),
		ResolvedAt:     now,
		ExpiresAt:      now.Add(c.ttl),
	}

	stored, err := c.store.Put(ctx, snap)
	switch {
	case err != nil:
		c.logger.WithError(err).WithField("membership_id", membershipID).Warn("snapshot store write failed")
	case !stored:
		c.logger.WithFields(map[string]interface{}{
			"membership_id": membershipID,
			"stamp":         snap.Stamp.String(),
		}).Debug("discarded snapshot older than stored one")
	}
	return snap, nil
}

// unavailable keeps taxonomy errors and turns everything else into a
// fail-closed unavailable error.
func unavailable(err error, msg string) error {
	var authErr *authzerr.Error
	if errors.As(err, &authErr) {
		return err
	}
	return authzerr.Wrap(authzerr.KindUnavailable, err, msg)
}
