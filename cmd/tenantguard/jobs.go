package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tenantguard/pkg/auth"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/ratelimit"
)

const (
	bucketCleanupSchedule = "@every 5m"
	apiKeyCleanupSchedule = "@hourly"
	dbStatsSchedule       = "@every 15s"

	// buckets idle this long are full again and can be dropped
	bucketIdleAfter = 30 * time.Minute
)

// jobs holds the dependencies of the background maintenance jobs.
// Any of them may be nil, which skips the job.
type jobs struct {
	limiter *ratelimit.MemoryLimiter
	apiKeys *auth.APIKeyStore
	db      *sql.DB
	metrics *observability.Metrics
	logger  *observability.Logger
}

func scheduleJobs(c *cron.Cron, j jobs) error {
	if j.logger == nil {
		j.logger = observability.Discard()
	}

	if j.limiter != nil {
		if _, err := c.AddFunc(bucketCleanupSchedule, func() {
			if n := j.limiter.Cleanup(bucketIdleAfter); n > 0 {
				j.logger.WithField("buckets", n).Debug("dropped idle rate limit buckets")
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule bucket cleanup: %w", err)
		}
	}

	if j.apiKeys != nil {
		if _, err := c.AddFunc(apiKeyCleanupSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := j.apiKeys.CleanupExpired(ctx)
			if err != nil {
				j.logger.WithError(err).Error("api key cleanup failed")
				return
			}
			if n > 0 {
				j.logger.WithField("keys", n).Info("revoked expired api keys")
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule api key cleanup: %w", err)
		}
	}

	if j.db != nil && j.metrics != nil {
		if _, err := c.AddFunc(dbStatsSchedule, func() {
			j.metrics.UpdateDBStats(j.db.Stats())
		}); err != nil {
			return fmt.Errorf("failed to schedule db stats: %w", err)
		}
	}

	return nil
}
