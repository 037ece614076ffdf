package main

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/auth"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/ratelimit"
)

func TestScheduleJobs_All(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := cron.New()
	err = scheduleJobs(c, jobs{
		limiter: ratelimit.NewMemoryLimiter(),
		apiKeys: auth.NewAPIKeyStore(db),
		db:      db,
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	require.Len(t, c.Entries(), 3)

	mock.ExpectExec("UPDATE api_keys SET revoked_at").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	// each job runs without panicking outside the scheduler
	for _, e := range c.Entries() {
		e.Job.Run()
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleJobs_SkipsMissingDependencies(t *testing.T) {
	c := cron.New()
	require.NoError(t, scheduleJobs(c, jobs{}))
	assert.Empty(t, c.Entries())

	c = cron.New()
	require.NoError(t, scheduleJobs(c, jobs{limiter: ratelimit.NewMemoryLimiter()}))
	assert.Len(t, c.Entries(), 1)
}
