package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tenantguard/pkg/api"
	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/auth"
	"github.com/platinummonkey/tenantguard/pkg/authz"
	"github.com/platinummonkey/tenantguard/pkg/config"
	"github.com/platinummonkey/tenantguard/pkg/crm"
	"github.com/platinummonkey/tenantguard/pkg/middleware"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/permcache"
	"github.com/platinummonkey/tenantguard/pkg/plans"
	"github.com/platinummonkey/tenantguard/pkg/principal"
	"github.com/platinummonkey/tenantguard/pkg/ratelimit"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
	"github.com/platinummonkey/tenantguard/pkg/scope"
	"github.com/platinummonkey/tenantguard/pkg/storage"
)

var version = "dev"

func main() {
	seedRoles := flag.Bool("seed-system-roles", true, "Insert the built-in roles at startup if they are missing")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	if err := run(cfg, logger, *seedRoles); err != nil {
		logger.WithError(err).Error("tenantguard exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, seedRoles bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	db, err := storage.OpenPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = storage.NewRedisClient(ctx, cfg.Redis)
		if redisClient == nil {
			return err
		}
		if err != nil {
			// the limiter falls back to local buckets while Redis is down
			logger.WithError(err).Warn("redis unreachable at startup")
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	table, err := loadPlans(cfg.Plans)
	if err != nil {
		return err
	}
	if cfg.Plans.Watch {
		if err := table.Watch(ctx, cfg.Plans.File, logger); err != nil {
			return fmt.Errorf("failed to watch plan file: %w", err)
		}
	}

	tokens, err := newTokenProvider(cfg.Auth)
	if err != nil {
		return err
	}
	apiKeys := auth.NewAPIKeyStore(db)
	authenticator := auth.NewAuthenticator(tokens, apiKeys)

	roles := rbac.NewStore(db)
	if seedRoles {
		if err := roles.EnsureSystemRoles(ctx); err != nil {
			return err
		}
	}
	orgService := orgs.NewPostgresService(db, table)

	var snapshotStore permcache.Store = permcache.NewMemoryStore(cfg.Cache.Size, cfg.Cache.TTL)
	if cfg.Cache.Shared {
		snapshotStore = permcache.NewRedisStore(redisClient, cfg.Redis.KeyPrefix+":snapshot", cfg.Cache.TTL)
	}
	cache := permcache.NewCache(permcache.NewPostgresSource(db), snapshotStore, permcache.Config{
		TTL:              cfg.Cache.TTL,
		RecomputeTimeout: cfg.Cache.RecomputeTimeout,
		Metrics:          metrics,
		Logger:           logger,
	})

	sink, closeSinks, err := newAuditSink(db, cfg.Audit)
	if err != nil {
		return err
	}
	emitter := audit.NewEmitter(sink, audit.LogAlerter(logger), audit.Config{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		Metrics:       metrics,
		Logger:        logger,
	})

	var (
		limiter ratelimit.Limiter
		local   *ratelimit.MemoryLimiter
	)
	if redisClient != nil {
		rl := ratelimit.NewRedisLimiter(redisClient, cfg.Redis.KeyPrefix+":ratelimit", metrics, logger)
		limiter, local = rl, rl.Fallback()
	} else {
		local = ratelimit.NewMemoryLimiter()
		limiter = local
	}

	enforcer := scope.NewEnforcer(cache, emitter, logger)
	engine := authz.NewEngine(principal.NewResolver(orgService), limiter, table, enforcer, emitter, authz.Config{
		Metrics: metrics,
		Logger:  logger,
	})

	trustedProxies, err := middleware.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	var handler http.Handler = api.NewServer(api.Config{
		Engine:         engine,
		Authenticator:  authenticator,
		Roles:          roles,
		Contacts:       crm.NewContactRepository(db),
		Memberships:    orgService,
		Teams:          orgService,
		Organizations:  orgService,
		OrgAdmin:       orgService,
		Audit:          emitter,
		Plans:          table,
		Metrics:        metrics,
		Registry:       registry,
		Health:         observability.NewHealthChecker(db, redisClient, version),
		Logger:         logger,
		TrustedProxies: trustedProxies,
		InternalToken:  cfg.Server.InternalToken,
	})
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "tenantguard")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	scheduler := cron.New()
	if err := scheduleJobs(scheduler, jobs{
		limiter: local,
		apiKeys: apiKeys,
		db:      db,
		metrics: metrics,
		logger:  logger,
	}); err != nil {
		return err
	}
	scheduler.Start()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc("audit emitter", emitter.Close)
	shutdown.RegisterShutdownFunc("audit sinks", func(context.Context) error { return closeSinks() })
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.RegisterShutdownFunc("database", func(context.Context) error { return db.Close() })
	shutdown.RegisterShutdownFunc("tracing", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", server.Addr).Info("tenantguard listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
		close(serveErr)
	}()

	shutdownErr := shutdown.WaitForShutdown(ctx)
	if err, ok := <-serveErr; ok && err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return shutdownErr
}

func loadPlans(cfg config.PlansConfig) (*plans.Table, error) {
	doc := plans.DefaultDocument()
	if cfg.File != "" {
		loaded, err := plans.LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		doc = loaded
	}
	return plans.NewTable(doc)
}
