package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/middleware"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database storage.PostgresConfig

	// Redis backs the shared rate limit counters and snapshot store
	Redis storage.RedisConfig

	// Token verification
	Auth AuthConfig

	// Plan quota table
	Plans PlansConfig

	// Capability snapshot cache
	Cache CacheConfig

	// Audit pipeline
	Audit AuditConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// TrustedProxies are addresses or CIDR ranges whose X-Forwarded-For
	// header names the client. Empty trusts no one.
	TrustedProxies []string
	// InternalToken enables the billing routes under /internal
	InternalToken string
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// AuthConfig holds access token settings. Exactly one of HMACSecret or
// PublicKeyFile is required; PrivateKeyFile is only needed to mint tokens.
type AuthConfig struct {
	Issuer         string
	Audience       string
	HMACSecret     string
	PublicKeyFile  string
	PrivateKeyFile string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
}

// PlansConfig locates the plan quota table. An empty File uses the
// built-in defaults.
type PlansConfig struct {
	File  string
	Watch bool
}

// CacheConfig tunes the capability snapshot cache
type CacheConfig struct {
	Size             int
	TTL              time.Duration
	RecomputeTimeout time.Duration
	// Shared keeps snapshots in Redis instead of in process
	Shared bool
}

// AuditConfig holds the audit emitter and sink settings
type AuditConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration

	// FilePath enables the rotating JSON lines sink
	FilePath string
	// DBEnabled enables the audit_logs table sink
	DBEnabled bool
	// KafkaBrokers enables the Kafka sink
	KafkaBrokers []string
	KafkaTopic   string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Auth:          loadAuthConfig(),
		Plans:         loadPlansConfig(),
		Cache:         loadCacheConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TENANTGUARD_HOST", "0.0.0.0"),
		Port:            getEnv("TENANTGUARD_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TENANTGUARD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TENANTGUARD_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TENANTGUARD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TENANTGUARD_SHUTDOWN_TIMEOUT", 30*time.Second),
		TrustedProxies:  getEnvList("TENANTGUARD_TRUSTED_PROXIES"),
		InternalToken:   getEnv("TENANTGUARD_INTERNAL_TOKEN", ""),
	}
}

func loadDatabaseConfig() storage.PostgresConfig {
	cfg := storage.DefaultPostgresConfig()
	cfg.URL = getEnv("TENANTGUARD_DATABASE_URL", "")
	cfg.MaxConns = getEnvInt("TENANTGUARD_DATABASE_MAX_CONNS", cfg.MaxConns)
	cfg.MinConns = getEnvInt("TENANTGUARD_DATABASE_MIN_CONNS", cfg.MinConns)
	cfg.Timeout = getEnvDuration("TENANTGUARD_DATABASE_TIMEOUT", cfg.Timeout)
	cfg.MaxLifetime = getEnvDuration("TENANTGUARD_DATABASE_CONN_MAX_LIFETIME", cfg.MaxLifetime)
	cfg.MaxIdleTime = getEnvDuration("TENANTGUARD_DATABASE_CONN_MAX_IDLE_TIME", cfg.MaxIdleTime)
	return cfg
}

func loadRedisConfig() storage.RedisConfig {
	return storage.RedisConfig{
		URL:        getEnv("TENANTGUARD_REDIS_URL", ""),
		Password:   getEnv("TENANTGUARD_REDIS_PASSWORD", ""),
		DB:         getEnvInt("TENANTGUARD_REDIS_DB", -1),
		MaxRetries: getEnvInt("TENANTGUARD_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("TENANTGUARD_REDIS_POOL_SIZE", 10),
		KeyPrefix:  getEnv("TENANTGUARD_REDIS_KEY_PREFIX", "tenantguard"),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		Issuer:         getEnv("TENANTGUARD_JWT_ISSUER", "tenantguard"),
		Audience:       getEnv("TENANTGUARD_JWT_AUDIENCE", "tenantguard-api"),
		HMACSecret:     getEnv("TENANTGUARD_JWT_HMAC_SECRET", ""),
		PublicKeyFile:  getEnv("TENANTGUARD_JWT_PUBLIC_KEY_FILE", ""),
		PrivateKeyFile: getEnv("TENANTGUARD_JWT_PRIVATE_KEY_FILE", ""),
		AccessTTL:      getEnvDuration("TENANTGUARD_JWT_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:     getEnvDuration("TENANTGUARD_JWT_REFRESH_TTL", 7*24*time.Hour),
	}
}

func loadPlansConfig() PlansConfig {
	return PlansConfig{
		File:  getEnv("TENANTGUARD_PLANS_FILE", ""),
		Watch: getEnvBool("TENANTGUARD_PLANS_WATCH", true),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Size:             getEnvInt("TENANTGUARD_CACHE_SIZE", 10000),
		TTL:              getEnvDuration("TENANTGUARD_CACHE_TTL", 5*time.Minute),
		RecomputeTimeout: getEnvDuration("TENANTGUARD_CACHE_RECOMPUTE_TIMEOUT", 2*time.Second),
		Shared:           getEnvBool("TENANTGUARD_CACHE_SHARED", false),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		BufferSize:    getEnvInt("TENANTGUARD_AUDIT_BUFFER_SIZE", 4096),
		BatchSize:     getEnvInt("TENANTGUARD_AUDIT_BATCH_SIZE", 100),
		FlushInterval: getEnvDuration("TENANTGUARD_AUDIT_FLUSH_INTERVAL", time.Second),
		FilePath:      getEnv("TENANTGUARD_AUDIT_FILE", ""),
		DBEnabled:     getEnvBool("TENANTGUARD_AUDIT_DB_ENABLED", true),
		KafkaBrokers:  getEnvList("TENANTGUARD_AUDIT_KAFKA_BROKERS"),
		KafkaTopic:    getEnv("TENANTGUARD_AUDIT_KAFKA_TOPIC", "tenantguard.audit"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("TENANTGUARD_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TENANTGUARD_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TENANTGUARD_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TENANTGUARD_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TENANTGUARD_OTEL_SERVICE_NAME", "tenantguard"),
		OTelServiceVersion: getEnv("TENANTGUARD_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TENANTGUARD_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("TENANTGUARD_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := middleware.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return err
	}
	if c.Server.InternalToken != "" && len(c.Server.InternalToken) < 32 {
		return fmt.Errorf("internal token must be at least 32 bytes")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("database max conns must be positive")
	}

	switch {
	case c.Auth.HMACSecret == "" && c.Auth.PublicKeyFile == "":
		return fmt.Errorf("either a JWT HMAC secret or a public key file is required")
	case c.Auth.HMACSecret != "" && c.Auth.PublicKeyFile != "":
		return fmt.Errorf("JWT HMAC secret and public key file are mutually exclusive")
	case c.Auth.HMACSecret != "" && len(c.Auth.HMACSecret) < 32:
		return fmt.Errorf("JWT HMAC secret must be at least 32 bytes")
	}
	if c.Auth.Issuer == "" || c.Auth.Audience == "" {
		return fmt.Errorf("JWT issuer and audience are required")
	}
	if c.Auth.AccessTTL <= 0 {
		return fmt.Errorf("JWT access TTL must be positive")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.Cache.Shared && !c.Redis.Enabled() {
		return fmt.Errorf("redis URL is required for the shared snapshot cache")
	}

	if c.Plans.Watch && c.Plans.File == "" {
		// nothing to watch
		c.Plans.Watch = false
	}

	if c.Audit.BatchSize <= 0 || c.Audit.BufferSize <= 0 {
		return fmt.Errorf("audit buffer and batch sizes must be positive")
	}
	if len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		return fmt.Errorf("audit kafka topic is required when brokers are set")
	}
	if !c.Audit.DBEnabled && c.Audit.FilePath == "" && len(c.Audit.KafkaBrokers) == 0 {
		return fmt.Errorf("at least one audit sink is required")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	return observability.ParseLevel(level)
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty entries
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
