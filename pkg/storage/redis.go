package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig holds Redis settings. An empty URL disables Redis.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int // negative keeps the database of the URL
	MaxRetries int
	PoolSize   int
	// KeyPrefix namespaces every key the service writes
	KeyPrefix string
}

// Enabled reports whether Redis is configured
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// RedisOptions builds client options from the URL and the overrides
func RedisOptions(cfg RedisConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB >= 0 {
		opts.DB = cfg.DB
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	// rate limiting sits on the request path, so fail fast
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = 500 * time.Millisecond
	opts.WriteTimeout = 500 * time.Millisecond
	opts.PoolTimeout = time.Second
	return opts, nil
}

// NewRedisClient creates a client and checks the connection. The client
// is returned even when the ping fails, together with the error, since the
// callers degrade to local state while Redis is unreachable.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := RedisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return client, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
