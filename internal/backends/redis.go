package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/simpleflo/tandem/internal/observability"
	"github.com/simpleflo/tandem/internal/query"
)

// cacheKeyPrefix namespaces tandem entries in a shared Redis instance.
const cacheKeyPrefix = "tandem:cache:"

// RedisConfig configures the persistent cache tier.
type RedisConfig struct {
	Addr     string // host:port (default: localhost:6379)
	Password string
	DB       int
}

// RedisCache implements query.CacheBackend. Entries are stored as JSON
// with Redis-side TTL expiry, so restarts keep warm cache state.
type RedisCache struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisCache creates the Redis cache tier.
func NewRedisCache(cfg RedisConfig) *RedisCache {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisCache{
		client: client,
		logger: observability.Logger("backends.redis"),
	}
}

// Get fetches a stored response. A missing key returns (nil, nil).
func (r *RedisCache) Get(ctx context.Context, key string) (*query.SpeculativeResponse, error) {
	data, err := r.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var resp query.SpeculativeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		// A corrupt entry is useless; drop it so it cannot recur.
		r.client.Del(ctx, cacheKeyPrefix+key)
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return &resp, nil
}

// Set stores a response with the given TTL.
func (r *RedisCache) Set(ctx context.Context, key string, resp *query.SpeculativeResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := r.client.Set(ctx, cacheKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// HealthCheck verifies Redis responds to ping.
func (r *RedisCache) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
