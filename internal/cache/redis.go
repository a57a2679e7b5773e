package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, portfolioID string, key string) ([]byte, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("portfolioID is required")
	}

	val, err := c.client.Get(ctx, c.makeKey(portfolioID, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, portfolioID string, key string, value []byte, ttl time.Duration) error {
	if portfolioID == "" {
		return fmt.Errorf("portfolioID is required")
	}
	return c.client.Set(ctx, c.makeKey(portfolioID, key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, portfolioID string, key string) error {
	if portfolioID == "" {
		return fmt.Errorf("portfolioID is required")
	}
	return c.client.Del(ctx, c.makeKey(portfolioID, key)).Err()
}

// GetReport retrieves a cached report.
func (c *RedisCache) GetReport(ctx context.Context, portfolioID string, key string) (*domain.CachedReport, error) {
	return getReport(ctx, c, portfolioID, key)
}

// SetReport caches a computed report.
func (c *RedisCache) SetReport(ctx context.Context, portfolioID string, key string, report *domain.CachedReport, ttl time.Duration) error {
	return setReport(ctx, c, portfolioID, key, report, ttl)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(portfolioID, key string) string {
	return "claimscope:" + portfolioID + ":" + key
}
