package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Cache defines the interface for caching computed reports.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require portfolioID for strict portfolio isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, portfolioID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, portfolioID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, portfolioID string, key string) error

	// GetReport retrieves a cached report. Returns nil, nil on a miss.
	GetReport(ctx context.Context, portfolioID string, key string) (*CachedReport, error)

	// SetReport caches a computed report.
	SetReport(ctx context.Context, portfolioID string, key string, report *CachedReport, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CachedReport is a rendered report for one portfolio revision.
type CachedReport struct {
	Report     string          `json:"report"`
	Revision   string          `json:"revision"`
	Coverage   json.RawMessage `json:"coverage,omitempty"`
	Rows       json.RawMessage `json:"rows"`
	ComputedAt time.Time       `json:"computedAt"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis

	// ReportTTL is how long a computed report stays cached.
	ReportTTL time.Duration
}
