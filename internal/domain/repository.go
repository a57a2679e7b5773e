// Package domain defines the core types and interfaces for Claimscope.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for snapshot persistence.
// All snapshot methods require a portfolioID for strict portfolio isolation.
type Repository interface {
	// SaveSnapshot replaces the stored tables of a portfolio and returns the new revision.
	SaveSnapshot(ctx context.Context, portfolioID string, tables *Tables) (string, error)

	// LoadSnapshot reads all four tables of a portfolio inside a single
	// read-only transaction, so the result never mixes two revisions.
	LoadSnapshot(ctx context.Context, portfolioID string) (*Snapshot, error)

	// GetPortfolio returns the current revision of a portfolio.
	GetPortfolio(ctx context.Context, portfolioID string) (*PortfolioInfo, error)
	ListPortfolios(ctx context.Context) ([]*PortfolioInfo, error)

	// Flag rule configuration
	SaveFlagRule(ctx context.Context, rule *FlagRule) error
	ListFlagRules(ctx context.Context) ([]*FlagRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
