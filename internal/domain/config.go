package domain

import (
	"os"
	"strconv"
	"time"
)

// Config holds the complete Claimscope configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Scoring    ScoringConfig    `json:"scoring"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ScoringConfig holds flag derivation and report settings.
type ScoringConfig struct {
	// MaxWorkers bounds the goroutines used to derive flags.
	MaxWorkers int `json:"maxWorkers"`

	// Segment thresholds for the high/low comparison and the high-risk snapshot.
	// LowRiskMax is nil when unset; zero is a valid threshold.
	HighRiskMin int  `json:"highRiskMin"`
	LowRiskMax  *int `json:"lowRiskMax,omitempty"`

	// TopN is the default row limit of the top report.
	TopN int `json:"topN"`

	// WarmOnLoad precomputes every report after a snapshot is stored.
	WarmOnLoad bool `json:"warmOnLoad"`
}

// Report defaults applied to an unset ScoringConfig.
const (
	DefaultHighRiskMin = 3
	DefaultLowRiskMax  = 1
	DefaultTopN        = 20
)

// LowRiskLimit returns LowRiskMax, or DefaultLowRiskMax when it is unset.
func (c ScoringConfig) LowRiskLimit() int {
	if c.LowRiskMax == nil {
		return DefaultLowRiskMax
	}
	return *c.LowRiskMax
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text

	// File enables rotating file output when set.
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./claimscope.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     10 * time.Minute,
			ReportTTL:    10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
			ServeReports:      true,
		},
		Scoring: ScoringConfig{
			MaxWorkers:  8,
			HighRiskMin: DefaultHighRiskMin,
			TopN:        DefaultTopN,
			WarmOnLoad:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "claimscope",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresUser:    "claimscope",
		PostgresDB:      "claimscope",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   500,
		LocalTTL:       time.Minute,
		ReportTTL:      time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "claimscope-workers",
		ServeReports:      true,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// ConfigFromEnv builds a configuration from CLAIMSCOPE_* environment variables.
// CLAIMSCOPE_TIER selects the base configuration; other variables override it.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if Tier(getEnv("CLAIMSCOPE_TIER", string(TierCommunity))) == TierPro {
		cfg = ProConfig()
	}

	cfg.Server.Host = getEnv("CLAIMSCOPE_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("CLAIMSCOPE_PORT", cfg.Server.Port)

	cfg.Repository.SQLitePath = getEnv("CLAIMSCOPE_DB_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("CLAIMSCOPE_PG_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("CLAIMSCOPE_PG_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("CLAIMSCOPE_PG_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("CLAIMSCOPE_PG_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("CLAIMSCOPE_PG_DATABASE", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("CLAIMSCOPE_PG_SSLMODE", cfg.Repository.PostgresSSLMode)

	cfg.Cache.RedisAddr = getEnv("CLAIMSCOPE_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("CLAIMSCOPE_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.ReportTTL = getEnvDuration("CLAIMSCOPE_REPORT_TTL", cfg.Cache.ReportTTL)

	cfg.EventBus.NATSUrl = getEnv("CLAIMSCOPE_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("CLAIMSCOPE_NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.NATSQueueGroup = getEnv("CLAIMSCOPE_NATS_QUEUE", cfg.EventBus.NATSQueueGroup)
	cfg.EventBus.ServeReports = getEnvBool("CLAIMSCOPE_BUS_REPORTS", cfg.EventBus.ServeReports)

	cfg.Scoring.MaxWorkers = getEnvInt("CLAIMSCOPE_MAX_WORKERS", cfg.Scoring.MaxWorkers)
	cfg.Scoring.HighRiskMin = getEnvInt("CLAIMSCOPE_HIGH_RISK_MIN", cfg.Scoring.HighRiskMin)
	if v, ok := lookupEnvInt("CLAIMSCOPE_LOW_RISK_MAX"); ok {
		cfg.Scoring.LowRiskMax = &v
	}
	cfg.Scoring.TopN = getEnvInt("CLAIMSCOPE_TOP_N", cfg.Scoring.TopN)
	cfg.Scoring.WarmOnLoad = getEnvBool("CLAIMSCOPE_WARM_ON_LOAD", cfg.Scoring.WarmOnLoad)

	cfg.Logging.Level = getEnv("CLAIMSCOPE_LOG_LEVEL", cfg.Logging.Level)
	if getEnvBool("CLAIMSCOPE_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Format = getEnv("CLAIMSCOPE_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.File = getEnv("CLAIMSCOPE_LOG_FILE", cfg.Logging.File)

	cfg.Tracing.Enabled = getEnvBool("CLAIMSCOPE_TRACING", cfg.Tracing.Enabled)
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := lookupEnvInt(key); ok {
		return v
	}
	return fallback
}

func lookupEnvInt(key string) (int, bool) {
	v, err := strconv.Atoi(os.Getenv(key))
	return v, err == nil
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
