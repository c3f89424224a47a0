package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for Fortuna
type Config struct {
	// Database configuration
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     string `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"postgres"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"fortuna"`
	DBSSLMode  string `envconfig:"DB_SSL_MODE" default:"disable"`

	// Redis configuration. Empty runs single-instance with an in-process
	// queue and scheduler lock.
	RedisURL string `envconfig:"REDIS_URL"`

	// RPC configuration
	RPCEndpointsRaw    string   `envconfig:"RPC_ENDPOINTS"`
	RPCEndpoints       []string `ignored:"true"`
	TreasuryPrivateKey string   `envconfig:"TREASURY_PRIVATE_KEY"`

	// Worker configuration
	MinWorkers int `envconfig:"MIN_WORKERS" default:"2"`
	MaxWorkers int `envconfig:"MAX_WORKERS" default:"20"`

	// Logging configuration
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Serving configuration
	MetricsPort string `envconfig:"METRICS_PORT" default:"9100"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`

	// Draw configuration
	SchedulerSpec   string `envconfig:"SCHEDULER_SPEC" default:"@every 1m"`
	ReconcileSpec   string `envconfig:"RECONCILE_SPEC" default:"@every 1h"`
	MaxDrawAttempts int    `envconfig:"MAX_DRAW_ATTEMPTS" default:"5"`
	WinnersPerDraw  int    `envconfig:"WINNERS_PER_DRAW" default:"1"`
	TierTableFile   string `envconfig:"TIER_TABLE_FILE"`

	// Payout configuration
	MaxPayoutAttempts   int           `envconfig:"MAX_PAYOUT_ATTEMPTS" default:"5"`
	PayoutSubmitTimeout time.Duration `envconfig:"PAYOUT_SUBMIT_TIMEOUT" default:"30s"`
	PayoutPollInterval  time.Duration `envconfig:"PAYOUT_POLL_INTERVAL" default:"15s"`
}

// Load reads configuration from environment variables and validates it
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to read environment: %w", err)
	}

	// Parse RPC endpoints
	if cfg.RPCEndpointsRaw == "" {
		return cfg, fmt.Errorf("RPC_ENDPOINTS environment variable is required")
	}
	for _, endpoint := range strings.Split(cfg.RPCEndpointsRaw, ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			cfg.RPCEndpoints = append(cfg.RPCEndpoints, endpoint)
		}
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// DSN returns the postgres connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode,
	)
}

// RequireTreasury checks the settings only the payout path needs.
func (c Config) RequireTreasury() error {
	if c.TreasuryPrivateKey == "" {
		return fmt.Errorf("TREASURY_PRIVATE_KEY is required to settle payouts")
	}
	return nil
}

// validate checks that the configuration is valid
func (c Config) validate() error {
	if c.DBName == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required")
	}

	if c.MinWorkers < 1 {
		return fmt.Errorf("MIN_WORKERS must be at least 1")
	}

	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("MAX_WORKERS must be greater than or equal to MIN_WORKERS")
	}

	if c.MaxDrawAttempts < 1 {
		return fmt.Errorf("MAX_DRAW_ATTEMPTS must be at least 1")
	}

	if c.MaxPayoutAttempts < 1 {
		return fmt.Errorf("MAX_PAYOUT_ATTEMPTS must be at least 1")
	}

	if c.WinnersPerDraw < 1 {
		return fmt.Errorf("WINNERS_PER_DRAW must be at least 1")
	}

	if c.PayoutSubmitTimeout <= 0 {
		return fmt.Errorf("PAYOUT_SUBMIT_TIMEOUT must be positive")
	}

	if c.PayoutPollInterval <= 0 {
		return fmt.Errorf("PAYOUT_POLL_INTERVAL must be positive")
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
		"panic": true,
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be one of: trace, debug, info, warn, error, fatal, panic)", c.LogLevel)
	}

	return nil
}
