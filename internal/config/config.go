// Package config loads runtime configuration from the environment, with a
// .env file as a local-development convenience (production sets real env vars).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all runtime configuration for the monitoring core.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// RPC
	RPCEndpoint string `env:"SOLWATCH_RPC_ENDPOINT,required"`

	// Storage
	PostgresDSN string `env:"SOLWATCH_POSTGRES_DSN,required"`

	// Messaging
	NATSUrl           string `env:"SOLWATCH_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	BroadcastSubject  string `env:"SOLWATCH_BROADCAST_SUBJECT" envDefault:"notify.broadcast"`
	AdminSubscriberID int64  `env:"SOLWATCH_ADMIN_SUBSCRIBER_ID,required"`

	// Credential encryption
	CredentialKeyEnv  string `env:"SOLWATCH_CRED_KEY"`
	CredentialKeyFile string `env:"SOLWATCH_CRED_KEY_FILE" envDefault:"solwatch_cred.key"`

	// Polling & pacing (spec.md §6 constants, overridable for tests/tuning)
	PollingInterval      time.Duration `env:"SOLWATCH_POLLING_INTERVAL" envDefault:"5s"`
	RateWindow           time.Duration `env:"SOLWATCH_RATE_WINDOW" envDefault:"60s"`
	MaxRPCCallsPerSecond int           `env:"SOLWATCH_MAX_RPC_CALLS_PER_SECOND" envDefault:"25"`
	BaseDelay            time.Duration `env:"SOLWATCH_BASE_DELAY" envDefault:"250ms"`
	MinDelay             time.Duration `env:"SOLWATCH_MIN_DELAY" envDefault:"80ms"`
	MaxDelay             time.Duration `env:"SOLWATCH_MAX_DELAY" envDefault:"3s"`
	SignaturesPerPoll    int           `env:"SOLWATCH_SIGNATURES_PER_POLL" envDefault:"15"` // validated only; the scheduler always requests 15
	BatchSizeBase        int           `env:"SOLWATCH_BATCH_SIZE_BASE" envDefault:"12"`
	BatchDelay           time.Duration `env:"SOLWATCH_BATCH_DELAY" envDefault:"1s"`

	// Supervisor. SupervisorInterval is not passed to the supervisor, which
	// always checks liveness every 60s.
	SupervisorInterval time.Duration `env:"SOLWATCH_SUPERVISOR_INTERVAL" envDefault:"60s"`

	// Notification policy
	MinNotificationAmountSOL float64 `env:"SOLWATCH_MIN_NOTIFICATION_AMOUNT" envDefault:"0.0001"`

	// HTTP (health + metrics)
	MetricsAddr string `env:"SOLWATCH_METRICS_ADDR" envDefault:":9095"`

	// Logging
	LogLevel  string `env:"SOLWATCH_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SOLWATCH_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"SOLWATCH_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: real environment variables > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.MinDelay <= 0 || c.MaxDelay <= c.MinDelay {
		return fmt.Errorf("SOLWATCH_MIN_DELAY/MAX_DELAY must satisfy 0 < min < max, got %s/%s", c.MinDelay, c.MaxDelay)
	}
	if c.MaxRPCCallsPerSecond < 1 {
		return fmt.Errorf("SOLWATCH_MAX_RPC_CALLS_PER_SECOND must be > 0, got %d", c.MaxRPCCallsPerSecond)
	}
	if c.BatchSizeBase < 1 {
		return fmt.Errorf("SOLWATCH_BATCH_SIZE_BASE must be > 0, got %d", c.BatchSizeBase)
	}
	if c.SignaturesPerPoll < 1 {
		return fmt.Errorf("SOLWATCH_SIGNATURES_PER_POLL must be > 0, got %d", c.SignaturesPerPoll)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("SOLWATCH_LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("SOLWATCH_LOG_FORMAT must be one of json/pretty, got %q", c.LogFormat)
	}

	return nil
}

// LogFields logs the non-secret portion of configuration at startup.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("rpc_endpoint", c.RPCEndpoint).
		Str("nats_url", c.NATSUrl).
		Dur("polling_interval", c.PollingInterval).
		Dur("rate_window", c.RateWindow).
		Int("max_rpc_calls_per_second", c.MaxRPCCallsPerSecond).
		Dur("min_delay", c.MinDelay).
		Dur("max_delay", c.MaxDelay).
		Int("batch_size_base", c.BatchSizeBase).
		Float64("min_notification_amount_sol", c.MinNotificationAmountSOL).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
