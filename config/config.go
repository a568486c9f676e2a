// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Cache    CacheConfig    `yaml:"cache"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Usage    UsageConfig    `yaml:"usage"`
	Billing  BillingConfig  `yaml:"billing"`
	Tiers    []TierConfig   `yaml:"tiers"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProviderConfig configures the upstream signal source.
type ProviderConfig struct {
	URL             string        `yaml:"url"`
	APIKey          string        `yaml:"api_key,omitempty"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// CacheConfig configures the tiered signal cache.
type CacheConfig struct {
	// TTL is how long a computed signal stays logically fresh.
	TTL time.Duration `yaml:"ttl"`
	// StaleWindow is how long past expiry an entry may still be
	// served when the provider is down.
	StaleWindow time.Duration `yaml:"stale_window"`
	// LocalMaxEntries bounds the in-process tier.
	LocalMaxEntries int `yaml:"local_max_entries"`
	// RedisURL enables the shared tier when set.
	RedisURL string `yaml:"redis_url,omitempty"`
}

// BreakerConfig configures the provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

// AuthConfig configures API key authentication.
type AuthConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
	Header    string `yaml:"header"` // header name for the API key (default: X-API-Key)

	// TrustedHeader names a header carrying an email identity already
	// authenticated by an upstream proxy. Empty disables it.
	TrustedHeader string `yaml:"trusted_header,omitempty"`
}

// DatabaseConfig configures the persistent store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// UsageConfig configures usage recording and retention.
type UsageConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// RetentionDays is how long raw usage records are kept. The
	// aggregated quota counters survive pruning.
	RetentionDays int `yaml:"retention_days"`
	// SyncInterval is how often quota counters are rebuilt from the
	// usage store.
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// BillingConfig configures the payment provider and its background
// loops. Mode is "none" or "stripe".
type BillingConfig struct {
	Mode                string        `yaml:"mode"`
	StripeKey           string        `yaml:"stripe_key,omitempty"`
	StripeWebhookSecret string        `yaml:"stripe_webhook_secret,omitempty"`
	WebhookRetryEvery   time.Duration `yaml:"webhook_retry_every"`
	ReconcileEvery      time.Duration `yaml:"reconcile_every"`
	MaxWebhookAttempts  int           `yaml:"max_webhook_attempts"`
}

// TierConfig configures the entitlements of one subscription tier.
type TierConfig struct {
	Name               string  `yaml:"name"`
	IncludedUnits      int64   `yaml:"included_units"` // -1 = unlimited
	Enforce            string  `yaml:"enforce"`        // "hard", "soft" or "warn"
	GracePct           float64 `yaml:"grace_pct"`
	OverageUnitPrice   float64 `yaml:"overage_unit_price"`
	RateLimitPerMinute int     `yaml:"rate_limit_per_minute"`
	Burst              int     `yaml:"burst"`
	PriceMonthly       float64 `yaml:"price_monthly"`
	ProviderPriceID    string  `yaml:"provider_price_id,omitempty"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment
// variables, for container deployments without a config file.
//
// Environment variables:
//
//	SIGNALGATE_PROVIDER_URL   - Upstream signal source URL (required)
//	SIGNALGATE_DATABASE_DSN   - Database path (default: signalgate.db)
//	SIGNALGATE_SERVER_HOST    - Server host (default: 0.0.0.0)
//	SIGNALGATE_SERVER_PORT    - Server port (default: 8080)
//	SIGNALGATE_CACHE_TTL      - Signal freshness TTL (default: 5m)
//	SIGNALGATE_CACHE_REDIS_URL- Shared cache tier (default: disabled)
//	SIGNALGATE_BILLING_MODE   - Billing mode: none or stripe (default: none)
//	SIGNALGATE_LOG_LEVEL      - Log level (default: info)
//	SIGNALGATE_LOG_FORMAT     - Log format: json or console (default: json)
//	SIGNALGATE_METRICS_ENABLED- Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falling back to
// environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	if os.Getenv("SIGNALGATE_PROVIDER_URL") != "" {
		return LoadFromEnv()
	}

	return nil, fmt.Errorf("no configuration found: provide config file or set SIGNALGATE_PROVIDER_URL")
}

// TiersFor converts the configured tier list into the domain's limit
// table.
func (c *Config) TiersFor() map[tier.Tier]tier.Limits {
	m := make(map[tier.Tier]tier.Limits, len(c.Tiers))
	for _, t := range c.Tiers {
		m[tier.Tier(t.Name)] = tier.Limits{
			IncludedUnits:      t.IncludedUnits,
			Enforce:            t.Enforce,
			GracePct:           t.GracePct,
			OverageUnitPrice:   t.OverageUnitPrice,
			RateLimitPerMinute: t.RateLimitPerMinute,
			Burst:              t.Burst,
			PriceMonthly:       t.PriceMonthly,
			ProviderPriceID:    t.ProviderPriceID,
		}
	}
	return m
}

// applyEnvOverrides applies SIGNALGATE_* environment variables to the
// config. Environment variables always override file values.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("SIGNALGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SIGNALGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SIGNALGATE_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SIGNALGATE_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Provider configuration
	if v := os.Getenv("SIGNALGATE_PROVIDER_URL"); v != "" {
		cfg.Provider.URL = v
	}
	if v := os.Getenv("SIGNALGATE_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("SIGNALGATE_PROVIDER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Provider.Timeout = d
		}
	}

	// Cache configuration
	if v := os.Getenv("SIGNALGATE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("SIGNALGATE_CACHE_STALE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.StaleWindow = d
		}
	}
	if v := os.Getenv("SIGNALGATE_CACHE_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}

	// Auth configuration
	if v := os.Getenv("SIGNALGATE_AUTH_KEY_PREFIX"); v != "" {
		cfg.Auth.KeyPrefix = v
	}
	if v := os.Getenv("SIGNALGATE_AUTH_HEADER"); v != "" {
		cfg.Auth.Header = v
	}
	if v := os.Getenv("SIGNALGATE_AUTH_TRUSTED_HEADER"); v != "" {
		cfg.Auth.TrustedHeader = v
	}

	// Database configuration
	if v := os.Getenv("SIGNALGATE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("SIGNALGATE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Usage configuration
	if v := os.Getenv("SIGNALGATE_USAGE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Usage.BatchSize = n
		}
	}
	if v := os.Getenv("SIGNALGATE_USAGE_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Usage.FlushInterval = d
		}
	}
	if v := os.Getenv("SIGNALGATE_USAGE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Usage.RetentionDays = n
		}
	}

	// Billing configuration
	if v := os.Getenv("SIGNALGATE_BILLING_MODE"); v != "" {
		cfg.Billing.Mode = v
	}
	if v := os.Getenv("SIGNALGATE_BILLING_STRIPE_KEY"); v != "" {
		cfg.Billing.StripeKey = v
	}
	if v := os.Getenv("SIGNALGATE_BILLING_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Billing.StripeWebhookSecret = v
	}
	if v := os.Getenv("SIGNALGATE_BILLING_RECONCILE_EVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Billing.ReconcileEvery = d
		}
	}

	// Logging configuration
	if v := os.Getenv("SIGNALGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SIGNALGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("SIGNALGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("SIGNALGATE_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = 10 * time.Second
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.Cache.StaleWindow == 0 {
		cfg.Cache.StaleWindow = 6 * time.Hour
	}
	if cfg.Cache.LocalMaxEntries == 0 {
		cfg.Cache.LocalMaxEntries = 4096
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 1
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = 30 * time.Second
	}
	if cfg.Breaker.MaxCooldown == 0 {
		cfg.Breaker.MaxCooldown = 10 * time.Minute
	}

	if cfg.Auth.KeyPrefix == "" {
		cfg.Auth.KeyPrefix = "sg_"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "signalgate.db"
	}

	if cfg.Usage.BatchSize == 0 {
		cfg.Usage.BatchSize = 100
	}
	if cfg.Usage.FlushInterval == 0 {
		cfg.Usage.FlushInterval = 10 * time.Second
	}
	if cfg.Usage.RetentionDays == 0 {
		cfg.Usage.RetentionDays = 90
	}
	if cfg.Usage.SyncInterval == 0 {
		cfg.Usage.SyncInterval = 5 * time.Minute
	}

	if cfg.Billing.Mode == "" {
		cfg.Billing.Mode = "none"
	}
	if cfg.Billing.WebhookRetryEvery == 0 {
		cfg.Billing.WebhookRetryEvery = time.Minute
	}
	if cfg.Billing.ReconcileEvery == 0 {
		cfg.Billing.ReconcileEvery = time.Hour
	}
	if cfg.Billing.MaxWebhookAttempts == 0 {
		cfg.Billing.MaxWebhookAttempts = 8
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Default tier table if none configured
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = []TierConfig{
			{
				Name:               "free",
				IncludedUnits:      100,
				Enforce:            "hard",
				RateLimitPerMinute: 10,
			},
			{
				Name:               "starter",
				IncludedUnits:      1000,
				Enforce:            "hard",
				GracePct:           0.05,
				OverageUnitPrice:   0.01,
				RateLimitPerMinute: 60,
				Burst:              10,
				PriceMonthly:       29,
			},
			{
				Name:               "pro",
				IncludedUnits:      10000,
				Enforce:            "soft",
				OverageUnitPrice:   0.005,
				RateLimitPerMinute: 600,
				Burst:              100,
				PriceMonthly:       99,
			},
			{
				Name:          "enterprise",
				IncludedUnits: -1,
				Enforce:       "warn",
			},
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Provider.URL == "" {
		return fmt.Errorf("provider.url is required")
	}

	validDrivers := map[string]bool{"sqlite": true, "memory": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite' or 'memory', got %q", cfg.Database.Driver)
	}

	validBillingModes := map[string]bool{"none": true, "stripe": true}
	if !validBillingModes[cfg.Billing.Mode] {
		return fmt.Errorf("billing.mode must be 'none' or 'stripe', got %q", cfg.Billing.Mode)
	}
	if cfg.Billing.Mode == "stripe" && cfg.Billing.StripeKey == "" {
		return fmt.Errorf("billing.stripe_key is required when billing.mode is 'stripe'")
	}

	validEnforce := map[string]bool{"hard": true, "soft": true, "warn": true}
	for i, t := range cfg.Tiers {
		if _, err := tier.Parse(t.Name); err != nil {
			return fmt.Errorf("tiers[%d]: %w", i, err)
		}
		if !validEnforce[t.Enforce] {
			return fmt.Errorf("tiers[%d].enforce must be 'hard', 'soft' or 'warn', got %q", i, t.Enforce)
		}
		if t.GracePct < 0 || t.GracePct >= 1 {
			return fmt.Errorf("tiers[%d].grace_pct must be in [0, 1), got %v", i, t.GracePct)
		}
		if t.IncludedUnits < -1 {
			return fmt.Errorf("tiers[%d].included_units must be >= -1, got %d", i, t.IncludedUnits)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}
