// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage backends. Each is optional; empty means in-memory.
	DatabaseURL   string // PostgreSQL connection string
	RedisURL      string // redis:// URL or host:port
	ClickHouseDSN string // analytics mirror for security events

	// Every store call is bounded by this timeout.
	StorageTimeout time.Duration

	// Secrets
	AdminSecret       string // guards /v1/security/* and /ws/security
	ReceiptHMACSecret string // signs payment receipts (optional)
	EncryptionKey     string // encrypts cached idempotent responses at rest (optional)

	// Geolocation
	GeoIPURL     string // ip-api compatible endpoint; empty disables geo checks
	GeoIPTimeout time.Duration

	// Retention sweeper
	SweepInterval time.Duration

	// Stripe replaces the simulated processor when StripeSecretKey is set.
	// Every charge is confirmed against StripePaymentMethod.
	StripeSecretKey     string
	StripePaymentMethod string

	// OTLP gRPC collector; empty disables tracing
	OTLPEndpoint string

	// Security alert webhooks. Blocked events are posted to every URL,
	// signed with AlertWebhookSecret when set. AlertActions narrows the
	// alerting to specific actions.
	AlertWebhookURLs   []string
	AlertWebhookSecret string
	AlertActions       []string

	// Browser origins allowed by CORS and the security feed websocket.
	// Empty allows none besides same-origin.
	CORSAllowedOrigins []string

	Security Security
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultStorageTimeout = 2 * time.Second
	DefaultGeoIPTimeout   = 3 * time.Second
	DefaultSweepInterval  = 15 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		ClickHouseDSN:       os.Getenv("CLICKHOUSE_DSN"),
		StorageTimeout:      getEnvDuration("STORAGE_TIMEOUT", DefaultStorageTimeout),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		ReceiptHMACSecret:   os.Getenv("RECEIPT_HMAC_SECRET"),
		EncryptionKey:       os.Getenv("ENCRYPTION_KEY"),
		GeoIPURL:            os.Getenv("GEOIP_URL"),
		GeoIPTimeout:        getEnvDuration("GEOIP_TIMEOUT", DefaultGeoIPTimeout),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripePaymentMethod: os.Getenv("STRIPE_PAYMENT_METHOD"),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AlertWebhookURLs:    getEnvList("ALERT_WEBHOOK_URLS"),
		AlertWebhookSecret:  os.Getenv("ALERT_WEBHOOK_SECRET"),
		AlertActions:        getEnvList("ALERT_ACTIONS"),
		Security:            DefaultSecurity(),
	}

	sec := &cfg.Security
	sec.RateLimitAttempts = int(getEnvInt64("RATE_LIMIT_ATTEMPTS", int64(sec.RateLimitAttempts)))
	sec.RateLimitWindow = time.Duration(getEnvInt64("RATE_LIMIT_WINDOW_SECONDS", int64(sec.RateLimitWindow/time.Second))) * time.Second
	sec.RateLimitCountRejected = getEnvBool("RATE_LIMIT_COUNT_REJECTED", sec.RateLimitCountRejected)
	sec.IdempotencyTTL = time.Duration(getEnvInt64("IDEMPOTENCY_TTL_SECONDS", int64(sec.IdempotencyTTL/time.Second))) * time.Second
	sec.OperationTimeout = getEnvDuration("OPERATION_TIMEOUT", sec.OperationTimeout)
	sec.FraudThreshold = int(getEnvInt64("FRAUD_THRESHOLD", int64(sec.FraudThreshold)))
	sec.HighAmountThreshold = getEnvFloat("HIGH_AMOUNT_THRESHOLD", sec.HighAmountThreshold)
	sec.MaxAttemptsPerHour = int(getEnvInt64("FRAUD_MAX_ATTEMPTS_PER_HOUR", int64(sec.MaxAttemptsPerHour)))
	sec.MaxBodyBytes = getEnvInt64("MAX_BODY_BYTES", sec.MaxBodyBytes)
	sec.AuditRetention = time.Duration(getEnvInt64("AUDIT_RETENTION_DAYS", int64(sec.AuditRetention/(24*time.Hour)))) * 24 * time.Hour
	sec.TimestampTolerance = time.Duration(getEnvInt64("TIMESTAMP_TOLERANCE_SECONDS", int64(sec.TimestampTolerance/time.Second))) * time.Second

	if path := os.Getenv("SECURITY_RULES_FILE"); path != "" {
		if err := sec.LoadRulesFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("STORAGE_TIMEOUT must be positive")
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s")
	}
	if c.IsProduction() {
		for _, o := range c.CORSAllowedOrigins {
			if o == "*" {
				return fmt.Errorf("CORS_ALLOWED_ORIGINS must not contain * in production")
			}
		}
	}
	if c.StripeSecretKey != "" && c.StripePaymentMethod == "" {
		return fmt.Errorf("STRIPE_PAYMENT_METHOD is required with STRIPE_SECRET_KEY")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("security config: %w", err)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
