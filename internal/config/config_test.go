package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultStorageTimeout, cfg.StorageTimeout)
	assert.Equal(t, 10, cfg.Security.RateLimitAttempts)
	assert.Equal(t, time.Hour, cfg.Security.RateLimitWindow)
	assert.False(t, cfg.Security.RateLimitCountRejected)
	assert.Equal(t, 50, cfg.Security.FraudThreshold)
	assert.Equal(t, 50000.0, cfg.Security.HighAmountThreshold)
	assert.Equal(t, time.Hour, cfg.Security.IdempotencyTTL)
	assert.Equal(t, 90*24*time.Hour, cfg.Security.AuditRetention)
	assert.Len(t, cfg.Security.SuspiciousPatterns, 16)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setEnv(t, "RATE_LIMIT_ATTEMPTS", "5")
	setEnv(t, "RATE_LIMIT_WINDOW_SECONDS", "60")
	setEnv(t, "RATE_LIMIT_COUNT_REJECTED", "true")
	setEnv(t, "IDEMPOTENCY_TTL_SECONDS", "120")
	setEnv(t, "STORAGE_TIMEOUT", "500ms")
	setEnv(t, "AUDIT_RETENTION_DAYS", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Security.RateLimitAttempts)
	assert.Equal(t, time.Minute, cfg.Security.RateLimitWindow)
	assert.True(t, cfg.Security.RateLimitCountRejected)
	assert.Equal(t, 2*time.Minute, cfg.Security.IdempotencyTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.StorageTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Security.AuditRetention)
}

func TestLoad_ProductionRequiresAdminSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "ADMIN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET")
}

func TestLoad_RulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
suspicious_patterns:
  - "<svg"
weights:
  high_amount: 45
fraud_threshold: 60
headers:
  X-Frame-Options: SAMEORIGIN
  X-XSS-Protection: ""
`), 0o600))
	setEnv(t, "SECURITY_RULES_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	sec := cfg.Security
	assert.Equal(t, []string{"<svg"}, sec.SuspiciousPatterns)
	assert.Equal(t, 45, sec.Weights.HighAmount)
	assert.Equal(t, 40, sec.Weights.RapidAttempts, "unspecified weights keep defaults")
	assert.Equal(t, 60, sec.FraudThreshold)
	assert.Equal(t, "SAMEORIGIN", sec.Headers["X-Frame-Options"])
	assert.NotContains(t, sec.Headers, "X-XSS-Protection")
	assert.Equal(t, "nosniff", sec.Headers["X-Content-Type-Options"])
}

func TestLoad_RulesFileMissing(t *testing.T) {
	setEnv(t, "SECURITY_RULES_FILE", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestSecurity_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Security)
		wantErr string
	}{
		{"defaults", func(*Security) {}, ""},
		{"zero attempts", func(s *Security) { s.RateLimitAttempts = 0 }, "RATE_LIMIT_ATTEMPTS"},
		{"short window", func(s *Security) { s.RateLimitWindow = time.Millisecond }, "RATE_LIMIT_WINDOW_SECONDS"},
		{"threshold too high", func(s *Security) { s.FraudThreshold = 10001 }, "FRAUD_THRESHOLD"},
		{"negative weight", func(s *Security) { s.Weights.HighAmount = -1 }, "high_amount"},
		{"huge weight", func(s *Security) { s.Weights.UnusualLocation = 1001 }, "unusual_location"},
		{"short ttl", func(s *Security) { s.IdempotencyTTL = 0 }, "IDEMPOTENCY_TTL_SECONDS"},
		{"short retention", func(s *Security) { s.AuditRetention = time.Hour }, "retention"},
		{"bad pattern", func(s *Security) { s.SuspiciousPatterns = []string{"(unclosed"} }, "suspicious pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSecurity()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultSecurity_IndependentCopies(t *testing.T) {
	a := DefaultSecurity()
	a.SuspiciousPatterns[0] = "mutated"
	a.Headers["X-Frame-Options"] = "mutated"

	b := DefaultSecurity()
	assert.Equal(t, "script", b.SuspiciousPatterns[0])
	assert.Equal(t, "DENY", b.Headers["X-Frame-Options"])
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "development"}).IsProduction())
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
}

func TestLoad_CORSOrigins(t *testing.T) {
	setEnv(t, "CORS_ALLOWED_ORIGINS", " https://a.example.com, ,https://b.example.com ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
}

func TestValidate_WildcardCORSInProduction(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "ADMIN_SECRET", "s3cret")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "*")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CORS_ALLOWED_ORIGINS")
}

func TestValidate_StripeNeedsPaymentMethod(t *testing.T) {
	setEnv(t, "STRIPE_SECRET_KEY", "sk_test_123")
	setEnv(t, "STRIPE_PAYMENT_METHOD", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_PAYMENT_METHOD")

	setEnv(t, "STRIPE_PAYMENT_METHOD", "pm_card_visa")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "pm_card_visa", cfg.StripePaymentMethod)
}
