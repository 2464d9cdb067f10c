package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Weights are the score contributions of each fraud indicator.
type Weights struct {
	SuspiciousPattern   int `yaml:"suspicious_pattern"`
	HighAmount          int `yaml:"high_amount"`
	RapidAttempts       int `yaml:"rapid_attempts"`
	AddressMismatch     int `yaml:"address_mismatch"`
	UnusualLocation     int `yaml:"unusual_location"`
	SuspiciousUserAgent int `yaml:"suspicious_user_agent"`
}

// Security holds the thresholds, weights and rule lists that drive the
// admission pipeline.
type Security struct {
	// Rate limiting
	RateLimitAttempts      int
	RateLimitWindow        time.Duration
	RateLimitCountRejected bool
	RateLimitRetention     time.Duration

	// Fraud scoring
	FraudThreshold       int
	HighAmountThreshold  float64
	MaxAttemptsPerHour   int
	Weights              Weights
	SuspiciousPatterns   []string
	SuspiciousUserAgents []string
	FraudRetention       time.Duration

	// Idempotency
	IdempotencyTTL   time.Duration
	OperationTimeout time.Duration

	// Payload validation
	MaxBodyBytes        int64
	AllowedContentTypes []string

	// Response hardening. HSTS is sent only on TLS requests.
	Headers map[string]string
	HSTS    string

	AuditRetention     time.Duration
	TimestampTolerance time.Duration
}

// DefaultSuspiciousPatterns are matched case-insensitively against request
// URIs, query strings and bodies.
var DefaultSuspiciousPatterns = []string{
	`script`,
	`javascript`,
	`vbscript`,
	`onload`,
	`onerror`,
	`<iframe`,
	`<object`,
	`<embed`,
	`union.*select`,
	`drop.*table`,
	`delete.*from`,
	`insert.*into`,
	`update.*set`,
	`<script`,
	`eval\s*\(`,
	`expression\s*\(`,
}

// DefaultSuspiciousUserAgents are case-insensitive substrings of automated clients.
var DefaultSuspiciousUserAgents = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget", "python", "php",
}

// DefaultContentSecurityPolicy is the CSP applied to every admitted response.
const DefaultContentSecurityPolicy = "default-src 'self'; script-src 'self' 'unsafe-inline' 'unsafe-eval'; " +
	"style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; font-src 'self' data:; " +
	"connect-src 'self'; frame-ancestors 'none'; base-uri 'self'; form-action 'self';"

// DefaultHSTS is the Strict-Transport-Security value for TLS requests.
const DefaultHSTS = "max-age=31536000; includeSubDomains; preload"

// DefaultSecurity returns the stock rule set.
func DefaultSecurity() Security {
	return Security{
		RateLimitAttempts:  10,
		RateLimitWindow:    time.Hour,
		RateLimitRetention: 24 * time.Hour,

		FraudThreshold:      50,
		HighAmountThreshold: 50000,
		MaxAttemptsPerHour:  5,
		Weights: Weights{
			SuspiciousPattern:   10,
			HighAmount:          30,
			RapidAttempts:       40,
			AddressMismatch:     20,
			UnusualLocation:     25,
			SuspiciousUserAgent: 15,
		},
		SuspiciousPatterns:   append([]string(nil), DefaultSuspiciousPatterns...),
		SuspiciousUserAgents: append([]string(nil), DefaultSuspiciousUserAgents...),
		FraudRetention:       30 * 24 * time.Hour,

		IdempotencyTTL:   time.Hour,
		OperationTimeout: 30 * time.Second,

		MaxBodyBytes: 10 << 20,
		AllowedContentTypes: []string{
			"application/json",
			"application/x-www-form-urlencoded",
			"multipart/form-data",
		},

		Headers: map[string]string{
			"Content-Security-Policy": DefaultContentSecurityPolicy,
			"X-Content-Type-Options":  "nosniff",
			"X-Frame-Options":         "DENY",
			"X-XSS-Protection":        "1; mode=block",
			"Referrer-Policy":         "strict-origin-when-cross-origin",
			"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
		},
		HSTS: DefaultHSTS,

		AuditRetention:     90 * 24 * time.Hour,
		TimestampTolerance: 5 * time.Minute,
	}
}

// Validate checks ranges and that every pattern compiles.
func (s *Security) Validate() error {
	var errs []error
	if s.RateLimitAttempts < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_ATTEMPTS must be >= 1"))
	}
	if s.RateLimitWindow < time.Second {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW_SECONDS must be >= 1"))
	}
	if s.FraudThreshold < 1 || s.FraudThreshold > 10000 {
		errs = append(errs, errors.New("FRAUD_THRESHOLD must be between 1 and 10000"))
	}
	if s.HighAmountThreshold <= 0 {
		errs = append(errs, errors.New("HIGH_AMOUNT_THRESHOLD must be positive"))
	}
	if s.MaxAttemptsPerHour < 0 {
		errs = append(errs, errors.New("FRAUD_MAX_ATTEMPTS_PER_HOUR must not be negative"))
	}
	for name, w := range map[string]int{
		"suspicious_pattern":    s.Weights.SuspiciousPattern,
		"high_amount":           s.Weights.HighAmount,
		"rapid_attempts":        s.Weights.RapidAttempts,
		"address_mismatch":      s.Weights.AddressMismatch,
		"unusual_location":      s.Weights.UnusualLocation,
		"suspicious_user_agent": s.Weights.SuspiciousUserAgent,
	} {
		if w < 0 || w > 1000 {
			errs = append(errs, fmt.Errorf("weight %s must be between 0 and 1000", name))
		}
	}
	if s.IdempotencyTTL < time.Second {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL_SECONDS must be >= 1"))
	}
	if s.OperationTimeout <= 0 {
		errs = append(errs, errors.New("OPERATION_TIMEOUT must be positive"))
	}
	if s.MaxBodyBytes < 1 {
		errs = append(errs, errors.New("MAX_BODY_BYTES must be >= 1"))
	}
	if s.AuditRetention < 24*time.Hour || s.FraudRetention < 24*time.Hour {
		errs = append(errs, errors.New("retention must be at least 1 day"))
	}
	if s.RateLimitRetention < s.RateLimitWindow {
		errs = append(errs, errors.New("rate limit retention must cover the rate limit window"))
	}
	for _, p := range s.SuspiciousPatterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			errs = append(errs, fmt.Errorf("suspicious pattern %q: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// rulesFile is the YAML shape of SECURITY_RULES_FILE. Absent fields keep
// their current values, including individual weights.
type rulesFile struct {
	SuspiciousPatterns   []string          `yaml:"suspicious_patterns"`
	SuspiciousUserAgents []string          `yaml:"suspicious_user_agents"`
	Weights              *Weights          `yaml:"weights"`
	FraudThreshold       *int              `yaml:"fraud_threshold"`
	HighAmountThreshold  *float64          `yaml:"high_amount_threshold"`
	MaxAttemptsPerHour   *int              `yaml:"max_attempts_per_hour"`
	AllowedContentTypes  []string          `yaml:"allowed_content_types"`
	Headers              map[string]string `yaml:"headers"`
}

// LoadRulesFile overlays rules from a YAML file onto s.
func (s *Security) LoadRulesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	return s.ApplyRules(data)
}

// ApplyRules overlays YAML rules onto s.
func (s *Security) ApplyRules(data []byte) error {
	weights := s.Weights
	rf := rulesFile{Weights: &weights}
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}
	if rf.SuspiciousPatterns != nil {
		s.SuspiciousPatterns = rf.SuspiciousPatterns
	}
	if rf.SuspiciousUserAgents != nil {
		s.SuspiciousUserAgents = rf.SuspiciousUserAgents
	}
	if rf.Weights != nil {
		s.Weights = *rf.Weights
	}
	if rf.FraudThreshold != nil {
		s.FraudThreshold = *rf.FraudThreshold
	}
	if rf.HighAmountThreshold != nil {
		s.HighAmountThreshold = *rf.HighAmountThreshold
	}
	if rf.MaxAttemptsPerHour != nil {
		s.MaxAttemptsPerHour = *rf.MaxAttemptsPerHour
	}
	if rf.AllowedContentTypes != nil {
		s.AllowedContentTypes = rf.AllowedContentTypes
	}
	if len(rf.Headers) > 0 {
		if s.Headers == nil {
			s.Headers = make(map[string]string, len(rf.Headers))
		}
		for k, v := range rf.Headers {
			if v == "" {
				delete(s.Headers, k)
				continue
			}
			s.Headers[k] = v
		}
	}
	return nil
}
