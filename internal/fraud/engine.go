package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/geo"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/security"
)

const (
	rapidAttemptsWindow = time.Hour
	recentLocations     = 5
)

// amountFields are checked in order; orders carry a total instead of an amount.
var amountFields = []string{"amount", "total", "total_amount"}

// Config holds the rule parameters.
type Config struct {
	Threshold           int
	HighAmountThreshold float64
	MaxAttemptsPerHour  int
	Weights             config.Weights
	Patterns            []string
	UserAgents          []string
	StorageTimeout      time.Duration
}

// ConfigFromSecurity extracts the engine parameters from the security config.
func ConfigFromSecurity(sec config.Security, storageTimeout time.Duration) Config {
	return Config{
		Threshold:           sec.FraudThreshold,
		HighAmountThreshold: sec.HighAmountThreshold,
		MaxAttemptsPerHour:  sec.MaxAttemptsPerHour,
		Weights:             sec.Weights,
		Patterns:            sec.SuspiciousPatterns,
		UserAgents:          sec.SuspiciousUserAgents,
		StorageTimeout:      storageTimeout,
	}
}

// Engine scores requests.
type Engine struct {
	attempts  AttemptStore
	locations LocationStore
	resolver  geo.Resolver
	patterns  *security.PatternMatcher
	agents    []string
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a scoring engine. resolver may be nil, which disables
// the location rule.
func NewEngine(attempts AttemptStore, locations LocationStore, resolver geo.Resolver, cfg Config, logger *slog.Logger) (*Engine, error) {
	patterns, err := security.NewPatternMatcher(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	if resolver == nil {
		resolver = geo.NopResolver{}
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	agents := make([]string, 0, len(cfg.UserAgents))
	for _, a := range cfg.UserAgents {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			agents = append(agents, a)
		}
	}
	return &Engine{
		attempts:  attempts,
		locations: locations,
		resolver:  resolver,
		patterns:  patterns,
		agents:    agents,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Evaluate scores in for actorID (empty for anonymous requests). It returns
// ErrStorage when the actor's history cannot be read. A failed attempt-log
// write does not fail the evaluation; it is reported through
// Verdict.Persisted.
func (e *Engine) Evaluate(ctx context.Context, in Input, actorID string) (*Verdict, error) {
	actorID = strings.TrimSpace(actorID)
	now := e.now()

	fields := in.Fields
	if fields == nil {
		fields = decodeFields(in.Body)
	}

	v := &Verdict{Indicators: []string{}}
	add := func(indicator string, weight int) {
		v.Score += weight
		v.Indicators = append(v.Indicators, indicator)
	}

	// 1. suspicious patterns, one hit per matching pattern
	for range e.patterns.Matches(payloadText(fields, in.Body)) {
		add(IndicatorSuspiciousPattern, e.cfg.Weights.SuspiciousPattern)
	}

	// 2. high amount
	amount, hasAmount := extractAmount(fields)
	if hasAmount && amount > e.cfg.HighAmountThreshold {
		add(IndicatorHighAmount, e.cfg.Weights.HighAmount)
	}

	// 3. rapid attempts
	if actorID != "" {
		n, err := e.countRecent(ctx, actorID, now.Add(-rapidAttemptsWindow))
		if err != nil {
			return nil, e.storageFailure(ctx, "fraud_history", "count attempts", err)
		}
		if n > e.cfg.MaxAttemptsPerHour {
			add(IndicatorRapidAttempts, e.cfg.Weights.RapidAttempts)
		}
	}

	// 4. address mismatch
	if addressMismatch(fields) {
		add(IndicatorAddressMismatch, e.cfg.Weights.AddressMismatch)
	}

	// 5. unusual location
	var loc geo.Location
	if actorID != "" {
		var err error
		loc, err = e.resolver.ResolveLocation(ctx, in.IPAddress)
		if err != nil {
			logging.L(ctx).Warn("geolocation failed, skipping location rule", "error", err)
			loc = geo.Location{}
		}
		if loc.Known() {
			unusual, err := e.unusualLocation(ctx, actorID, loc)
			if err != nil {
				return nil, e.storageFailure(ctx, "fraud_history", "read locations", err)
			}
			if unusual {
				add(IndicatorUnusualLocation, e.cfg.Weights.UnusualLocation)
			}
		}
	}

	// 6. automated user agent
	if e.suspiciousAgent(in.UserAgent) {
		add(IndicatorSuspiciousUserAgent, e.cfg.Weights.SuspiciousUserAgent)
	}

	v.IsFraud = v.Score >= e.cfg.Threshold

	// 7. attempt log
	entry := &AttemptLog{
		ID:         idgen.WithPrefix("fa_"),
		ActorID:    actorID,
		Amount:     amount,
		Score:      v.Score,
		Indicators: append([]string(nil), v.Indicators...),
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
		OccurredAt: now,
	}
	v.Persisted = true
	if err := e.withTimeout(ctx, func(ctx context.Context) error { return e.attempts.Record(ctx, entry) }); err != nil {
		v.Persisted = false
		metrics.StorageFailuresTotal.WithLabelValues("fraud_log").Inc()
		logging.L(ctx).Error("failed to persist fraud attempt", "actor_id", actorID, "score", v.Score, "error", err)
	}

	if !v.IsFraud && actorID != "" && loc.Known() {
		if err := e.withTimeout(ctx, func(ctx context.Context) error { return e.locations.Record(ctx, actorID, loc, now) }); err != nil {
			metrics.StorageFailuresTotal.WithLabelValues("fraud_location").Inc()
			logging.L(ctx).Warn("failed to record actor location", "actor_id", actorID, "error", err)
		}
	}

	metrics.FraudScore.Observe(float64(v.Score))
	for _, ind := range v.Indicators {
		metrics.FraudIndicatorsTotal.WithLabelValues(ind).Inc()
	}
	if v.IsFraud {
		e.logger.Warn("fraud detected", "actor_id", actorID, "score", v.Score, "indicators", v.Indicators)
	}
	return v, nil
}

// Purge removes attempt logs older than before.
func (e *Engine) Purge(ctx context.Context, before time.Time) (int64, error) {
	return e.attempts.Purge(ctx, before)
}

func (e *Engine) countRecent(ctx context.Context, actorID string, since time.Time) (int, error) {
	var n int
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		n, err = e.attempts.CountSince(ctx, actorID, since)
		return err
	})
	return n, err
}

func (e *Engine) unusualLocation(ctx context.Context, actorID string, loc geo.Location) (bool, error) {
	var prev []geo.Location
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		prev, err = e.locations.Recent(ctx, actorID, recentLocations)
		return err
	})
	if err != nil {
		return false, err
	}
	if len(prev) == 0 {
		return false, nil
	}
	for _, p := range prev {
		if p.Equal(loc) {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) suspiciousAgent(ua string) bool {
	ua = strings.ToLower(ua)
	if ua == "" {
		return false
	}
	for _, a := range e.agents {
		if strings.Contains(ua, a) {
			return true
		}
	}
	return false
}

func (e *Engine) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StorageTimeout)
	defer cancel()
	return fn(ctx)
}

func (e *Engine) storageFailure(ctx context.Context, component, op string, err error) error {
	metrics.StorageFailuresTotal.WithLabelValues(component).Inc()
	logging.L(ctx).Error("fraud history unavailable, failing closed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// decodeFields parses a JSON object body. Anything else yields nil.
func decodeFields(body []byte) map[string]any {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil
	}
	return fields
}

// payloadText is the text the pattern rule scans: canonical JSON of the
// fields (sorted keys, no HTML escaping) or the raw body when it was not JSON.
func payloadText(fields map[string]any, body []byte) string {
	if fields == nil {
		return string(body)
	}
	return canonicalJSON(fields)
}

func canonicalJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// extractAmount reads the first present amount field as a number or numeric
// string.
func extractAmount(fields map[string]any) (float64, bool) {
	for _, key := range amountFields {
		raw, ok := fields[key]
		if !ok || raw == nil {
			continue
		}
		if f, ok := toFloat(raw); ok {
			return f, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	var f float64
	var err error
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		f, err = n.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func addressMismatch(fields map[string]any) bool {
	billing, okB := fields["billing_address"]
	shipping, okS := fields["shipping_address"]
	if !okB || !okS || isBlank(billing) || isBlank(shipping) {
		return false
	}
	if bs, ok := billing.(string); ok {
		if ss, ok := shipping.(string); ok {
			return strings.TrimSpace(bs) != strings.TrimSpace(ss)
		}
	}
	return canonicalJSON(billing) != canonicalJSON(shipping)
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case map[string]any:
		return len(x) == 0
	}
	return false
}
