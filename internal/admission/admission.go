// Package admission is the request-admission gate.
//
// Every security-sensitive request passes through the same stages, in
// order: header hardening, suspicious-pattern check, payload validation,
// rate limit, fraud check (fraud-sensitive policies only), then dispatch.
// The first stage that rejects ends the pipeline with a blocked Decision;
// each blocked Decision is written to the security event log exactly once.
// Payment policies dispatch through the idempotency store so a payment
// intent executes at most once.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/fraud"
	"github.com/mbd888/sentinel/internal/idempotency"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/validation"
)

// ErrNotAdmitted is returned by Dispatch for a blocked decision.
var ErrNotAdmitted = errors.New("admission: request was not admitted")

// Stage names, also used as metric and span labels.
const (
	StageHeaderHardening   = "header_hardening"
	StagePatternCheck      = "pattern_check"
	StagePayloadValidation = "payload_validation"
	StageRateLimit         = "rate_limit"
	StageFraudCheck        = "fraud_check"
	StageDispatch          = "dispatch"
)

// RequestContext is what the gate knows about one inbound request.
type RequestContext struct {
	ActorID        string // empty for anonymous requests
	IPAddress      string
	UserAgent      string
	Method         string
	URI            string
	Query          string
	Body           []byte
	ContentType    string
	ContentLength  int64 // -1 when unknown
	TLS            bool
	IdempotencyKey string
	RequestID      string // client correlation ID, recorded as request_id
	TraceID        string // set by Admit
}

// Policy selects the stages and limits for a class of operation.
type Policy struct {
	Name              string
	FraudSensitive    bool
	Payment           bool
	RateLimitAttempts int           // 0 uses the configured default
	RateLimitWindow   time.Duration // 0 uses the configured default
}

// DefaultPolicy applies pattern, payload and rate-limit checks.
func DefaultPolicy() Policy {
	return Policy{Name: "default"}
}

// PaymentPolicy adds the fraud check and idempotent dispatch.
func PaymentPolicy() Policy {
	return Policy{Name: "payment", FraudSensitive: true, Payment: true}
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed bool              `json:"allowed"`
	Status  int               `json:"status"`
	TraceID string            `json:"trace_id"`
	Action  string            `json:"action,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Headers map[string]string `json:"-"`
	Verdict *fraud.Verdict    `json:"fraud,omitempty"`
}

// Operation is the protected work behind the gate.
type Operation func(ctx context.Context) ([]byte, error)

// Outcome is the result of a dispatched operation.
type Outcome struct {
	Result    []byte
	FromCache bool
	TraceID   string
}

// RateLimiter is the rate-limit stage's dependency.
type RateLimiter interface {
	CheckAndRecord(ctx context.Context, a ratelimit.Attempt, maxAttempts int, window time.Duration) (bool, error)
}

// FraudScorer is the fraud stage's dependency.
type FraudScorer interface {
	Evaluate(ctx context.Context, in fraud.Input, actorID string) (*fraud.Verdict, error)
}

// EventLogger records security events.
type EventLogger interface {
	Log(ctx context.Context, ev *audit.SecurityEvent) error
}

// Deps are the gate's collaborators, constructed once at startup.
type Deps struct {
	Limiter     RateLimiter
	Fraud       FraudScorer
	Idempotency *idempotency.Store
	Audit       EventLogger
	Security    config.Security
}

// Gate runs the admission pipeline.
type Gate struct {
	limiter  RateLimiter
	fraud    FraudScorer
	idem     *idempotency.Store
	audit    EventLogger
	headers  *security.HeaderSet
	patterns *security.PatternMatcher
	payload  *validation.Checker

	// defaultWindow mirrors the limiter's configured window and only
	// feeds Retry-After for policies that leave RateLimitWindow unset.
	defaultWindow time.Duration
	logger        *slog.Logger
}

// New creates a gate. Fraud may be nil when no policy is fraud-sensitive;
// Idempotency may be nil when no policy is a payment.
func New(deps Deps, logger *slog.Logger) (*Gate, error) {
	if deps.Limiter == nil || deps.Audit == nil {
		return nil, errors.New("admission: limiter and audit logger are required")
	}
	patterns, err := security.NewPatternMatcher(deps.Security.SuspiciousPatterns)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		limiter:       deps.Limiter,
		fraud:         deps.Fraud,
		idem:          deps.Idempotency,
		audit:         deps.Audit,
		headers:       security.NewHeaderSet(deps.Security.Headers, deps.Security.HSTS),
		patterns:      patterns,
		payload:       validation.NewChecker(deps.Security.MaxBodyBytes, deps.Security.AllowedContentTypes),
		defaultWindow: deps.Security.RateLimitWindow,
		logger:        logger,
	}, nil
}

// MaxBodyBytes is the payload limit; FromGin reads at most one byte more.
func (g *Gate) MaxBodyBytes() int64 { return g.payload.MaxBytes() }

// Admit runs every stage up to dispatch and returns the decision. A
// blocked decision has already been logged when Admit returns.
func (g *Gate) Admit(ctx context.Context, rc *RequestContext, p Policy) Decision {
	// Always server-generated: trace IDs are unique in the event log and a
	// client-chosen value could collide with an earlier row.
	rc.TraceID = idgen.TraceID()
	ctx = logging.WithTraceID(ctx, rc.TraceID)
	ctx, span := traces.StartSpan(ctx, "admission.Admit",
		traces.TraceID(rc.TraceID), traces.Policy(p.Name), traces.Actor(rc.ActorID))
	defer span.End()

	d := Decision{Allowed: true, Status: http.StatusOK, TraceID: rc.TraceID}

	// 1. header hardening
	started := time.Now()
	d.Headers = g.headers.For(rc.TLS)
	metrics.ObserveStage(StageHeaderHardening, started)

	// 2. suspicious patterns
	started = time.Now()
	matched := g.patterns.Match(patternInput(rc))
	metrics.ObserveStage(StagePatternCheck, started)
	if matched {
		return g.block(ctx, rc, d, http.StatusForbidden, audit.ActionSuspiciousActivity,
			"request contains a suspicious pattern", map[string]any{"uri": rc.URI})
	}

	// 3. payload validation
	started = time.Now()
	err := g.payload.Check(validation.Payload{
		Method:        rc.Method,
		ContentType:   rc.ContentType,
		ContentLength: rc.ContentLength,
		BodyLen:       len(rc.Body),
	})
	metrics.ObserveStage(StagePayloadValidation, started)
	switch {
	case errors.Is(err, validation.ErrPayloadTooLarge):
		return g.block(ctx, rc, d, http.StatusRequestEntityTooLarge, audit.ActionPayloadTooLarge,
			err.Error(), map[string]any{"max_bytes": g.payload.MaxBytes()})
	case errors.Is(err, validation.ErrUnsupportedContentType):
		return g.block(ctx, rc, d, http.StatusUnsupportedMediaType, audit.ActionUnsupportedContentType,
			err.Error(), map[string]any{"content_type": rc.ContentType})
	}

	// 4. rate limit
	started = time.Now()
	identifier := ratelimit.Identifier(rc.ActorID, rc.IPAddress)
	ok, err := g.limiter.CheckAndRecord(ctx, ratelimit.Attempt{
		Identifier: identifier,
		IPAddress:  rc.IPAddress,
		UserAgent:  rc.UserAgent,
	}, p.RateLimitAttempts, p.RateLimitWindow)
	metrics.ObserveStage(StageRateLimit, started)
	if err != nil {
		return g.block(ctx, rc, d, http.StatusServiceUnavailable, audit.ActionRateLimitUnavailable,
			"rate limit check unavailable", map[string]any{"identifier": identifier, "error": err.Error()})
	}
	if !ok {
		return g.block(ctx, rc, d, http.StatusTooManyRequests, audit.ActionRateLimitExceeded,
			"too many requests", map[string]any{"identifier": identifier})
	}

	// 5. fraud check
	if p.FraudSensitive {
		if g.fraud == nil {
			return g.block(ctx, rc, d, http.StatusServiceUnavailable, audit.ActionFraudCheckUnavailable,
				"fraud engine not configured", nil)
		}
		started = time.Now()
		v, err := g.fraud.Evaluate(ctx, fraud.Input{
			Body:      rc.Body,
			IPAddress: rc.IPAddress,
			UserAgent: rc.UserAgent,
		}, rc.ActorID)
		metrics.ObserveStage(StageFraudCheck, started)
		if err != nil {
			return g.block(ctx, rc, d, http.StatusServiceUnavailable, audit.ActionFraudCheckUnavailable,
				"fraud check unavailable", map[string]any{"error": err.Error()})
		}
		d.Verdict = v
		span.SetAttributes(traces.Score(v.Score))
		if v.IsFraud {
			return g.block(ctx, rc, d, http.StatusForbidden, audit.ActionFraudDetected,
				"transaction flagged as potentially fraudulent",
				map[string]any{"score": v.Score, "indicators": v.Indicators})
		}
	}

	span.SetAttributes(traces.Action("admitted"))
	return d
}

// Dispatch runs op for an admitted request and logs request_processed.
// Payment policies run op through the idempotency store.
func (g *Gate) Dispatch(ctx context.Context, rc *RequestContext, p Policy, d Decision, op Operation) (*Outcome, error) {
	if !d.Allowed {
		return nil, ErrNotAdmitted
	}
	ctx = logging.WithTraceID(ctx, d.TraceID)
	ctx, span := traces.StartSpan(ctx, "admission.Dispatch", traces.TraceID(d.TraceID), traces.Policy(p.Name))
	defer span.End()

	started := time.Now()
	var (
		result    []byte
		fromCache bool
		err       error
	)
	if p.Payment {
		if g.idem == nil {
			err = errors.New("admission: payment policy requires an idempotency store")
		} else {
			result, fromCache, err = g.idem.Execute(ctx, IdempotencyKey(rc), rc.ActorID, idempotency.Operation(op))
		}
	} else {
		result, err = op(ctx)
	}
	metrics.ObserveStage(StageDispatch, started)
	span.SetAttributes(traces.FromCache(fromCache))

	ev := g.event(rc, audit.ActionRequestProcessed, audit.StatusAllowed, map[string]any{
		"policy":     p.Name,
		"from_cache": fromCache,
	})
	if err != nil {
		ev.Action = audit.ActionRequestFailed
		ev.Context["error"] = err.Error()
	}
	if d.Verdict != nil {
		ev.Context["score"] = d.Verdict.Score
	}
	g.record(ctx, ev)

	if err != nil {
		return nil, err
	}
	return &Outcome{Result: result, FromCache: fromCache, TraceID: d.TraceID}, nil
}

// Process is Admit followed by Dispatch when admitted.
func (g *Gate) Process(ctx context.Context, rc *RequestContext, p Policy, op Operation) (Decision, *Outcome, error) {
	d := g.Admit(ctx, rc, p)
	if !d.Allowed {
		return d, nil, nil
	}
	out, err := g.Dispatch(ctx, rc, p, d, op)
	return d, out, err
}

// ExecuteIdempotent runs op at most once per key, outside the pipeline.
func (g *Gate) ExecuteIdempotent(ctx context.Context, key, ownerID string, op Operation) ([]byte, bool, error) {
	if g.idem == nil {
		return nil, false, errors.New("admission: no idempotency store configured")
	}
	return g.idem.Execute(ctx, key, ownerID, idempotency.Operation(op))
}

func (g *Gate) block(ctx context.Context, rc *RequestContext, d Decision, status int, action, reason string, details map[string]any) Decision {
	d.Allowed = false
	d.Status = status
	d.Action = action
	d.Reason = reason

	g.record(ctx, g.event(rc, action, audit.StatusBlocked, details))
	logging.L(ctx).Warn("request blocked", "action", action, "status", status, "actor_id", rc.ActorID, "ip", rc.IPAddress)
	return d
}

func (g *Gate) event(rc *RequestContext, action, status string, details map[string]any) *audit.SecurityEvent {
	if details == nil {
		details = map[string]any{}
	}
	details["method"] = rc.Method
	details["uri"] = rc.URI
	if rc.RequestID != "" {
		details["request_id"] = rc.RequestID
	}
	return &audit.SecurityEvent{
		TraceID:   rc.TraceID,
		Action:    action,
		Status:    status,
		ActorID:   rc.ActorID,
		IPAddress: rc.IPAddress,
		UserAgent: rc.UserAgent,
		Context:   details,
	}
}

func (g *Gate) record(ctx context.Context, ev *audit.SecurityEvent) {
	metrics.AdmissionDecisionsTotal.WithLabelValues(ev.Action, ev.Status).Inc()
	if err := g.audit.Log(ctx, ev); err != nil {
		// The decision stands; the process log still carries the event.
		logging.L(ctx).Error("security event not persisted", "action", ev.Action, "error", err)
	}
}

// patternInput is URI, decoded query and body joined for the pattern check.
func patternInput(rc *RequestContext) string {
	var b strings.Builder
	b.WriteString(rc.URI)
	if rc.Query != "" {
		b.WriteByte('?')
		if q, err := url.QueryUnescape(rc.Query); err == nil {
			b.WriteString(q)
		} else {
			b.WriteString(rc.Query)
		}
	}
	if len(rc.Body) > 0 {
		b.WriteByte('\n')
		b.Write(rc.Body)
	}
	return b.String()
}

// IdempotencyKey is the key a payment dispatch runs under: the client's
// Idempotency-Key when given, else one derived from the payment intent
// (actor, order and amount). Bodies without an order fall back to a hash of
// the body.
func IdempotencyKey(rc *RequestContext) string {
	if k := strings.TrimSpace(rc.IdempotencyKey); k != "" {
		return k
	}
	var intent struct {
		OrderID json.RawMessage `json:"order_id"`
		Amount  json.Number     `json:"amount"`
	}
	if err := json.Unmarshal(rc.Body, &intent); err == nil && len(intent.OrderID) > 0 && intent.Amount != "" {
		return idgen.PaymentKey(rc.ActorID, unquote(intent.OrderID), intent.Amount.String())
	}
	sum := sha256.Sum256(rc.Body)
	return fmt.Sprintf("payment:%s:body:%s", strings.TrimSpace(rc.ActorID), hex.EncodeToString(sum[:]))
}

func unquote(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
