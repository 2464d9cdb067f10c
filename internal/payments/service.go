package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/cryptoutil"
	"github.com/mbd888/sentinel/internal/fraud"
	"github.com/mbd888/sentinel/internal/idempotency"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/validation"
)

// RateLimiter limits payment attempts per actor.
type RateLimiter interface {
	CheckAndRecord(ctx context.Context, a ratelimit.Attempt, maxAttempts int, window time.Duration) (bool, error)
}

// FraudScorer scores a payment before it runs.
type FraudScorer interface {
	Evaluate(ctx context.Context, in fraud.Input, actorID string) (*fraud.Verdict, error)
}

// EventLogger records security events.
type EventLogger interface {
	Log(ctx context.Context, ev *audit.SecurityEvent) error
}

// Deps configures a Service. Idempotency and Processor are required.
// Fraud may be nil when the caller already scored the request (the HTTP
// route runs behind the admission gate). A nil Signer leaves receipts
// unsigned; a nil Receipts store keeps them only in the idempotency cache.
type Deps struct {
	Idempotency *idempotency.Store
	Processor   Processor
	Limiter     RateLimiter
	Fraud       FraudScorer
	Receipts    ReceiptStore
	Signer      *cryptoutil.Signer
	Audit       EventLogger

	RateLimitAttempts  int
	RateLimitWindow    time.Duration
	TimestampTolerance time.Duration
}

// Service implements payment submission.
type Service struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a payment service.
func NewService(deps Deps, logger *slog.Logger) (*Service, error) {
	if deps.Idempotency == nil || deps.Processor == nil {
		return nil, errors.New("payments: idempotency store and processor are required")
	}
	if deps.TimestampTolerance <= 0 {
		deps.TimestampTolerance = cryptoutil.DefaultTimestampTolerance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, logger: logger, now: time.Now}, nil
}

// Submit runs a payment intent. The second return value reports whether
// the receipt is the stored result of an earlier identical submission.
func (s *Service) Submit(ctx context.Context, actor Actor, req Request) (*Receipt, bool, error) {
	ctx, span := traces.StartSpan(ctx, "payments.Submit", traces.Actor(actor.ID))
	defer span.End()

	actor.ID = strings.TrimSpace(actor.ID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}

	if errs := validation.Validate(
		validation.Required("actor_id", actor.ID),
		validation.Required("order_id", req.OrderID),
		validation.ValidIdentifier("order_id", req.OrderID),
		validation.Required("amount", req.Amount.String()),
		validation.ValidAmount("amount", req.Amount.String()),
		validCurrency(req.Currency),
		validation.MaxLength("billing_address", req.BillingAddress, maxAddressLength),
		validation.MaxLength("shipping_address", req.ShippingAddress, maxAddressLength),
	); len(errs) > 0 {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidRequest, errs)
	}

	if req.Timestamp != 0 && !cryptoutil.ValidateTimestamp(req.Timestamp, s.now(), s.deps.TimestampTolerance) {
		s.event(ctx, actor, audit.ActionReplayRejected, audit.StatusBlocked, map[string]any{
			"order_id":  req.OrderID,
			"timestamp": req.Timestamp,
		})
		return nil, false, ErrReplay
	}

	if s.deps.Fraud != nil {
		body, _ := json.Marshal(req)
		v, err := s.deps.Fraud.Evaluate(ctx, fraud.Input{Body: body, IPAddress: actor.IPAddress, UserAgent: actor.UserAgent}, actor.ID)
		if err != nil {
			s.event(ctx, actor, audit.ActionFraudCheckUnavailable, audit.StatusBlocked, map[string]any{"order_id": req.OrderID})
			return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if v.IsFraud {
			s.event(ctx, actor, audit.ActionFraudDetected, audit.StatusBlocked, map[string]any{
				"order_id":   req.OrderID,
				"score":      v.Score,
				"indicators": v.Indicators,
			})
			return nil, false, ErrFraud
		}
	}

	if s.deps.Limiter != nil {
		ok, err := s.deps.Limiter.CheckAndRecord(ctx, ratelimit.Attempt{
			Identifier: "payment_" + actor.ID,
			IPAddress:  actor.IPAddress,
			UserAgent:  actor.UserAgent,
		}, s.deps.RateLimitAttempts, s.deps.RateLimitWindow)
		if err != nil {
			s.event(ctx, actor, audit.ActionRateLimitUnavailable, audit.StatusBlocked, map[string]any{"order_id": req.OrderID})
			return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !ok {
			s.event(ctx, actor, audit.ActionRateLimitExceeded, audit.StatusBlocked, map[string]any{
				"identifier": "payment_" + actor.ID,
				"order_id":   req.OrderID,
			})
			return nil, false, ErrRateLimited
		}
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = idgen.PaymentKey(actor.ID, req.OrderID, req.Amount.String())
	}
	req.IdempotencyKey = key

	receipt, fromCache, err := idempotency.Do(ctx, s.deps.Idempotency, key, actor.ID, func(ctx context.Context) (*Receipt, error) {
		return s.execute(ctx, actor, req)
	})
	span.SetAttributes(traces.FromCache(fromCache))
	if err != nil {
		if !errors.Is(err, idempotency.ErrOwnerMismatch) {
			metrics.PaymentsTotal.WithLabelValues("failed").Inc()
			s.event(ctx, actor, audit.ActionPaymentFailed, audit.StatusAllowed, map[string]any{
				"order_id": req.OrderID,
				"error":    err.Error(),
			})
		}
		return nil, false, err
	}
	if fromCache {
		metrics.PaymentsTotal.WithLabelValues("cached").Inc()
	}
	return receipt, fromCache, nil
}

// execute runs once per payment intent.
func (s *Service) execute(ctx context.Context, actor Actor, req Request) (*Receipt, error) {
	charge, err := s.deps.Processor.Process(ctx, actor.ID, req)
	if err != nil {
		return nil, fmt.Errorf("payments: processor: %w", err)
	}

	amount, err := decimal.NewFromString(charge.Amount)
	if err != nil {
		return nil, fmt.Errorf("payments: processor returned amount %q: %w", charge.Amount, err)
	}

	r := &Receipt{
		ID:            idgen.WithPrefix("rcpt_"),
		TransactionID: charge.TransactionID,
		OrderID:       req.OrderID,
		ActorID:       actor.ID,
		Amount:        amount.StringFixed(2),
		Currency:      charge.Currency,
		Status:        StatusCompleted,
		ProcessedAt:   charge.ProcessedAt.UTC().Truncate(time.Second),
		CreatedAt:     s.now().UTC(),
	}
	if err := s.sign(r); err != nil {
		return nil, err
	}

	if s.deps.Receipts != nil {
		// The charge went through; a lost receipt row must not turn it
		// into a retryable failure.
		if err := s.deps.Receipts.Create(context.WithoutCancel(ctx), r); err != nil {
			metrics.StorageFailuresTotal.WithLabelValues("receipts").Inc()
			logging.L(ctx).Error("failed to persist receipt", "receipt_id", r.ID, "error", err)
		}
	}

	metrics.PaymentsTotal.WithLabelValues("processed").Inc()
	s.event(ctx, actor, audit.ActionPaymentProcessed, audit.StatusAllowed, map[string]any{
		"order_id":       r.OrderID,
		"transaction_id": r.TransactionID,
		"amount":         r.Amount,
		"receipt_id":     r.ID,
	})
	return r, nil
}

func (s *Service) sign(r *Receipt) error {
	data, err := json.Marshal(payloadOf(r))
	if err != nil {
		return fmt.Errorf("payments: failed to marshal receipt payload: %w", err)
	}
	sum := sha256.Sum256(data)
	r.PayloadHash = hex.EncodeToString(sum[:])

	if s.deps.Signer == nil {
		return nil
	}
	sig, err := s.deps.Signer.Sign(data)
	if err != nil {
		return fmt.Errorf("payments: failed to sign receipt: %w", err)
	}
	r.Signature = sig
	return nil
}

// Get returns a stored receipt.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	if s.deps.Receipts == nil {
		return nil, ErrReceiptNotFound
	}
	return s.deps.Receipts.Get(ctx, id)
}

// ListByActor returns an actor's most recent receipts.
func (s *Service) ListByActor(ctx context.Context, actorID string, limit int) ([]*Receipt, error) {
	if s.deps.Receipts == nil {
		return []*Receipt{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return s.deps.Receipts.ListByActor(ctx, strings.TrimSpace(actorID), limit)
}

// Verify checks a stored receipt's signature.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	if s.deps.Signer == nil {
		return &VerifyResponse{ReceiptID: receiptID, Error: cryptoutil.ErrSigningDisabled.Error()}, nil
	}
	r, err := s.Get(ctx, receiptID)
	if errors.Is(err, ErrReceiptNotFound) {
		return &VerifyResponse{ReceiptID: receiptID, Error: ErrReceiptNotFound.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.VerifyReceipt(r), nil
}

// VerifyReceipt checks the signature and payload hash of r as presented.
func (s *Service) VerifyReceipt(r *Receipt) *VerifyResponse {
	resp := &VerifyResponse{ReceiptID: r.ID}
	data, err := json.Marshal(payloadOf(r))
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != r.PayloadHash {
		resp.Error = "payload hash mismatch"
		return resp
	}
	if !s.deps.Signer.Verify(data, r.Signature) {
		resp.Error = "signature verification failed"
		return resp
	}
	resp.Valid = true
	return resp
}

func (s *Service) event(ctx context.Context, actor Actor, action, status string, details map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if id := logging.TraceID(ctx); id != "" {
		details["request_trace_id"] = id
	}
	ev := &audit.SecurityEvent{
		Action:    action,
		Status:    status,
		ActorID:   actor.ID,
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
		Context:   details,
	}
	if err := s.deps.Audit.Log(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Error("payment event not persisted", "action", action, "error", err)
	}
}

const maxAddressLength = 500

func validCurrency(c string) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if len(c) != 3 {
			return &validation.ValidationError{Field: "currency", Message: "must be a 3-letter ISO 4217 code"}
		}
		for _, r := range c {
			if r < 'A' || r > 'Z' {
				return &validation.ValidationError{Field: "currency", Message: "must be a 3-letter ISO 4217 code"}
			}
		}
		return nil
	}
}
