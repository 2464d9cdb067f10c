// Package payments submits payment intents through the security core.
//
// A submission is validated, checked against the client timestamp window,
// scored for fraud, rate limited per actor and then executed at most once
// per intent through the idempotency store. Every processed payment yields
// a receipt, HMAC-signed when a secret is configured, that the caller can
// verify later.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidRequest  = errors.New("payments: invalid request")
	ErrReplay          = errors.New("payments: timestamp outside the replay window")
	ErrRateLimited     = errors.New("payments: too many payment attempts")
	ErrFraud           = errors.New("payments: payment flagged as potentially fraudulent")
	ErrUnavailable     = errors.New("payments: security check unavailable")
	ErrReceiptNotFound = errors.New("payments: receipt not found")
	ErrDeclined        = errors.New("payments: charge declined")
)

// Receipt statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultCurrency applies when a request names none.
const DefaultCurrency = "USD"

// Request is a client's payment intent. Amount accepts a JSON number or a
// numeric string.
type Request struct {
	OrderID         string      `json:"order_id"`
	Amount          json.Number `json:"amount"`
	Currency        string      `json:"currency,omitempty"`
	Timestamp       int64       `json:"timestamp,omitempty"` // unix seconds, optional replay guard
	BillingAddress  string      `json:"billing_address,omitempty"`
	ShippingAddress string      `json:"shipping_address,omitempty"`
	IdempotencyKey  string      `json:"-"`
}

// Actor identifies who submits the payment.
type Actor struct {
	ID        string
	IPAddress string
	UserAgent string
}

// Charge is what a Processor reports for an executed payment.
type Charge struct {
	TransactionID string    `json:"transaction_id"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// Processor executes the payment itself. It is called at most once per
// payment intent.
type Processor interface {
	Process(ctx context.Context, actorID string, req Request) (*Charge, error)
}

// Receipt is the signed proof that a payment was processed.
type Receipt struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	OrderID       string    `json:"order_id"`
	ActorID       string    `json:"actor_id"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	PayloadHash   string    `json:"payload_hash"`
	Signature     string    `json:"signature,omitempty"`
	ProcessedAt   time.Time `json:"processed_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// VerifyResponse is the result of a receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receipt_id"`
	Error     string `json:"error,omitempty"`
}

// ReceiptStore persists receipts.
type ReceiptStore interface {
	Create(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	ListByActor(ctx context.Context, actorID string, limit int) ([]*Receipt, error)
}

// receiptPayload is the canonical struct that gets signed. Field order is
// the JSON order and must not change.
type receiptPayload struct {
	ActorID       string `json:"actor_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	OrderID       string `json:"order_id"`
	ProcessedAt   int64  `json:"processed_at"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
}

func payloadOf(r *Receipt) receiptPayload {
	return receiptPayload{
		ActorID:       r.ActorID,
		Amount:        r.Amount,
		Currency:      r.Currency,
		OrderID:       r.OrderID,
		ProcessedAt:   r.ProcessedAt.Unix(),
		Status:        r.Status,
		TransactionID: r.TransactionID,
	}
}
