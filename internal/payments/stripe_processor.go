package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProcessor charges through Stripe PaymentIntents. Each intent is
// created and confirmed in one call against a fixed payment method, and the
// payment's idempotency key is forwarded so a retried call never charges
// twice.
type StripeProcessor struct {
	api           *client.API
	paymentMethod string
}

// NewStripeProcessor creates a processor for secretKey. backends may be nil
// to talk to api.stripe.com.
func NewStripeProcessor(secretKey, paymentMethod string, backends *stripe.Backends) (*StripeProcessor, error) {
	if secretKey == "" {
		return nil, errors.New("payments: stripe secret key is required")
	}
	if paymentMethod == "" {
		return nil, errors.New("payments: stripe payment method is required")
	}
	return &StripeProcessor{
		api:           client.New(secretKey, backends),
		paymentMethod: paymentMethod,
	}, nil
}

// Process implements Processor.
func (p *StripeProcessor) Process(ctx context.Context, actorID string, req Request) (*Charge, error) {
	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("payments: invalid amount %q: %w", req.Amount, err)
	}
	minor := amount.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return nil, fmt.Errorf("payments: amount %s has sub-cent precision", amount)
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "usd"
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minor.IntPart()),
		Currency:      stripe.String(currency),
		PaymentMethod: stripe.String(p.paymentMethod),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("actor_id", actorID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Type == stripe.ErrorTypeCard {
			return nil, fmt.Errorf("%w: %s", ErrDeclined, serr.Msg)
		}
		return nil, fmt.Errorf("stripe: %w", err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing:
	default:
		return nil, fmt.Errorf("%w: intent %s is %s", ErrDeclined, pi.ID, pi.Status)
	}

	processedAt := time.Unix(pi.Created, 0)
	if pi.Created == 0 {
		processedAt = time.Now()
	}
	return &Charge{
		TransactionID: pi.ID,
		Amount:        decimal.New(pi.Amount, -2).StringFixed(2),
		Currency:      strings.ToUpper(string(pi.Currency)),
		ProcessedAt:   processedAt.UTC(),
	}, nil
}

var _ Processor = (*StripeProcessor)(nil)
