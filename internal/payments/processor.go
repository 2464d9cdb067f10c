package payments

import (
	"context"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
)

// SimulatedProcessor approves every payment without moving money. It stands
// in for a real payment provider in development and tests.
type SimulatedProcessor struct {
	Delay time.Duration
	now   func() time.Time
}

// NewSimulatedProcessor returns a processor that takes delay per payment.
func NewSimulatedProcessor(delay time.Duration) *SimulatedProcessor {
	return &SimulatedProcessor{Delay: delay, now: time.Now}
}

// Process implements Processor.
func (p *SimulatedProcessor) Process(ctx context.Context, _ string, req Request) (*Charge, error) {
	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	return &Charge{
		TransactionID: idgen.WithPrefix("txn_"),
		Amount:        req.Amount.String(),
		Currency:      req.Currency,
		ProcessedAt:   now().UTC(),
	}, nil
}
