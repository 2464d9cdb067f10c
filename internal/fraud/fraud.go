// Package fraud implements the rule-based fraud scoring engine.
//
// Each request is checked against six independent rules: suspicious
// patterns in the payload, high amounts, rapid repeated attempts by the same
// actor, billing/shipping address mismatch, an unusual location for the
// actor and automated user agents. Triggered rules add their weight to an
// integer score; a score at or above the threshold is fraud. Every
// evaluation is appended to the attempt log, which in turn feeds the
// rapid-attempts rule.
package fraud

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sentinel/internal/geo"
)

// ErrStorage means a history read failed, so no verdict could be reached.
// Callers fail closed.
var ErrStorage = errors.New("fraud: storage unavailable")

// Indicator names.
const (
	IndicatorSuspiciousPattern   = "suspicious_pattern"
	IndicatorHighAmount          = "high_amount"
	IndicatorRapidAttempts       = "rapid_attempts"
	IndicatorAddressMismatch     = "address_mismatch"
	IndicatorUnusualLocation     = "unusual_location"
	IndicatorSuspiciousUserAgent = "suspicious_user_agent"
)

// Input is the request data the engine scores. Fields is the decoded JSON
// object; when nil it is decoded from Body.
type Input struct {
	Body      []byte
	Fields    map[string]any
	IPAddress string
	UserAgent string
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Score      int      `json:"score"`
	Indicators []string `json:"indicators"`
	IsFraud    bool     `json:"is_fraud"`

	// Persisted is false when the attempt log write failed. The verdict is
	// still valid; the next rapid-attempts count will be one short.
	Persisted bool `json:"-"`
}

// AttemptLog is one persisted evaluation.
type AttemptLog struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id,omitempty"`
	Amount     float64   `json:"amount"`
	Score      int       `json:"score"`
	Indicators []string  `json:"indicators"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AttemptStore persists the attempt log.
type AttemptStore interface {
	Record(ctx context.Context, log *AttemptLog) error
	CountSince(ctx context.Context, actorID string, since time.Time) (int, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// LocationStore keeps each actor's location history.
type LocationStore interface {
	// Recent returns up to limit distinct locations, most recent first.
	Recent(ctx context.Context, actorID string, limit int) ([]geo.Location, error)
	Record(ctx context.Context, actorID string, loc geo.Location, at time.Time) error
}
