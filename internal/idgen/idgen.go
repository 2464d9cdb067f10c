// Package idgen provides cryptographically random identifiers for traces,
// audit rows and idempotency keys.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TraceID returns a new per-request trace identifier (32 hex chars, no dashes).
func TraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// WithPrefix generates a random ID with a prefix (e.g. "evt_", "fa_", "tx_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// IdempotencyKey returns a random client-side idempotency key for callers
// that have no natural intent to derive one from.
func IdempotencyKey() string {
	return "idem_" + Hex(16)
}

// PaymentKey derives the deterministic idempotency key for a payment intent.
// The same actor paying the same amount for the same order always maps to
// the same key.
func PaymentKey(actorID, orderID, amount string) string {
	return fmt.Sprintf("payment:%s:%s:%s",
		strings.TrimSpace(actorID),
		strings.TrimSpace(orderID),
		strings.TrimSpace(amount),
	)
}
