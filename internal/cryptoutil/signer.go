// Package cryptoutil holds the small cryptographic helpers the security core
// relies on: key digests, HMAC signatures, payload encryption and replay
// windows.
package cryptoutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// DefaultTimestampTolerance is how far a client timestamp may drift from
// server time before the request is treated as a replay.
const DefaultTimestampTolerance = 5 * time.Minute

// ErrSigningDisabled is returned when signing is attempted without a secret.
var ErrSigningDisabled = errors.New("cryptoutil: signing disabled (no secret configured)")

// HashKey returns the hex SHA-256 digest of key. Used wherever a caller
// supplied key must be stored without being recoverable.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Signer signs payloads with HMAC-SHA256.
type Signer struct {
	secret []byte
}

// NewSigner creates a new HMAC signer. If secret is empty, signing is disabled
// and nil is returned.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of data.
func (s *Signer) Sign(data []byte) (string, error) {
	if s == nil {
		return "", ErrSigningDisabled
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature is the HMAC of data. Comparison is
// constant time.
func (s *Signer) Verify(data []byte, signature string) bool {
	if s == nil {
		return false
	}
	expected, err := s.Sign(data)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignJSON signs the canonical JSON encoding of payload.
func (s *Signer) SignJSON(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return s.Sign(data)
}

// VerifyJSON checks a signature produced by SignJSON.
func (s *Signer) VerifyJSON(payload any, signature string) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return s.Verify(data, signature)
}

// ValidateTimestamp reports whether the unix timestamp ts lies within
// tolerance of now in either direction.
func ValidateTimestamp(ts int64, now time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}
	diff := now.Sub(time.Unix(ts, 0))
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
