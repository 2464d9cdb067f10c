// Package pagination implements keyset pagination over (occurred_at, id)
// ordered result sets.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors that were not produced by Encode.
var ErrInvalidCursor = errors.New("invalid cursor")

// Default and maximum page sizes for list endpoints.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Cursor is the position after which the next page starts.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns an opaque cursor for the row (at, id).
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor produced by Encode. An empty string yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// ParseLimit reads a page size from a query parameter, clamped to
// [1, MaxLimit]. Empty or malformed input gives DefaultLimit.
func ParseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// ComputePage trims items fetched with limit+1 and returns the page, the
// cursor for the next page and whether more rows exist.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return items, Encode(at, id), true
}
