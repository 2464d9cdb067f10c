// Package ratelimit implements the sliding-window attempt limiter used by
// the admission pipeline. Attempts are persisted so the window survives
// restarts and is shared by every process that uses the same store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
)

// ErrStorage wraps any failure of the backing store. Callers must treat it
// as "unable to decide" and fail closed.
var ErrStorage = errors.New("ratelimit: storage unavailable")

// Defaults used when Config fields are zero.
const (
	DefaultMaxAttempts    = 10
	DefaultWindow         = time.Hour
	DefaultStorageTimeout = 2 * time.Second
)

// Attempt is one rate-limited action.
type Attempt struct {
	Identifier string
	IPAddress  string
	UserAgent  string
	OccurredAt time.Time
}

// Store persists attempts. CountAndRecord must be atomic per identifier:
// it counts attempts with OccurredAt >= since and, if the count is below
// max or recordRejected is set, appends a. It returns the count observed
// before appending.
type Store interface {
	CountAndRecord(ctx context.Context, a Attempt, since time.Time, max int, recordRejected bool) (int, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Config configures a Limiter.
type Config struct {
	MaxAttempts    int
	Window         time.Duration
	StorageTimeout time.Duration

	// CountRejected records attempts even when they are rejected, so a
	// client that keeps probing extends its own lockout.
	CountRejected bool
}

// Limiter answers "may this identifier act now?" and records the attempt
// when it may.
type Limiter struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Limiter over store.
func New(store Store, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = DefaultStorageTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// CheckAndRecord reports whether the attempt is within the limit. When it
// is, exactly one attempt is recorded. maxAttempts and window override the
// configured defaults when positive.
//
// On storage failure it returns (false, err) with err wrapping ErrStorage.
func (l *Limiter) CheckAndRecord(ctx context.Context, a Attempt, maxAttempts int, window time.Duration) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = l.cfg.MaxAttempts
	}
	if window <= 0 {
		window = l.cfg.Window
	}
	if a.Identifier == "" {
		return false, errors.New("ratelimit: empty identifier")
	}

	now := l.now()
	a.OccurredAt = now

	ctx, cancel := context.WithTimeout(ctx, l.cfg.StorageTimeout)
	defer cancel()

	count, err := l.store.CountAndRecord(ctx, a, now.Add(-window), maxAttempts, l.cfg.CountRejected)
	if err != nil {
		metrics.StorageFailuresTotal.WithLabelValues("ratelimit").Inc()
		logging.L(ctx).Error("rate limit store failed, failing closed",
			"identifier", a.Identifier, "error", err)
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	allowed := count < maxAttempts
	if !allowed {
		l.logger.Debug("rate limit exceeded",
			"identifier", a.Identifier, "count", count, "max", maxAttempts, "window", window)
	}
	return allowed, nil
}

// Purge removes attempts older than before. Returns the number removed.
func (l *Limiter) Purge(ctx context.Context, before time.Time) (int64, error) {
	return l.store.Purge(ctx, before)
}

// Identifier derives the limiter key for a request: "user_{id}" for
// authenticated actors, "ip_{addr}" otherwise.
func Identifier(actorID, ipAddress string) string {
	if id := strings.TrimSpace(actorID); id != "" {
		return "user_" + id
	}
	return "ip_" + strings.TrimSpace(ipAddress)
}
