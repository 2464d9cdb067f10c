// Package audit records security decisions.
//
// Every admission decision, allowed or blocked, becomes one SecurityEvent
// with a unique trace ID. Events are persisted to a Store and then fanned
// out to optional sinks (the live security feed and the analytics mirror).
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/pagination"
)

// ErrStorage means the event could not be persisted.
var ErrStorage = errors.New("audit: storage unavailable")

// Status values.
const (
	StatusAllowed = "allowed"
	StatusBlocked = "blocked"
)

// Actions written by the admission pipeline and the payment flow.
const (
	ActionSuspiciousActivity     = "suspicious_activity"
	ActionPayloadTooLarge        = "payload_too_large"
	ActionUnsupportedContentType = "unsupported_content_type"
	ActionRateLimitExceeded      = "rate_limit_exceeded"
	ActionRateLimitUnavailable   = "rate_limit_unavailable"
	ActionFraudDetected          = "fraud_detected"
	ActionFraudCheckUnavailable  = "fraud_check_unavailable"
	ActionRequestProcessed       = "request_processed"
	ActionRequestFailed          = "request_failed"
	ActionPaymentProcessed       = "payment_processed"
	ActionPaymentFailed          = "payment_failed"
	ActionReplayRejected         = "replay_rejected"
)

// SecurityEvent is one audit row.
type SecurityEvent struct {
	ID         string         `json:"id"`
	TraceID    string         `json:"trace_id"`
	Action     string         `json:"action"`
	Status     string         `json:"status"`
	ActorID    string         `json:"actor_id,omitempty"`
	IPAddress  string         `json:"ip_address"`
	UserAgent  string         `json:"user_agent"`
	Context    map[string]any `json:"context,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`

	// Unpersisted marks an event handed to sinks after the store insert
	// failed. It is never stored.
	Unpersisted bool `json:"unpersisted,omitempty"`
}

// Blocked reports whether the event records a rejection.
func (e *SecurityEvent) Blocked() bool { return e.Status == StatusBlocked }

// Stats summarizes the event log.
type Stats struct {
	TotalEvents   int64 `json:"total_events"`
	BlockedEvents int64 `json:"blocked_events"`
	FraudEvents   int64 `json:"fraud_events"`
	RecentEvents  int64 `json:"recent_events"` // last 24 hours
}

// Filter selects events for List. Empty fields match everything.
type Filter struct {
	Status string
	Action string
	Limit  int
	After  *pagination.Cursor
}

// Store persists security events.
type Store interface {
	Insert(ctx context.Context, ev *SecurityEvent) error
	// List returns events newest first, at most f.Limit of them.
	List(ctx context.Context, f Filter) ([]*SecurityEvent, error)
	Stats(ctx context.Context, recentSince time.Time) (Stats, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Sink receives logged events, including ones the store rejected (see
// SecurityEvent.Unpersisted). Publish must not block.
type Sink interface {
	Publish(ev *SecurityEvent)
}

// Logger writes security events.
type Logger struct {
	store   Store
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewLogger creates an audit logger. storageTimeout bounds each store call.
func NewLogger(store Store, storageTimeout time.Duration, logger *slog.Logger, sinks ...Sink) *Logger {
	if storageTimeout <= 0 {
		storageTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: store, sinks: sinks, timeout: storageTimeout, logger: logger, now: time.Now}
}

// AddSink attaches another sink. Not safe for use concurrently with Log.
func (l *Logger) AddSink(s Sink) {
	l.sinks = append(l.sinks, s)
}

// Log persists ev, filling in ID, trace ID and time when unset. The
// returned error wraps ErrStorage; the event is still written to the
// process log and, unless it duplicates a stored trace ID, published to
// the sinks marked Unpersisted, so alerts keep flowing during a store
// outage.
func (l *Logger) Log(ctx context.Context, ev *SecurityEvent) error {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.TraceID == "" {
		ev.TraceID = idgen.TraceID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = l.now().UTC()
	}

	level := slog.LevelInfo
	if ev.Blocked() {
		level = slog.LevelWarn
	}
	logging.L(ctx).Log(ctx, level, "security event",
		"event_trace_id", ev.TraceID,
		"action", ev.Action,
		"status", ev.Status,
		"actor_id", ev.ActorID,
		"ip", ev.IPAddress,
	)

	sctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.Insert(sctx, ev); err != nil {
		metrics.StorageFailuresTotal.WithLabelValues("audit").Inc()
		l.logger.Error("failed to persist security event", "trace_id", ev.TraceID, "action", ev.Action, "error", err)
		if !errors.Is(err, ErrDuplicateTraceID) {
			ev.Unpersisted = true
			l.publish(ev)
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	l.publish(ev)
	return nil
}

func (l *Logger) publish(ev *SecurityEvent) {
	for _, s := range l.sinks {
		s.Publish(ev)
	}
}

// Stats summarizes the log, counting events of the last 24 hours as recent.
func (l *Logger) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.Stats(ctx, l.now().Add(-24*time.Hour))
}

// Page is one page of List results.
type Page struct {
	Events     []*SecurityEvent `json:"events"`
	NextCursor string           `json:"next_cursor,omitempty"`
	HasMore    bool             `json:"has_more"`
}

// List returns a page of events, newest first. cursor is the opaque value
// from a previous page's NextCursor.
func (l *Logger) List(ctx context.Context, status, action, cursor string, limit int) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	events, err := l.store.List(ctx, Filter{Status: status, Action: action, Limit: limit + 1, After: after})
	if err != nil {
		return nil, err
	}
	events, next, more := pagination.ComputePage(events, limit, func(e *SecurityEvent) (time.Time, string) {
		return e.OccurredAt, e.ID
	})
	if events == nil {
		events = []*SecurityEvent{}
	}
	return &Page{Events: events, NextCursor: next, HasMore: more}, nil
}

// Purge removes events older than before.
func (l *Logger) Purge(ctx context.Context, before time.Time) (int64, error) {
	return l.store.Purge(ctx, before)
}
