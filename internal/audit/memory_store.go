package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/pagination"
)

// ErrDuplicateTraceID is returned when a trace ID is reused.
var ErrDuplicateTraceID = errors.New("audit: duplicate trace id")

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	events  []*SecurityEvent
	byTrace map[string]bool
}

// NewMemoryStore creates an in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTrace: make(map[string]bool)}
}

func (m *MemoryStore) Insert(ctx context.Context, ev *SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byTrace[ev.TraceID] {
		return ErrDuplicateTraceID
	}
	cp := *ev
	m.events = append(m.events, &cp)
	m.byTrace[ev.TraceID] = true
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SecurityEvent
	for _, e := range m.events {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.After != nil && !before(e, f.After) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.After(out[j].OccurredAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// before reports whether e sorts after the cursor in newest-first order.
func before(e *SecurityEvent, c *pagination.Cursor) bool {
	if e.OccurredAt.Equal(c.At) {
		return e.ID < c.ID
	}
	return e.OccurredAt.Before(c.At)
}

func (m *MemoryStore) Stats(ctx context.Context, recentSince time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for _, e := range m.events {
		s.TotalEvents++
		if e.Status == StatusBlocked {
			s.BlockedEvents++
		}
		if e.Action == ActionFraudDetected {
			s.FraudEvents++
		}
		if e.OccurredAt.After(recentSince) {
			s.RecentEvents++
		}
	}
	return s, nil
}

func (m *MemoryStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := m.events[:0]
	var removed int64
	for _, e := range m.events {
		if e.OccurredAt.Before(cutoff) {
			delete(m.byTrace, e.TraceID)
			removed++
			continue
		}
		keep = append(keep, e)
	}
	m.events = keep
	return removed, nil
}

// Events returns a copy of all events in insertion order.
func (m *MemoryStore) Events() []SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SecurityEvent, len(m.events))
	for i, e := range m.events {
		out[i] = *e
	}
	return out
}
