package fraud

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/geo"
)

// MemoryStore is an in-memory AttemptStore for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts []*AttemptLog
}

// NewMemoryStore creates an in-memory attempt log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(ctx context.Context, log *AttemptLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *log
	cp.Indicators = append([]string(nil), log.Indicators...)
	s.attempts = append(s.attempts, &cp)
	return nil
}

func (s *MemoryStore) CountSince(ctx context.Context, actorID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.attempts {
		if a.ActorID == actorID && !a.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := s.attempts[:0]
	var removed int64
	for _, a := range s.attempts {
		if a.OccurredAt.Before(before) {
			removed++
			continue
		}
		keep = append(keep, a)
	}
	for i := len(keep); i < len(s.attempts); i++ {
		s.attempts[i] = nil
	}
	s.attempts = keep
	return removed, nil
}

// All returns a copy of every logged attempt, oldest first.
func (s *MemoryStore) All() []AttemptLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AttemptLog, len(s.attempts))
	for i, a := range s.attempts {
		out[i] = *a
	}
	return out
}

type locationEntry struct {
	loc geo.Location
	at  time.Time
}

// MemoryLocationStore is an in-memory LocationStore.
type MemoryLocationStore struct {
	mu      sync.RWMutex
	history map[string][]locationEntry // actorID → entries, oldest first
}

// NewMemoryLocationStore creates an in-memory location history.
func NewMemoryLocationStore() *MemoryLocationStore {
	return &MemoryLocationStore{history: make(map[string][]locationEntry)}
}

func (s *MemoryLocationStore) Recent(ctx context.Context, actorID string, limit int) ([]geo.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[actorID]
	var out []geo.Location
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		dup := false
		for _, seen := range out {
			if seen.Equal(entries[i].loc) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, entries[i].loc)
		}
	}
	return out, nil
}

func (s *MemoryLocationStore) Record(ctx context.Context, actorID string, loc geo.Location, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[actorID] = append(s.history[actorID], locationEntry{loc: loc, at: at})
	return nil
}

// Purge removes location history older than before.
func (s *MemoryLocationStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for actor, entries := range s.history {
		keep := entries[:0]
		for _, e := range entries {
			if e.at.Before(before) {
				removed++
				continue
			}
			keep = append(keep, e)
		}
		if len(keep) == 0 {
			delete(s.history, actor)
			continue
		}
		s.history[actor] = keep
	}
	return removed, nil
}
