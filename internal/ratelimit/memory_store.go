package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/syncutil"
)

// MemoryStore keeps attempts in process memory. It is strict within one
// process and suitable for development, tests and single-instance use.
type MemoryStore struct {
	locks *syncutil.ShardedMutex

	mu       sync.RWMutex
	attempts map[string][]Attempt // identifier → attempts
}

// NewMemoryStore creates an in-memory attempt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    syncutil.NewShardedMutex(64),
		attempts: make(map[string][]Attempt),
	}
}

func (s *MemoryStore) CountAndRecord(ctx context.Context, a Attempt, since time.Time, max int, recordRejected bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	unlock := s.locks.Lock(a.Identifier)
	defer unlock()

	s.mu.RLock()
	history := s.attempts[a.Identifier]
	count := 0
	for _, h := range history {
		if !h.OccurredAt.Before(since) {
			count++
		}
	}
	s.mu.RUnlock()

	if count < max || recordRejected {
		s.mu.Lock()
		s.attempts[a.Identifier] = append(s.attempts[a.Identifier], a)
		s.mu.Unlock()
	}
	return count, nil
}

func (s *MemoryStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, history := range s.attempts {
		keep := history[:0]
		for _, a := range history {
			if a.OccurredAt.Before(before) {
				removed++
				continue
			}
			keep = append(keep, a)
		}
		if len(keep) == 0 {
			delete(s.attempts, id)
			continue
		}
		s.attempts[id] = keep
	}
	return removed, nil
}
