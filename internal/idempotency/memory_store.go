package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-memory Backend for development and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryBackend creates an in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*Record)}
}

func (m *MemoryBackend) Get(ctx context.Context, keyHash string, now time.Time) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[keyHash]
	if !ok || !rec.Live(now) {
		return nil, nil
	}
	cp := *rec
	cp.Response = append([]byte(nil), rec.Response...)
	return &cp, nil
}

func (m *MemoryBackend) Put(ctx context.Context, rec *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.KeyHash]; ok && existing.Live(rec.CreatedAt) {
		return false, nil
	}
	cp := *rec
	cp.Response = append([]byte(nil), rec.Response...)
	m.records[rec.KeyHash] = &cp
	return true, nil
}

func (m *MemoryBackend) Purge(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for k, rec := range m.records {
		if !rec.Live(now) {
			delete(m.records, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records, live or not.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
