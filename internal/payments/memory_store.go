package payments

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory receipt store for development mode.
type MemoryStore struct {
	receipts map[string]*Receipt
	mu       sync.RWMutex
}

// NewMemoryStore creates an in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{receipts: make(map[string]*Receipt)}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.receipts[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByActor(_ context.Context, actorID string, limit int) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Receipt{}
	for _, r := range m.receipts {
		if r.ActorID == actorID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Len returns the number of stored receipts.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.receipts)
}

var _ ReceiptStore = (*MemoryStore)(nil)
