// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex is an exact per-key mutex. Unlike ShardedMutex, two distinct
// keys never contend. Entries are reference counted and removed when the
// last holder or waiter leaves, so memory is bounded by in-flight keys.
// Waiters can give up when their context is done.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	ch   chan struct{} // holds a token while unlocked
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyEntry)}
}

// LockContext acquires the lock for key. On success it returns the unlock
// function, which must be called exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	e := m.acquireRef(key)

	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				e.ch <- struct{}{}
				m.releaseRef(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key, e)
		return nil, ctx.Err()
	}
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) releaseRef(key string, e *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}
