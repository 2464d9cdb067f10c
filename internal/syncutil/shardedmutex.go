package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex is a fixed pool of mutexes selected by key hash. Memory stays
// bounded no matter how many keys are seen; unrelated keys that land on the
// same shard serialize with each other.
type ShardedMutex struct {
	shards []sync.Mutex
}

// NewShardedMutex creates a pool with n shards (256 when n <= 0).
func NewShardedMutex(n int) *ShardedMutex {
	if n <= 0 {
		n = 256
	}
	return &ShardedMutex{shards: make([]sync.Mutex, n)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[s.index(key)]
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(s.shards)) //nolint:gosec // len > 0
}
