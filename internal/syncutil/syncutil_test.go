package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(context.Background(), "k")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, m.Len(), "entries are released")
}

func TestKeyedMutex_DistinctKeysDoNotContend(t *testing.T) {
	m := NewKeyedMutex()
	unlockA, err := m.LockContext(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := m.LockContext(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutex_ContextCancelWhileWaiting(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.LockContext(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, m.Len())

	unlock2, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	unlock2()
}

func TestKeyedMutex_DoubleUnlockIsSafe(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	unlock()

	unlock, err = m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	unlock()
}

func TestShardedMutex_Lock(t *testing.T) {
	s := NewShardedMutex(4)
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("user_1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Len(t, NewShardedMutex(0).shards, 256)
}
