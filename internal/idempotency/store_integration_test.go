//go:build integration

package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/cryptoutil"
	"github.com/mbd888/sentinel/internal/testutil"
)

func TestPostgresBackend(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	backend := NewPostgresBackend(db)
	require.NoError(t, backend.Migrate(ctx))

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := &Record{KeyHash: cryptoutil.HashKey("k1"), OwnerID: "42", Response: []byte(`{"ok":true}`), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	stored, err := backend.Put(ctx, rec)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = backend.Put(ctx, &Record{KeyHash: rec.KeyHash, Response: []byte("other"), CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, stored, "live record must not be overwritten")

	got, err := backend.Get(ctx, rec.KeyHash, now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "42", got.OwnerID)
	assert.Equal(t, `{"ok":true}`, string(got.Response))

	later := now.Add(2 * time.Hour)
	got, err = backend.Get(ctx, rec.KeyHash, later)
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err = backend.Put(ctx, &Record{KeyHash: rec.KeyHash, Response: []byte("fresh"), CreatedAt: later, ExpiresAt: later.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, stored, "expired record is overwritten")

	removed, err := backend.Purge(ctx, later.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestStore_PostgresAndRedisLock(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	client := testutil.RedisTest(t)

	// Two stores model two processes: separate in-process locks, shared
	// Redis lock and table.
	backend := NewPostgresBackend(db)
	a := New(backend, Config{TTL: time.Hour}, nil, WithLocker(NewRedisLocker(client, time.Minute, 10*time.Second)))
	b := New(backend, Config{TTL: time.Hour}, nil, WithLocker(NewRedisLocker(client, time.Minute, 10*time.Second)))

	var calls int32
	op := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(30 * time.Millisecond)
		return []byte(`"paid"`), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		s := a
		if i%2 == 1 {
			s = b
		}
		go func() {
			defer wg.Done()
			got, _, err := s.Execute(context.Background(), "payment:42:ord-9:100", "42", op)
			assert.NoError(t, err)
			assert.Equal(t, `"paid"`, string(got))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls)
}
