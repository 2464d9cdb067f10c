//go:build integration

package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))
	l := NewLogger(store, 2*time.Second, nil)

	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	for i := 0; i < 5; i++ {
		status := StatusAllowed
		action := ActionRequestProcessed
		if i%2 == 0 {
			status, action = StatusBlocked, ActionFraudDetected
		}
		require.NoError(t, l.Log(ctx, &SecurityEvent{
			ID:         fmt.Sprintf("evt_%02d", i),
			Action:     action,
			Status:     status,
			ActorID:    "42",
			Context:    map[string]any{"score": 80},
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	first, err := l.List(ctx, "", "", "", 1)
	require.NoError(t, err)
	dup := &SecurityEvent{ID: "evt_dup", TraceID: first.Events[0].TraceID, Action: "x", Status: StatusAllowed, OccurredAt: time.Now()}
	assert.ErrorIs(t, store.Insert(ctx, dup), ErrDuplicateTraceID)

	s, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.TotalEvents)
	assert.Equal(t, int64(3), s.BlockedEvents)
	assert.Equal(t, int64(3), s.FraudEvents)
	assert.Equal(t, int64(5), s.RecentEvents)

	page, err := l.List(ctx, "", "", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "evt_04", page.Events[0].ID)
	assert.Equal(t, float64(80), page.Events[0].Context["score"])

	page, err = l.List(ctx, "", "", page.NextCursor, 2)
	require.NoError(t, err)
	assert.Equal(t, "evt_02", page.Events[0].ID)

	page, err = l.List(ctx, StatusBlocked, ActionFraudDetected, "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Events, 3)

	removed, err := l.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), removed)
}
