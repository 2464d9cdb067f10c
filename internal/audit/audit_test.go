package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/pagination"
)

type captureSink struct {
	mu     sync.Mutex
	events []*SecurityEvent
}

func (c *captureSink) Publish(ev *SecurityEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestLog_FillsIdentity(t *testing.T) {
	store := NewMemoryStore()
	sink := &captureSink{}
	l := NewLogger(store, time.Second, nil, sink)

	ev := &SecurityEvent{Action: ActionRateLimitExceeded, Status: StatusBlocked, IPAddress: "203.0.113.7"}
	require.NoError(t, l.Log(context.Background(), ev))

	assert.NotEmpty(t, ev.ID)
	assert.Len(t, ev.TraceID, 32)
	assert.False(t, ev.OccurredAt.IsZero())
	assert.Equal(t, 1, sink.len())
	assert.Len(t, store.Events(), 1)
}

func TestLog_KeepsCallerTraceID(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, time.Second, nil)

	require.NoError(t, l.Log(context.Background(), &SecurityEvent{TraceID: "abc", Action: ActionRequestProcessed, Status: StatusAllowed}))
	err := l.Log(context.Background(), &SecurityEvent{TraceID: "abc", Action: ActionRequestProcessed, Status: StatusAllowed})
	assert.ErrorIs(t, err, ErrStorage, "trace ids are unique")
}

func TestLog_UniqueTraceIDsUnderConcurrency(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Log(context.Background(), &SecurityEvent{Action: ActionRequestProcessed, Status: StatusAllowed}))
		}()
	}
	wg.Wait()
	assert.Len(t, store.Events(), 100)
}

type brokenStore struct{ MemoryStore }

func (*brokenStore) Insert(context.Context, *SecurityEvent) error { return errors.New("db down") }

func TestLog_StorageFailure(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(&brokenStore{}, time.Second, nil, sink)

	err := l.Log(context.Background(), &SecurityEvent{Action: ActionFraudDetected, Status: StatusBlocked})
	assert.ErrorIs(t, err, ErrStorage)
	require.Equal(t, 1, sink.len(), "alerts keep flowing while the store is down")
	assert.True(t, sink.events[0].Unpersisted)
	assert.Equal(t, ActionFraudDetected, sink.events[0].Action)
}

func TestLog_DuplicateTraceIDNotRepublished(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(NewMemoryStore(), time.Second, nil, sink)

	require.NoError(t, l.Log(context.Background(), &SecurityEvent{TraceID: "abc", Action: ActionFraudDetected, Status: StatusBlocked}))
	err := l.Log(context.Background(), &SecurityEvent{TraceID: "abc", Action: ActionFraudDetected, Status: StatusBlocked})
	assert.ErrorIs(t, err, ErrStorage)
	require.Equal(t, 1, sink.len())
	assert.False(t, sink.events[0].Unpersisted)
}

func TestStats(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, time.Second, nil)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	events := []*SecurityEvent{
		{Action: ActionRequestProcessed, Status: StatusAllowed, OccurredAt: now.Add(-time.Hour)},
		{Action: ActionFraudDetected, Status: StatusBlocked, OccurredAt: now.Add(-2 * time.Hour)},
		{Action: ActionFraudDetected, Status: StatusBlocked, OccurredAt: now.Add(-48 * time.Hour)},
		{Action: ActionRateLimitExceeded, Status: StatusBlocked, OccurredAt: now.Add(-72 * time.Hour)},
	}
	for _, ev := range events {
		require.NoError(t, l.Log(ctx, ev))
	}

	s, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{TotalEvents: 4, BlockedEvents: 3, FraudEvents: 2, RecentEvents: 2}, s)
}

func TestList_CursorPagination(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, time.Second, nil)
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		status := StatusAllowed
		if i%2 == 0 {
			status = StatusBlocked
		}
		require.NoError(t, l.Log(ctx, &SecurityEvent{
			ID:         fmt.Sprintf("evt_%02d", i),
			Action:     ActionRequestProcessed,
			Status:     status,
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := l.List(ctx, "", "", "", 3)
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, "evt_06", page.Events[0].ID)

	var ids []string
	cursor := ""
	for {
		page, err := l.List(ctx, "", "", cursor, 3)
		require.NoError(t, err)
		for _, e := range page.Events {
			ids = append(ids, e.ID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"evt_06", "evt_05", "evt_04", "evt_03", "evt_02", "evt_01", "evt_00"}, ids)

	page, err = l.List(ctx, StatusBlocked, "", "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Events, 4)
	assert.False(t, page.HasMore)

	_, err = l.List(ctx, "", "", "not-a-cursor!", 10)
	assert.ErrorIs(t, err, pagination.ErrInvalidCursor)
}

func TestList_SameTimestampTieBreak(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, time.Second, nil)
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		require.NoError(t, l.Log(context.Background(), &SecurityEvent{ID: id, Action: "x", Status: StatusAllowed, OccurredAt: at}))
	}

	first, err := l.List(context.Background(), "", "", "", 2)
	require.NoError(t, err)
	second, err := l.List(context.Background(), "", "", first.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	assert.Equal(t, "evt_a", second.Events[0].ID)
}

func TestPurge(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, time.Second, nil)
	now := time.Now()
	require.NoError(t, l.Log(context.Background(), &SecurityEvent{Action: "a", Status: StatusAllowed, OccurredAt: now.Add(-100 * 24 * time.Hour)}))
	require.NoError(t, l.Log(context.Background(), &SecurityEvent{Action: "b", Status: StatusAllowed, OccurredAt: now}))

	removed, err := l.Purge(context.Background(), now.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Len(t, store.Events(), 1)
}

func TestClickHouseWriter_BuffersAndDrainsOnClose(t *testing.T) {
	var mu sync.Mutex
	var flushed []string
	w := newMirror(func(ctx context.Context, events []*SecurityEvent) error {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			flushed = append(flushed, e.TraceID)
		}
		return nil
	}, nil)
	go w.flushLoop()

	for i := 0; i < 5; i++ {
		w.Publish(&SecurityEvent{TraceID: fmt.Sprintf("t%d", i)})
	}
	require.NoError(t, w.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t0", "t1", "t2", "t3", "t4"}, flushed)
}

func TestClickHouseWriter_DropsWhenFull(t *testing.T) {
	w := newMirror(func(context.Context, []*SecurityEvent) error { return nil }, nil)
	// flush loop not started: the buffer only fills
	for i := 0; i < mirrorBufferSize+10; i++ {
		w.Publish(&SecurityEvent{TraceID: "x"})
	}
	assert.Equal(t, mirrorBufferSize, len(w.buffer))
}

func TestClickHouseWriter_FlushErrorIsLogged(t *testing.T) {
	calls := 0
	w := newMirror(func(context.Context, []*SecurityEvent) error {
		calls++
		return errors.New("clickhouse down")
	}, nil)
	go w.flushLoop()
	w.Publish(&SecurityEvent{TraceID: "x"})
	require.NoError(t, w.Close())
	assert.Equal(t, 1, calls)
}
