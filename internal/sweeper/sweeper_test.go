package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/idempotency"
	"github.com/mbd888/sentinel/internal/ratelimit"
)

type recordingPurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (p *recordingPurger) Purge(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, before)
	return p.n, p.err
}

func (p *recordingPurger) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cutoffs)
}

func TestSweepOnce_CutoffsPerRetention(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	idem := &recordingPurger{n: 3}
	rl := &recordingPurger{n: 7}
	ev := &recordingPurger{}

	s := New(time.Minute, nil,
		Target{Table: "idempotency_keys", Purger: idem},
		Target{Table: "rate_limit_attempts", Retention: 24 * time.Hour, Purger: rl},
		Target{Table: "security_events", Retention: 90 * 24 * time.Hour, Purger: ev},
	)
	s.now = func() time.Time { return now }

	removed, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"idempotency_keys": 3, "rate_limit_attempts": 7, "security_events": 0}, removed)
	assert.Equal(t, []time.Time{now}, idem.cutoffs)
	assert.Equal(t, []time.Time{now.Add(-24 * time.Hour)}, rl.cutoffs)
	assert.Equal(t, []time.Time{now.AddDate(0, 0, -90)}, ev.cutoffs)
}

func TestSweepOnce_FailureDoesNotStopOthers(t *testing.T) {
	broken := &recordingPurger{err: errors.New("connection refused")}
	ok := &recordingPurger{n: 1}
	s := New(time.Minute, nil,
		Target{Table: "fraud_attempts", Purger: broken},
		Target{Table: "security_events", Purger: ok},
	)

	removed, err := s.SweepOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fraud_attempts")
	assert.Equal(t, 1, ok.calls())
	assert.Equal(t, map[string]int64{"security_events": 1}, removed)
}

func TestSweepOnce_RealStores(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	limiterStore := ratelimit.NewMemoryStore()
	_, err := limiterStore.CountAndRecord(ctx, ratelimit.Attempt{Identifier: "user_1", OccurredAt: now.Add(-48 * time.Hour)}, now.Add(-72*time.Hour), 100, true)
	require.NoError(t, err)
	_, err = limiterStore.CountAndRecord(ctx, ratelimit.Attempt{Identifier: "user_1", OccurredAt: now}, now.Add(-time.Hour), 100, true)
	require.NoError(t, err)

	events := audit.NewMemoryStore()
	require.NoError(t, events.Insert(ctx, &audit.SecurityEvent{ID: "evt_old", TraceID: "t1", Action: audit.ActionRequestProcessed, Status: audit.StatusAllowed, OccurredAt: now.AddDate(0, 0, -100)}))
	require.NoError(t, events.Insert(ctx, &audit.SecurityEvent{ID: "evt_new", TraceID: "t2", Action: audit.ActionRequestProcessed, Status: audit.StatusAllowed, OccurredAt: now}))

	backend := idempotency.NewMemoryBackend()
	_, err = backend.Put(ctx, &idempotency.Record{KeyHash: "h1", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)})
	require.NoError(t, err)

	s := New(time.Minute, nil,
		Target{Table: "idempotency_keys", Purger: PurgeFunc(backend.Purge)},
		Target{Table: "rate_limit_attempts", Retention: 24 * time.Hour, Purger: limiterStore},
		Target{Table: "security_events", Retention: 90 * 24 * time.Hour, Purger: events},
	)
	removed, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed["idempotency_keys"])
	assert.Equal(t, int64(1), removed["rate_limit_attempts"])
	assert.Equal(t, int64(1), removed["security_events"])
	assert.Equal(t, 0, backend.Len())
	assert.Len(t, events.Events(), 1)
}

func TestStartStop(t *testing.T) {
	p := &recordingPurger{}
	s := New(10*time.Millisecond, nil, Target{Table: "t", Purger: p})

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool { return p.calls() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Running())
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.False(t, s.Running())
}

func TestStart_ContextCancel(t *testing.T) {
	s := New(time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper ignored cancellation")
	}
}

type panickyPurger struct{}

func (panickyPurger) Purge(context.Context, time.Time) (int64, error) { panic("boom") }

func TestSafeSweep_RecoversPanic(t *testing.T) {
	s := New(time.Minute, nil, Target{Table: "t", Purger: panickyPurger{}})
	assert.NotPanics(t, func() { s.safeSweep(context.Background()) })
}
