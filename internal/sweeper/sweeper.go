// Package sweeper purges expired security-core records on a fixed interval:
// idempotency records past their TTL, rate-limit attempts, fraud attempt and
// location history, and old security events.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/sentinel/internal/metrics"
)

// Purger removes records older than before and reports how many it removed.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// PurgeFunc adapts a function to Purger.
type PurgeFunc func(ctx context.Context, before time.Time) (int64, error)

func (f PurgeFunc) Purge(ctx context.Context, before time.Time) (int64, error) {
	return f(ctx, before)
}

// Target is one table under retention. A zero Retention purges everything
// that has already expired (the cutoff is now).
type Target struct {
	Table     string
	Retention time.Duration
	Purger    Purger
}

// Sweeper periodically purges every target.
type Sweeper struct {
	targets  []Target
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// New creates a sweeper. interval defaults to 15 minutes.
func New(interval time.Duration, logger *slog.Logger, targets ...Target) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		targets:  targets,
		interval: interval,
		timeout:  time.Minute,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in retention sweeper", "panic", fmt.Sprint(r))
		}
	}()
	_, _ = s.SweepOnce(ctx)
}

// SweepOnce purges every target once and returns rows removed per table.
// A failing target does not stop the others; their errors are joined.
func (s *Sweeper) SweepOnce(ctx context.Context) (map[string]int64, error) {
	now := s.now()
	removed := make(map[string]int64, len(s.targets))
	var errs []error

	for _, t := range s.targets {
		cutoff := now.Add(-t.Retention)
		tctx, cancel := context.WithTimeout(ctx, s.timeout)
		n, err := t.Purger.Purge(tctx, cutoff)
		cancel()
		if err != nil {
			metrics.StorageFailuresTotal.WithLabelValues("sweeper").Inc()
			s.logger.Warn("retention purge failed", "table", t.Table, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Table, err))
			continue
		}
		removed[t.Table] = n
		if n > 0 {
			metrics.SweptRecordsTotal.WithLabelValues(t.Table).Add(float64(n))
			s.logger.Info("purged expired records", "table", t.Table, "removed", n, "cutoff", cutoff)
		}
	}
	return removed, errors.Join(errs...)
}
