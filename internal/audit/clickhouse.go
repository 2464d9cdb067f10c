package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/mbd888/sentinel/internal/metrics"
)

const (
	mirrorBufferSize    = 10_000
	mirrorFlushInterval = time.Second
	mirrorFlushBatch    = 1000
	mirrorDrainTimeout  = 2 * time.Second
)

const createMirrorTable = `
CREATE TABLE IF NOT EXISTS security_events (
	id          String,
	trace_id    String,
	action      LowCardinality(String),
	status      LowCardinality(String),
	actor_id    String,
	ip_address  String,
	user_agent  String,
	context     String,
	occurred_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(occurred_at)
ORDER BY (occurred_at, action)
TTL toDateTime(occurred_at) + INTERVAL 365 DAY
`

// ClickHouseWriter mirrors security events into ClickHouse for analytics.
// Publish never blocks; events are buffered and batch-inserted in the
// background, and dropped (and counted) when the buffer is full. Postgres
// remains the system of record.
type ClickHouseWriter struct {
	conn    driver.Conn
	flushFn func(ctx context.Context, events []*SecurityEvent) error
	buffer  chan *SecurityEvent
	done    chan struct{}
	flushed chan struct{}
	logger  *slog.Logger
}

// NewClickHouseWriter connects, creates the mirror table and starts the
// flush loop.
func NewClickHouseWriter(ctx context.Context, dsn string, logger *slog.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createMirrorTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create clickhouse table: %w", err)
	}

	w := newMirror(nil, logger)
	w.conn = conn
	w.flushFn = w.insertBatch
	go w.flushLoop()
	return w, nil
}

func newMirror(flush func(context.Context, []*SecurityEvent) error, logger *slog.Logger) *ClickHouseWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClickHouseWriter{
		flushFn: flush,
		buffer:  make(chan *SecurityEvent, mirrorBufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
}

// Publish queues an event for insertion.
func (w *ClickHouseWriter) Publish(ev *SecurityEvent) {
	cp := *ev
	select {
	case w.buffer <- &cp:
	default:
		metrics.AuditMirrorDropped.Inc()
		w.logger.Warn("clickhouse buffer full, dropping event", "trace_id", ev.TraceID)
	}
}

// Ping checks the connection; used by the readiness probe.
func (w *ClickHouseWriter) Ping(ctx context.Context) error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Ping(ctx)
}

// Close drains buffered events, flushes them and closes the connection.
// Call once.
func (w *ClickHouseWriter) Close() error {
	close(w.done)
	<-w.flushed
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(mirrorFlushInterval)
	defer ticker.Stop()

	batch := make([]*SecurityEvent, 0, mirrorFlushBatch)
	for {
		select {
		case ev := <-w.buffer:
			batch = append(batch, ev)
			if len(batch) >= mirrorFlushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			deadline := time.After(mirrorDrainTimeout)
		drain:
			for {
				select {
				case ev := <-w.buffer:
					batch = append(batch, ev)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.flushFn(ctx, events); err != nil {
		w.logger.Error("clickhouse batch insert failed", "batch_size", len(events), "error", err)
	}
}

func (w *ClickHouseWriter) insertBatch(ctx context.Context, events []*SecurityEvent) error {
	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO security_events (
			id, trace_id, action, status, actor_id, ip_address, user_agent, context, occurred_at
		)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, e := range events {
		ctxJSON := "{}"
		if len(e.Context) > 0 {
			if b, err := json.Marshal(e.Context); err == nil {
				ctxJSON = string(b)
			}
		}
		if err := batch.Append(e.ID, e.TraceID, e.Action, e.Status, e.ActorID,
			e.IPAddress, e.UserAgent, ctxJSON, e.OccurredAt); err != nil {
			w.logger.Error("clickhouse append event failed", "trace_id", e.TraceID, "error", err)
		}
	}
	return batch.Send()
}
