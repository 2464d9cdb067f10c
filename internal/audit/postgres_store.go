package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists events in security_events.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the security_events table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS security_events (
			id          VARCHAR(40) PRIMARY KEY,
			trace_id    VARCHAR(64) NOT NULL UNIQUE,
			action      VARCHAR(64) NOT NULL,
			status      VARCHAR(16) NOT NULL CHECK (status IN ('allowed', 'blocked')),
			actor_id    VARCHAR(255),
			ip_address  VARCHAR(64) NOT NULL DEFAULT '',
			user_agent  TEXT NOT NULL DEFAULT '',
			context     JSONB NOT NULL DEFAULT '{}',
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_security_events_occurred
			ON security_events (occurred_at DESC, id DESC);

		CREATE INDEX IF NOT EXISTS idx_security_events_blocked
			ON security_events (occurred_at DESC) WHERE status = 'blocked';
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, ev *SecurityEvent) error {
	ctxJSON := []byte("{}")
	if len(ev.Context) > 0 {
		var err error
		if ctxJSON, err = json.Marshal(ev.Context); err != nil {
			return fmt.Errorf("failed to encode event context: %w", err)
		}
	}
	var actor sql.NullString
	if ev.ActorID != "" {
		actor = sql.NullString{String: ev.ActorID, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO security_events (id, trace_id, action, status, actor_id, ip_address, user_agent, context, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.TraceID, ev.Action, ev.Status, actor, ev.IPAddress, ev.UserAgent, ctxJSON, ev.OccurredAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateTraceID
		}
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*SecurityEvent, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if f.Action != "" {
		where = append(where, "action = "+arg(f.Action))
	}
	if f.After != nil {
		where = append(where, fmt.Sprintf("(occurred_at, id) < (%s, %s)", arg(f.After.At), arg(f.After.ID)))
	}

	query := `SELECT id, trace_id, action, status, actor_id, ip_address, user_agent, context, occurred_at
		FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id DESC LIMIT " + arg(f.Limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SecurityEvent
	for rows.Next() {
		var (
			ev      SecurityEvent
			actor   sql.NullString
			ctxJSON []byte
		)
		if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.Action, &ev.Status, &actor,
			&ev.IPAddress, &ev.UserAgent, &ctxJSON, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		ev.ActorID = actor.String
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &ev.Context); err != nil {
				return nil, fmt.Errorf("failed to decode event context: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context, recentSince time.Time) (Stats, error) {
	var s Stats
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'blocked'),
			COUNT(*) FILTER (WHERE action = $1),
			COUNT(*) FILTER (WHERE occurred_at > $2)
		FROM security_events
	`, ActionFraudDetected, recentSince).Scan(&s.TotalEvents, &s.BlockedEvents, &s.FraudEvents, &s.RecentEvents)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to compute security stats: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM security_events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge security events: %w", err)
	}
	return res.RowsAffected()
}
