package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists attempts in PostgreSQL. Counting and recording
// for one identifier are serialized with a transaction-scoped advisory
// lock, so concurrent requests never over-admit.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed attempt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the rate_limit_attempts table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_attempts (
			id          BIGSERIAL PRIMARY KEY,
			identifier  VARCHAR(255) NOT NULL,
			ip_address  VARCHAR(64) NOT NULL DEFAULT '',
			user_agent  TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_rate_limit_attempts_identifier
			ON rate_limit_attempts (identifier, occurred_at DESC);

		CREATE INDEX IF NOT EXISTS idx_rate_limit_attempts_occurred
			ON rate_limit_attempts (occurred_at);
	`)
	return err
}

func (s *PostgresStore) CountAndRecord(ctx context.Context, a Attempt, since time.Time, max int, recordRejected bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin rate limit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.Identifier); err != nil {
		return 0, fmt.Errorf("failed to lock identifier: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_attempts
		WHERE identifier = $1 AND occurred_at >= $2
	`, a.Identifier, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}

	if count < max || recordRejected {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rate_limit_attempts (identifier, ip_address, user_agent, occurred_at)
			VALUES ($1, $2, $3, $4)
		`, a.Identifier, a.IPAddress, a.UserAgent, a.OccurredAt)
		if err != nil {
			return 0, fmt.Errorf("failed to record attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rate limit tx: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_attempts WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge rate limit attempts: %w", err)
	}
	return res.RowsAffected()
}
