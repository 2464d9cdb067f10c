package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/sentinel/internal/geo"
)

// PostgresStore persists the attempt log in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed fraud store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the fraud_attempts and actor_locations tables if they
// don't exist. The location table is shared with PostgresLocationStore.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_attempts (
			id          VARCHAR(40) PRIMARY KEY,
			actor_id    VARCHAR(255),
			amount      NUMERIC(20,2) NOT NULL DEFAULT 0,
			score       INTEGER NOT NULL CHECK (score >= 0),
			indicators  JSONB NOT NULL DEFAULT '[]',
			ip_address  VARCHAR(64) NOT NULL DEFAULT '',
			user_agent  TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_attempts_actor
			ON fraud_attempts (actor_id, occurred_at DESC) WHERE actor_id IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_fraud_attempts_occurred
			ON fraud_attempts (occurred_at);

		CREATE TABLE IF NOT EXISTS actor_locations (
			id          BIGSERIAL PRIMARY KEY,
			actor_id    VARCHAR(255) NOT NULL,
			country     VARCHAR(100) NOT NULL,
			city        VARCHAR(100) NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_actor_locations_actor
			ON actor_locations (actor_id, occurred_at DESC);
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, log *AttemptLog) error {
	indicators, err := json.Marshal(log.Indicators)
	if err != nil {
		return fmt.Errorf("failed to marshal indicators: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_attempts (id, actor_id, amount, score, indicators, ip_address, user_agent, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		log.ID,
		nullString(log.ActorID),
		log.Amount,
		log.Score,
		indicators,
		log.IPAddress,
		log.UserAgent,
		log.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record fraud attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountSince(ctx context.Context, actorID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fraud_attempts
		WHERE actor_id = $1 AND occurred_at >= $2
	`, actorID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count fraud attempts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fraud_attempts WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge fraud attempts: %w", err)
	}
	return res.RowsAffected()
}

// PostgresLocationStore keeps actor location history in PostgreSQL.
type PostgresLocationStore struct {
	db *sql.DB
}

// NewPostgresLocationStore creates a PostgreSQL-backed location store.
// Its table is created by PostgresStore.Migrate.
func NewPostgresLocationStore(db *sql.DB) *PostgresLocationStore {
	return &PostgresLocationStore{db: db}
}

// Recent returns the actor's most recent distinct locations.
func (s *PostgresLocationStore) Recent(ctx context.Context, actorID string, limit int) ([]geo.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT country, city FROM (
			SELECT country, city, MAX(occurred_at) AS last_seen
			FROM actor_locations
			WHERE actor_id = $1
			GROUP BY country, city
		) l
		ORDER BY last_seen DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []geo.Location
	for rows.Next() {
		var loc geo.Location
		if err := rows.Scan(&loc.Country, &loc.City); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

func (s *PostgresLocationStore) Record(ctx context.Context, actorID string, loc geo.Location, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actor_locations (actor_id, country, city, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, actorID, loc.Country, loc.City, at)
	if err != nil {
		return fmt.Errorf("failed to record location: %w", err)
	}
	return nil
}

// Purge removes location history older than before.
func (s *PostgresLocationStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM actor_locations WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge locations: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
