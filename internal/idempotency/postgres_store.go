package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresBackend stores records in idempotency_keys. The key_hash primary
// key is the last line of defence against double execution across
// processes that share no lock.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend creates a PostgreSQL-backed record store.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// Migrate creates the idempotency_keys table if it doesn't exist.
func (p *PostgresBackend) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_hash    CHAR(64) PRIMARY KEY,
			owner_id    VARCHAR(255),
			response    TEXT NOT NULL,
			encrypted   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at  TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires
			ON idempotency_keys (expires_at);
	`)
	return err
}

func (p *PostgresBackend) Get(ctx context.Context, keyHash string, now time.Time) (*Record, error) {
	var (
		rec      Record
		owner    sql.NullString
		response string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT key_hash, owner_id, response, encrypted, created_at, expires_at
		FROM idempotency_keys
		WHERE key_hash = $1 AND expires_at > $2
	`, keyHash, now).Scan(&rec.KeyHash, &owner, &response, &rec.Encrypted, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}
	rec.OwnerID = owner.String
	rec.Response = []byte(response)
	return &rec, nil
}

// Put inserts rec, overwriting an expired row for the same key. A live row
// makes the upsert's WHERE false, so no row comes back.
func (p *PostgresBackend) Put(ctx context.Context, rec *Record) (bool, error) {
	var owner sql.NullString
	if rec.OwnerID != "" {
		owner = sql.NullString{String: rec.OwnerID, Valid: true}
	}
	var keyHash string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key_hash, owner_id, response, encrypted, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key_hash) DO UPDATE SET
			owner_id   = EXCLUDED.owner_id,
			response   = EXCLUDED.response,
			encrypted  = EXCLUDED.encrypted,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING key_hash
	`, rec.KeyHash, owner, string(rec.Response), rec.Encrypted, rec.CreatedAt, rec.ExpiresAt).Scan(&keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return true, nil
}

func (p *PostgresBackend) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", err)
	}
	return res.RowsAffected()
}
