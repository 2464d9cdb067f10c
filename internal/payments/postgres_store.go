package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists receipts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the payment_receipts table. Deployments normally run the
// goose migrations instead; this keeps ad-hoc databases usable.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_receipts (
			id              VARCHAR(40) PRIMARY KEY,
			transaction_id  VARCHAR(64) NOT NULL UNIQUE,
			order_id        VARCHAR(128) NOT NULL,
			actor_id        VARCHAR(255) NOT NULL,
			amount          NUMERIC(20,2) NOT NULL CHECK (amount > 0),
			currency        CHAR(3) NOT NULL,
			status          VARCHAR(16) NOT NULL CHECK (status IN ('completed', 'failed')),
			payload_hash    VARCHAR(64) NOT NULL,
			signature       VARCHAR(128) NOT NULL DEFAULT '',
			processed_at    TIMESTAMPTZ NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_payment_receipts_actor ON payment_receipts (actor_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_payment_receipts_order ON payment_receipts (order_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate payment_receipts: %w", err)
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_receipts (
			id, transaction_id, order_id, actor_id, amount,
			currency, status, payload_hash, signature, processed_at, created_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, $9, $10, $11)`,
		r.ID, r.TransactionID, r.OrderID, r.ActorID, r.Amount,
		r.Currency, r.Status, r.PayloadHash, r.Signature, r.ProcessedAt, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, order_id, actor_id, amount::TEXT,
		       currency, status, payload_hash, signature, processed_at, created_at
		FROM payment_receipts WHERE id = $1`, id)

	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, order_id, actor_id, amount::TEXT,
		       currency, status, payload_hash, signature, processed_at, created_at
		FROM payment_receipts
		WHERE actor_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []*Receipt{}
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	err := sc.Scan(
		&r.ID, &r.TransactionID, &r.OrderID, &r.ActorID, &r.Amount,
		&r.Currency, &r.Status, &r.PayloadHash, &r.Signature, &r.ProcessedAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ProcessedAt = r.ProcessedAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

var _ ReceiptStore = (*PostgresStore)(nil)
