package nonce

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
)

// PostgresRegistry persists consumed nonces in the used_nonces table.
// The primary key on nonce makes MarkUsed atomic across processes.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a PostgreSQL-backed registry.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (p *PostgresRegistry) IsUsed(ctx context.Context, nonce *big.Int) (bool, error) {
	if err := validate(nonce); err != nil {
		return false, err
	}
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM used_nonces WHERE nonce = $1::NUMERIC(78,0))`,
		Key(nonce),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	return exists, nil
}

func (p *PostgresRegistry) MarkUsed(ctx context.Context, nonce *big.Int) error {
	if err := validate(nonce); err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx,
		`INSERT INTO used_nonces (nonce) VALUES ($1::NUMERIC(78,0)) ON CONFLICT (nonce) DO NOTHING`,
		Key(nonce),
	)
	if err != nil {
		return fmt.Errorf("mark nonce used: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNonceAlreadyUsed
	}
	return nil
}

func (p *PostgresRegistry) Unmark(ctx context.Context, nonce *big.Int) error {
	if err := validate(nonce); err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM used_nonces WHERE nonce = $1::NUMERIC(78,0)`, Key(nonce),
	); err != nil {
		return fmt.Errorf("unmark nonce: %w", err)
	}
	return nil
}

var _ Registry = (*PostgresRegistry)(nil)
