package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowledger/internal/pagination"
)

// PostgresStore persists orders in PostgreSQL. uint256 values are stored as
// NUMERIC(78,0); the conditional UPDATE in Transition gives compare-and-set
// semantics across processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order ledger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `order_id, amount, fee_amount, fee_bps, seller_addr, buyer_addr,
		       state, created_at, resolved_at, resolved_by`

func (p *PostgresStore) Get(ctx context.Context, id *big.Int) (*Order, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1::NUMERIC(78,0)`, id.String())

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			order_id, amount, fee_amount, fee_bps, seller_addr, buyer_addr,
			state, created_at
		) VALUES (
			$1::NUMERIC(78,0), $2::NUMERIC(78,0), $3::NUMERIC(78,0), $4, $5, $6,
			$7, $8
		)
		ON CONFLICT (order_id) DO NOTHING`,
		o.ID.String(), o.Amount.String(), o.FeeAmount.String(), int(o.FeeBps),
		addrKey(o.Seller), addrKey(o.Buyer), string(o.State), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderAlreadyExists
	}
	return nil
}

func (p *PostgresStore) Transition(ctx context.Context, id *big.Int, to State, by common.Address) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE orders SET state = $1, resolved_at = $2, resolved_by = $3
		WHERE order_id = $4::NUMERIC(78,0) AND state = $5
		RETURNING `+orderColumns,
		string(to), time.Now().UTC(), addrKey(by), id.String(), string(StateActive),
	)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Either absent or no longer ACTIVE.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrOrderAlreadyProcessed
	}
	if err != nil {
		return nil, fmt.Errorf("transition order: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) Revert(ctx context.Context, id *big.Int, from State) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET state = $1, resolved_at = NULL, resolved_by = NULL
		WHERE order_id = $2::NUMERIC(78,0) AND state = $3`,
		string(StateActive), id.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("revert order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrStateConflict
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id *big.Int) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM orders WHERE order_id = $1::NUMERIC(78,0)`, id.String())
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, party common.Address, limit int, before *pagination.Cursor) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE (buyer_addr = $1 OR seller_addr = $1)`
	args := []any{addrKey(party)}
	if before != nil {
		if _, ok := new(big.Int).SetString(before.ID, 10); !ok {
			return nil, ErrInvalidCursor
		}
		query += ` AND (created_at, order_id) < ($2, $3::numeric)`
		args = append(args, before.CreatedAt, before.ID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, order_id DESC LIMIT $%d", len(args)) //nolint:gosec // placeholder index, not user input

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(sc scanner) (*Order, error) {
	var (
		id, amount, fee string
		bps             int
		seller, buyer   string
		state           string
		createdAt       time.Time
		resolvedAt      sql.NullTime
		resolvedBy      sql.NullString
	)
	if err := sc.Scan(&id, &amount, &fee, &bps, &seller, &buyer,
		&state, &createdAt, &resolvedAt, &resolvedBy); err != nil {
		return nil, err
	}

	o := &Order{
		FeeBps:    uint16(bps),
		Seller:    common.HexToAddress(seller),
		Buyer:     common.HexToAddress(buyer),
		State:     State(state),
		CreatedAt: createdAt,
	}
	var ok bool
	if o.ID, ok = new(big.Int).SetString(id, 10); !ok {
		return nil, fmt.Errorf("scan order: bad order_id %q", id)
	}
	if o.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("scan order %s: bad amount %q", id, amount)
	}
	if o.FeeAmount, ok = new(big.Int).SetString(fee, 10); !ok {
		return nil, fmt.Errorf("scan order %s: bad fee_amount %q", id, fee)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		o.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		o.ResolvedBy = common.HexToAddress(resolvedBy.String)
	}
	return o, nil
}

var _ Ledger = (*PostgresStore)(nil)

func (p *PostgresStore) ActiveTotals(ctx context.Context) (ActiveTotals, error) {
	var (
		t      ActiveTotals
		sum    string
		oldest sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)::text, MIN(created_at)
		FROM orders WHERE state = $1`, string(StateActive),
	).Scan(&t.Count, &sum, &oldest)
	if err != nil {
		return ActiveTotals{}, err
	}
	amount, ok := new(big.Int).SetString(sum, 10)
	if !ok {
		return ActiveTotals{}, fmt.Errorf("active totals: invalid sum %q", sum)
	}
	t.Amount = amount
	if oldest.Valid {
		t.Oldest = oldest.Time.UTC()
	}
	return t, nil
}
