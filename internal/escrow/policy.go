package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrPolicyNotFound is returned by a PolicyStore that has never been saved to.
var ErrPolicyNotFound = errors.New("fee policy not found")

// Policy is the platform fee configuration. Admin is the trusted issuer and
// the only caller allowed to change FeeBps or FeeCollector.
type Policy struct {
	FeeBps       uint16         `json:"feeBps"`
	FeeCollector common.Address `json:"feeCollector"`
	Admin        common.Address `json:"admin"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.FeeBps > MaxFeeBps {
		return ErrFeePercentageTooHigh
	}
	if p.FeeCollector == (common.Address{}) || p.Admin == (common.Address{}) {
		return ErrInvalidAddress
	}
	return nil
}

// PolicyStore persists the fee policy across restarts.
type PolicyStore interface {
	Load(ctx context.Context) (*Policy, error)
	Save(ctx context.Context, p *Policy) error
}

// MemoryPolicyStore keeps the policy in process memory.
type MemoryPolicyStore struct {
	policy *Policy
	mu     sync.RWMutex
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{}
}

func (m *MemoryPolicyStore) Load(_ context.Context) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.policy == nil {
		return nil, ErrPolicyNotFound
	}
	cp := *m.policy
	return &cp, nil
}

func (m *MemoryPolicyStore) Save(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.policy = &cp
	return nil
}

// PostgresPolicyStore keeps the policy in the single-row fee_policy table.
type PostgresPolicyStore struct {
	db *sql.DB
}

func NewPostgresPolicyStore(db *sql.DB) *PostgresPolicyStore {
	return &PostgresPolicyStore{db: db}
}

func (p *PostgresPolicyStore) Load(ctx context.Context) (*Policy, error) {
	var (
		bps       int
		collector string
		admin     string
		updatedAt time.Time
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT fee_bps, fee_collector, admin_addr, updated_at FROM fee_policy WHERE id = 1`,
	).Scan(&bps, &collector, &admin, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load fee policy: %w", err)
	}
	if bps < 0 || bps > MaxFeeBps {
		return nil, fmt.Errorf("load fee policy: stored fee %d bps out of range", bps)
	}
	return &Policy{
		FeeBps:       uint16(bps),
		FeeCollector: common.HexToAddress(collector),
		Admin:        common.HexToAddress(admin),
		UpdatedAt:    updatedAt,
	}, nil
}

func (p *PostgresPolicyStore) Save(ctx context.Context, pol *Policy) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fee_policy (id, fee_bps, fee_collector, admin_addr, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			fee_bps = EXCLUDED.fee_bps,
			fee_collector = EXCLUDED.fee_collector,
			admin_addr = EXCLUDED.admin_addr,
			updated_at = EXCLUDED.updated_at`,
		int(pol.FeeBps), addrKey(pol.FeeCollector), addrKey(pol.Admin), pol.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save fee policy: %w", err)
	}
	return nil
}

var (
	_ PolicyStore = (*MemoryPolicyStore)(nil)
	_ PolicyStore = (*PostgresPolicyStore)(nil)
)
