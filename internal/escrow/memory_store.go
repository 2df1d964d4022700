package escrow

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowledger/internal/pagination"
)

// MemoryStore is an in-memory order ledger for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory order ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Get(_ context.Context, id *big.Int) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderKey(id)]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) Create(_ context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := orderKey(order.ID)
	if _, ok := m.orders[key]; ok {
		return ErrOrderAlreadyExists
	}
	m.orders[key] = order.Clone()
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, id *big.Int, to State, by common.Address) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderKey(id)]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.State != StateActive {
		return nil, ErrOrderAlreadyProcessed
	}
	now := m.now()
	o.State = to
	o.ResolvedAt = &now
	o.ResolvedBy = by
	return o.Clone(), nil
}

func (m *MemoryStore) Revert(_ context.Context, id *big.Int, from State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderKey(id)]
	if !ok {
		return ErrOrderNotFound
	}
	if o.State != from {
		return ErrStateConflict
	}
	o.State = StateActive
	o.ResolvedAt = nil
	o.ResolvedBy = common.Address{}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := orderKey(id)
	if _, ok := m.orders[key]; !ok {
		return ErrOrderNotFound
	}
	delete(m.orders, key)
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, party common.Address, limit int, before *pagination.Cursor) ([]*Order, error) {
	var beforeID *big.Int
	if before != nil {
		id, ok := new(big.Int).SetString(before.ID, 10)
		if !ok {
			return nil, ErrInvalidCursor
		}
		beforeID = id
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Buyer != party && o.Seller != party {
			continue
		}
		if before != nil && !olderThan(o, before.CreatedAt, beforeID) {
			continue
		}
		result = append(result, o.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID.Cmp(result[j].ID) > 0
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func olderThan(o *Order, at time.Time, id *big.Int) bool {
	if o.CreatedAt.Equal(at) {
		return o.ID.Cmp(id) < 0
	}
	return o.CreatedAt.Before(at)
}

var _ Ledger = (*MemoryStore)(nil)

func (m *MemoryStore) ActiveTotals(_ context.Context) (ActiveTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := ActiveTotals{Amount: new(big.Int)}
	for _, o := range m.orders {
		if o.State != StateActive {
			continue
		}
		t.Count++
		t.Amount.Add(t.Amount, o.Amount)
		if t.Oldest.IsZero() || o.CreatedAt.Before(t.Oldest) {
			t.Oldest = o.CreatedAt
		}
	}
	return t, nil
}
