package escrow

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowledger/internal/pagination"
)

// ErrStateConflict is returned by Ledger.Revert when the order is no longer
// in the state the caller expected to undo.
var ErrStateConflict = errors.New("order state changed concurrently")

// Ledger persists orders. Implementations must make Create write-once per id
// and Transition an atomic compare-and-set from ACTIVE.
type Ledger interface {
	Get(ctx context.Context, id *big.Int) (*Order, error)
	Create(ctx context.Context, order *Order) error
	// Transition moves an ACTIVE order to a terminal state and returns the
	// updated record.
	Transition(ctx context.Context, id *big.Int, to State, by common.Address) (*Order, error)
	// Revert restores ACTIVE after a failed payout. It is never a user operation.
	Revert(ctx context.Context, id *big.Int, from State) error
	// Delete removes an order after a failed placement. It is never a user operation.
	Delete(ctx context.Context, id *big.Int) error
	// ListByParty returns orders where party is buyer or seller, newest
	// first, starting strictly after before when it is non-nil.
	ListByParty(ctx context.Context, party common.Address, limit int, before *pagination.Cursor) ([]*Order, error)
	// ActiveTotals aggregates the orders whose funds are still in custody.
	ActiveTotals(ctx context.Context) (ActiveTotals, error)
}

// ActiveTotals summarizes ACTIVE orders. Oldest is zero when Count is 0.
type ActiveTotals struct {
	Count  int
	Amount *big.Int
	Oldest time.Time
}

// orderKey is the canonical map/lock key for an order id.
func orderKey(id *big.Int) string {
	return id.String()
}

// addrKey is the canonical stored form of an address.
func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}
