// Package escrow implements the order lifecycle of the escrow ledger.
//
// Flow:
//  1. Issuer signs (orderId, amount, seller, nonce) off-line
//  2. Buyer places the order → nonce consumed, funds pulled into custody
//  3. Buyer (or admin) releases → fee to collector, remainder to seller
//  4. Seller (or admin) refunds → full amount back to buyer
//
// Every order leaves ACTIVE at most once. The ledger commits the new state
// before any funds leave custody.
package escrow

import (
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/escrowledger/internal/nonce"
	"github.com/mbd888/escrowledger/internal/pagination"
)

var (
	ErrInvalidAddress        = errors.New("invalid address")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidOrderID        = errors.New("invalid order id")
	ErrInvalidCursor         = pagination.ErrInvalidCursor
	ErrOrderAlreadyExists    = errors.New("order already exists")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrNonceAlreadyUsed      = nonce.ErrNonceAlreadyUsed
	ErrTransferFailed        = errors.New("transfer failed")
	ErrTransferUnconfirmed   = errors.New("transfer unconfirmed")
	ErrOrderNotFound         = errors.New("order does not exist")
	ErrOrderAlreadyProcessed = errors.New("order already processed")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrFeePercentageTooHigh  = errors.New("fee percentage too high")
)

// State represents the lifecycle state of an order.
type State string

const (
	StateActive   State = "ACTIVE"   // Funds in custody
	StateReleased State = "RELEASED" // Paid out to seller and fee collector
	StateRefunded State = "REFUNDED" // Returned to buyer
)

// IsTerminal returns true for RELEASED and REFUNDED.
func (s State) IsTerminal() bool {
	return s == StateReleased || s == StateRefunded
}

// Order is an escrowed purchase. ID, Amount, FeeAmount, FeeBps, Seller and
// Buyer are fixed at placement.
type Order struct {
	ID         *big.Int
	Amount     *big.Int
	FeeAmount  *big.Int
	FeeBps     uint16
	Seller     common.Address
	Buyer      common.Address
	State      State
	CreatedAt  time.Time
	ResolvedAt *time.Time
	ResolvedBy common.Address
}

// SellerAmount is the part of Amount that goes to the seller on release.
func (o *Order) SellerAmount() *big.Int {
	return new(big.Int).Sub(o.Amount, o.FeeAmount)
}

// Clone returns a deep copy so callers never share big.Int storage with a store.
func (o *Order) Clone() *Order {
	cp := *o
	cp.ID = new(big.Int).Set(o.ID)
	cp.Amount = new(big.Int).Set(o.Amount)
	cp.FeeAmount = new(big.Int).Set(o.FeeAmount)
	if o.ResolvedAt != nil {
		t := *o.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

type orderJSON struct {
	ID         string     `json:"orderId"`
	Amount     string     `json:"amount"`
	FeeAmount  string     `json:"feeAmount"`
	FeeBps     uint16     `json:"feeBps"`
	Seller     string     `json:"seller"`
	Buyer      string     `json:"buyer"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
}

// MarshalJSON renders uint256 values as decimal strings.
func (o *Order) MarshalJSON() ([]byte, error) {
	out := orderJSON{
		ID:         o.ID.String(),
		Amount:     o.Amount.String(),
		FeeAmount:  o.FeeAmount.String(),
		FeeBps:     o.FeeBps,
		Seller:     o.Seller.Hex(),
		Buyer:      o.Buyer.Hex(),
		State:      o.State,
		CreatedAt:  o.CreatedAt,
		ResolvedAt: o.ResolvedAt,
	}
	if o.ResolvedBy != (common.Address{}) {
		out.ResolvedBy = o.ResolvedBy.Hex()
	}
	return json.Marshal(out)
}

// PlaceOrderRequest carries the issuer-authorized order terms.
type PlaceOrderRequest struct {
	OrderID   *big.Int
	Amount    *big.Int
	Seller    common.Address
	Nonce     *big.Int
	Signature []byte
}
