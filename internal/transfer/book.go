package transfer

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Book is an in-memory balance book with a single custody account. It backs
// development mode and tests; allowances are not modelled.
type Book struct {
	custody  common.Address
	balances map[common.Address]*big.Int
	mu       sync.Mutex
}

// NewBook creates an empty book whose custody account is custody.
func NewBook(custody common.Address) *Book {
	return &Book{
		custody:  custody,
		balances: make(map[common.Address]*big.Int),
	}
}

func (b *Book) Custody() common.Address { return b.custody }

// Credit mints amount to addr.
func (b *Book) Credit(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return &Error{Op: "credit", Err: ErrInvalidAmount}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(addr, amount)
	return nil
}

// Balance returns a copy of addr's balance.
func (b *Book) Balance(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// CustodyBalance returns what the custody account holds.
func (b *Book) CustodyBalance(context.Context) (*big.Int, error) {
	return b.Balance(b.custody), nil
}

// Total returns the sum of all balances. Transfers never change it.
func (b *Book) Total() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sum := new(big.Int)
	for _, bal := range b.balances {
		sum.Add(sum, bal)
	}
	return sum
}

func (b *Book) Pull(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return b.move(ctx, "pull", from, to, amount)
}

func (b *Book) Push(ctx context.Context, to common.Address, amount *big.Int) error {
	return b.move(ctx, "push", b.custody, to, amount)
}

func (b *Book) move(ctx context.Context, op string, from, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: op, Err: err}
	}
	if amount == nil || amount.Sign() <= 0 {
		return &Error{Op: op, Err: ErrInvalidAmount}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return &Error{Op: op, Err: ErrInsufficientBalance}
	}
	bal.Sub(bal, amount)
	b.add(to, amount)
	return nil
}

func (b *Book) add(addr common.Address, amount *big.Int) {
	bal, ok := b.balances[addr]
	if !ok {
		bal = new(big.Int)
		b.balances[addr] = bal
	}
	bal.Add(bal, amount)
}
