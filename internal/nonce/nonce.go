// Package nonce tracks consumed order-authorization nonces.
//
// A nonce is consumed forever once marked. The only way back is Unmark,
// which exists solely to roll back a placement whose later step failed.
// Nonces are global: they are not scoped per order id or per buyer.
package nonce

import (
	"context"
	"errors"
	"math/big"
	"sync"
)

var (
	ErrNonceAlreadyUsed = errors.New("nonce already used")
	ErrInvalidNonce     = errors.New("invalid nonce")
)

// Registry is the replay-protection store.
type Registry interface {
	IsUsed(ctx context.Context, nonce *big.Int) (bool, error)
	// MarkUsed atomically checks and consumes the nonce. It returns
	// ErrNonceAlreadyUsed when another caller consumed it first.
	MarkUsed(ctx context.Context, nonce *big.Int) error
	Unmark(ctx context.Context, nonce *big.Int) error
}

// Key returns the canonical key for a nonce (base-10).
func Key(nonce *big.Int) string {
	return nonce.String()
}

func validate(nonce *big.Int) error {
	if nonce == nil || nonce.Sign() < 0 {
		return ErrInvalidNonce
	}
	return nil
}

// MemoryRegistry is an in-memory registry for demo/development mode.
type MemoryRegistry struct {
	used map[string]struct{}
	mu   sync.Mutex
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{used: make(map[string]struct{})}
}

func (m *MemoryRegistry) IsUsed(_ context.Context, nonce *big.Int) (bool, error) {
	if err := validate(nonce); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.used[Key(nonce)]
	return ok, nil
}

func (m *MemoryRegistry) MarkUsed(_ context.Context, nonce *big.Int) error {
	if err := validate(nonce); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(nonce)
	if _, ok := m.used[key]; ok {
		return ErrNonceAlreadyUsed
	}
	m.used[key] = struct{}{}
	return nil
}

func (m *MemoryRegistry) Unmark(_ context.Context, nonce *big.Int) error {
	if err := validate(nonce); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.used, Key(nonce))
	return nil
}

// Len returns the number of consumed nonces.
func (m *MemoryRegistry) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}

var _ Registry = (*MemoryRegistry)(nil)
