// Package transfer moves the escrowed asset between owners and the custody
// account. Implementations never retry: a failed transfer is reported to
// the caller, which decides how to compensate.
package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientBalance = errors.New("transfer: insufficient balance")
	ErrInvalidAmount       = errors.New("transfer: invalid amount")
	ErrReverted            = errors.New("transfer: transaction reverted")
	ErrTimeout             = errors.New("transfer: confirmation timed out")
	ErrInvalidPrivateKey   = errors.New("transfer: invalid private key")
	ErrRPCConnection       = errors.New("transfer: RPC connection failed")
)

// Error wraps a transfer failure with the step that failed and, for on-chain
// transfers, the transaction hash.
type Error struct {
	Op     string
	TxHash string
	Err    error
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("transfer: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("transfer: %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Unconfirmed reports whether the transaction was broadcast but its outcome
// is unknown: the wait for the receipt ended without a mined status. Such a
// transfer may still succeed and must not be compensated as a failure.
func (e *Error) Unconfirmed() bool {
	return e.Op == "confirm" && e.TxHash != "" && !errors.Is(e.Err, ErrReverted)
}

// IsUnconfirmed reports whether err carries an unconfirmed transfer.
func IsUnconfirmed(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Unconfirmed()
}
