package escrow

import "math/big"

const (
	// MaxFeeBps caps the platform fee at 10%.
	MaxFeeBps = 1000
	// BpsDenominator is 100% expressed in basis points.
	BpsDenominator = 10000
)

var bpsDenominator = big.NewInt(BpsDenominator)

// ComputeFee returns floor(amount * bps / 10000). The intermediate product
// is arbitrary precision so it cannot overflow.
func ComputeFee(amount *big.Int, bps uint16) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return fee.Quo(fee, bpsDenominator)
}
