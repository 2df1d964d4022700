// Package units parses and formats token amounts and other uint256 values.
//
// Amounts are always carried as big.Int in the token's smallest unit
// (for a 6-decimal token, 1 token = 1,000,000 units).
package units

import (
	"math/big"
	"strings"
)

// DefaultDecimals matches USDC-style tokens.
const DefaultDecimals = 6

// MaxUint256 is the largest value representable in a uint256 slot.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// InUint256Range reports whether v is non-nil, non-negative and fits in 256 bits.
func InUint256Range(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(MaxUint256) <= 0
}

// ParseUint256 parses a base-10 or 0x-prefixed hex integer string.
// Returns (nil, false) for empty, negative, malformed or out-of-range input.
func ParseUint256(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
		if s == "" {
			return nil, false
		}
	}

	v, ok := new(big.Int).SetString(s, base)
	if !ok || !InUint256Range(v) {
		return nil, false
	}
	return v, true
}

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// representation for a token with the given number of decimals.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional digits beyond decimals are truncated
func Parse(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || !InUint256Range(result) {
		return nil, false
	}
	return result, true
}

// Format converts a smallest-unit amount to a decimal string with exactly
// decimals fractional digits (e.g. "1.500000" for 1500000 at 6 decimals).
func Format(amount *big.Int, decimals int) string {
	if decimals <= 0 {
		if amount == nil {
			return "0"
		}
		return amount.String()
	}
	if amount == nil {
		return "0." + strings.Repeat("0", decimals)
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}
