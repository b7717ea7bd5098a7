// Package money provides shared ZAR parsing and formatting utilities.
//
// ZAR uses 2 decimal places. All amounts are handled as big.Int in
// cents (1 ZAR = 100 cents) and exchanged as decimal strings.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Currency is the single fixed currency for a deployment.
const Currency = "ZAR"

// Parse converts a decimal string (e.g. "1.50") to its cent
// big.Int representation (150). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Signed amounts are rejected (no "-" or "+")
//   - Multiple decimal points are rejected
//   - More than 2 fractional digits are rejected
//   - Fractional parts are padded to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
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
	if len(frac) > Decimals {
		return nil, false
	}

	// Digits only. This also rejects sign prefixes that
	// big.Int.SetString would otherwise accept.
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, false
		}
	}

	// Pad to 2 decimals
	for len(frac) < Decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a cent big.Int to a human-readable decimal
// string with exactly 2 decimal places (e.g. "1.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// BasisPoints computes amount * bps / 10000 in cents, truncating toward
// zero. Used for platform and escrow fee calculation.
func BasisPoints(amount *big.Int, bps int64) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(bps))
	return fee.Quo(fee, big.NewInt(10000))
}

// Sub returns a-b.
func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(a, b)
}
