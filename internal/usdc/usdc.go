// Package usdc provides fixed-point USDC amount conversions.
//
// USDC uses 6 decimal places. Amounts cross the chain boundary as
// smallest units (1 USDC = 1,000,000 units) and live in the card
// domain as USD cents. The two are related by an exact factor of
// 10,000, so conversions never drift.
package usdc

import (
	"fmt"
	"math/big"
	"strings"
)

const Decimals = 6

// UnitsPerCent is the number of smallest units in one USD cent.
const UnitsPerCent = 10_000

// CentsToUnits converts USD cents to USDC smallest units.
// 5250 cents → 52_500_000 units.
func CentsToUnits(cents int64) int64 {
	return cents * UnitsPerCent
}

// UnitsToCents converts USDC smallest units to USD cents, truncating
// any sub-cent dust. 52_500_000 units → 5250 cents.
func UnitsToCents(units int64) int64 {
	return units / UnitsPerCent
}

// CentsDisplay renders cents as a two-decimal USD string, e.g. 1050 → "10.50".
func CentsDisplay(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
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

	// Pad or trim to 6 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
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
