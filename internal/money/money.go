// Package money fixes the rounding rules for monetary values. Every amount
// that enters the ledger is normalized here before it is compared, added or
// persisted.
package money

import "github.com/shopspring/decimal"

// Places is the number of fractional digits carried by every monetary value.
const Places = 2

// Normalize rounds an amount to Places fractional digits, half away from
// zero (round-half-up for the positive amounts the ledger accepts).
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// IsPositive reports whether the normalized amount is strictly greater than
// zero. Amounts that fail this check are rejected before any state is touched.
func IsPositive(d decimal.Decimal) bool {
	return d.IsPositive()
}

// Zero returns 0.00.
func Zero() decimal.Decimal {
	return decimal.Zero.Round(Places)
}
