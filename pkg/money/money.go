// Package money normalizes currency amounts to a fixed two-decimal
// representation. Every amount that crosses a persistence boundary or an
// arithmetic accumulation goes through Round exactly once, so float drift
// never compounds across line items.
package money

import "math"

// Round rounds an amount to 2 decimal places, half away from zero.
func Round(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// MinorUnits converts an amount to the smallest currency unit (cents).
// Payment gateways take integer minor units, never floats.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
