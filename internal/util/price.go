// Package util provides common utility functions for price and money calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// RoundToCents rounds a dollar amount to two decimal places.
func RoundToCents(x float64) float64 {
	return RoundToTick(x, 0.01)
}

// WithinCents reports whether a and b differ by at most the given number of cents.
func WithinCents(a, b float64, cents float64) bool {
	return math.Abs(a-b) <= cents*0.01+1e-9
}

// NearlyEqual reports whether a and b agree within a relative tolerance.
// Used for detecting stored values that are scaled copies of each other.
func NearlyEqual(a, b, relTol float64) bool {
	if a == b {
		return true
	}
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return true
	}
	return math.Abs(a-b)/denom <= relTol
}
