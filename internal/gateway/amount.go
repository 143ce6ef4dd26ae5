// Package gateway adapts external payment providers to the payment rails.
package gateway

import (
	"github.com/shopspring/decimal"
)

// toMinor converts a two-decimal currency amount to minor units.
func toMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
