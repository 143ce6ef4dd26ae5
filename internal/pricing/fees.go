package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

var (
	ErrInvalidSchedule  = errors.New("fee multiplier must be positive")
	ErrTotalTooSmall    = errors.New("charged total does not cover shipping and fixed fee")
	ErrLineItemMismatch = errors.New("line items do not match the derived subtotal")
)

var cent = decimal.New(1, -2)

// FeeSchedule describes a rail that adds a processing fee on top of the
// order: total = (subtotal + shipping) * Multiplier + Fixed.
type FeeSchedule struct {
	Multiplier decimal.Decimal
	Fixed      decimal.Decimal
}

// Breakdown splits a charged total into the parts an order is built from.
// Subtotal + Shipping + Fee always equals Total exactly.
type Breakdown struct {
	Subtotal decimal.Decimal
	Shipping decimal.Decimal
	Fee      decimal.Decimal
	Total    decimal.Decimal
}

// Gross applies the schedule and rounds to cents.
func (f FeeSchedule) Gross(subtotal, shipping decimal.Decimal) decimal.Decimal {
	return subtotal.Add(shipping).Mul(f.Multiplier).Add(f.Fixed).Round(2)
}

// InvertSubtotal recovers the product subtotal from a charged total that
// already embeds the fee.
func (f FeeSchedule) InvertSubtotal(total, shipping decimal.Decimal) (decimal.Decimal, error) {
	if !f.Multiplier.IsPositive() {
		return decimal.Zero, ErrInvalidSchedule
	}
	base := total.Sub(f.Fixed).Div(f.Multiplier)
	p := base.Sub(shipping).Round(2)
	if p.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: total=%s shipping=%s", ErrTotalTooSmall, total, shipping)
	}

	for _, cand := range []decimal.Decimal{p, p.Sub(cent), p.Add(cent)} {
		if cand.IsNegative() {
			continue
		}
		if f.Gross(cand, shipping).Equal(total) {
			return cand, nil
		}
	}
	// no candidate hits the total exactly; p is still within one cent
	if f.Gross(p, shipping).Sub(total).Abs().LessThanOrEqual(cent) {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("cannot invert total %s with shipping %s", total, shipping)
}

// Split is InvertSubtotal returning the full breakdown.
func (f FeeSchedule) Split(total, shipping decimal.Decimal) (Breakdown, error) {
	sub, err := f.InvertSubtotal(total, shipping)
	if err != nil {
		return Breakdown{}, err
	}
	return Breakdown{
		Subtotal: sub,
		Shipping: shipping,
		Fee:      total.Sub(sub).Sub(shipping),
		Total:    total,
	}, nil
}

// ReconcileLineItems adjusts the last line item so that items sum to
// subtotal exactly. Differences larger than tolerance are rejected.
func ReconcileLineItems(items []models.LineItem, subtotal, tolerance decimal.Decimal) ([]models.LineItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no line items", ErrLineItemMismatch)
	}
	out := make([]models.LineItem, len(items))
	copy(out, items)

	sum := decimal.Zero
	for _, li := range out {
		sum = sum.Add(li.Total)
	}
	delta := subtotal.Sub(sum)
	if delta.IsZero() {
		return out, nil
	}
	if delta.Abs().GreaterThan(tolerance) {
		return nil, fmt.Errorf("%w: items=%s subtotal=%s", ErrLineItemMismatch, sum, subtotal)
	}

	last := &out[len(out)-1]
	if last.Subtotal.Equal(last.Total) {
		last.Subtotal = last.Subtotal.Add(delta)
	}
	last.Total = last.Total.Add(delta)
	return out, nil
}
