package pricing

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

func paypalSchedule() FeeSchedule {
	return FeeSchedule{
		Multiplier: decimal.RequireFromString("1.0349"),
		Fixed:      decimal.RequireFromString("0.49"),
	}
}

func TestInvertSubtotalRoundTrips(t *testing.T) {
	f := paypalSchedule()
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		sub := decimal.New(int64(r.Intn(500000)), -2)
		ship := decimal.New(int64(r.Intn(3000)), -2)
		total := f.Gross(sub, ship)

		got, err := f.InvertSubtotal(total, ship)
		require.NoError(t, err, "sub=%s ship=%s", sub, ship)

		diff := f.Gross(got, ship).Sub(total).Abs()
		assert.True(t, diff.LessThanOrEqual(cent), "sub=%s ship=%s total=%s derived=%s", sub, ship, total, got)
	}
}

func TestInvertSubtotalKnownValue(t *testing.T) {
	f := paypalSchedule()
	// (45.00 + 4.90) * 1.0349 + 0.49 = 52.13151 -> 52.13
	total := decimal.RequireFromString("52.13")
	ship := decimal.RequireFromString("4.90")

	got, err := f.InvertSubtotal(total, ship)
	require.NoError(t, err)
	assert.True(t, f.Gross(got, ship).Equal(total))
	assert.Equal(t, "45", got.String())
}

func TestInvertSubtotalRejectsTinyTotal(t *testing.T) {
	f := paypalSchedule()
	_, err := f.InvertSubtotal(decimal.RequireFromString("0.30"), decimal.RequireFromString("5"))
	assert.ErrorIs(t, err, ErrTotalTooSmall)
}

func TestInvertSubtotalRejectsBadSchedule(t *testing.T) {
	f := FeeSchedule{Multiplier: decimal.Zero}
	_, err := f.InvertSubtotal(decimal.NewFromInt(10), decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestSplitSumsExactly(t *testing.T) {
	f := paypalSchedule()
	total := decimal.RequireFromString("103.77")
	ship := decimal.RequireFromString("7.5")

	b, err := f.Split(total, ship)
	require.NoError(t, err)
	assert.True(t, b.Subtotal.Add(b.Shipping).Add(b.Fee).Equal(total))
	assert.True(t, b.Fee.IsPositive())
}

func TestReconcileLineItems(t *testing.T) {
	items := []models.LineItem{
		{ProductID: 1, Quantity: 1, Subtotal: decimal.RequireFromString("20.00"), Total: decimal.RequireFromString("20.00")},
		{ProductID: 2, Quantity: 2, Subtotal: decimal.RequireFromString("25.01"), Total: decimal.RequireFromString("25.01")},
	}

	out, err := ReconcileLineItems(items, decimal.RequireFromString("45.00"), decimal.RequireFromString("0.05"))
	require.NoError(t, err)
	assert.Equal(t, "25", out[1].Total.String())
	assert.Equal(t, "25.01", items[1].Total.String(), "input must not be mutated")

	_, err = ReconcileLineItems(items, decimal.RequireFromString("50.00"), decimal.RequireFromString("0.05"))
	assert.ErrorIs(t, err, ErrLineItemMismatch)

	_, err = ReconcileLineItems(nil, decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, ErrLineItemMismatch)
}
