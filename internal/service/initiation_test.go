package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/deposit"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

func TestInitiateCardStagesThenCreatesPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	draft := draftOf("45.00", 99)
	draft.ShippingLines = []models.ShippingLine{{MethodID: "flat_rate", Total: decimal.RequireFromString("4.90")}}

	res, err := h.rec.Initiate(ctx, InitiateRequest{Rail: models.RailCard, BuyerID: 7, Draft: draft})
	require.NoError(t, err)
	assert.Equal(t, "49.90", res.Total.StringFixed(2))
	assert.NotEmpty(t, res.ClientSecret)

	rec, err := h.store.Get(ctx, res.StagingID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.OrderPayload.CustomerID, "buyer comes from the session, not the draft")
	assert.Equal(t, res.PaymentReference, rec.PaymentIntentID)

	byRef, err := h.store.GetByPaymentIntent(ctx, res.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, res.StagingID, byRef.ID)

	info, err := h.lifecycle.GetByStagingID(ctx, res.StagingID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingConfirmation, info.State)
	assert.Equal(t, res.PaymentReference, info.PaymentReference)

	require.Len(t, h.card.requests, 1)
	assert.Equal(t, res.StagingID, h.card.requests[0].StagingID)
	assert.Equal(t, "49.90", h.card.requests[0].Amount.StringFixed(2))
}

func TestInitiateRejectsAnonymousDepositBeforeSideEffects(t *testing.T) {
	h := newHarness(t)
	store := &countingStore{StagingStore: h.store}
	rec := NewReconciler(Dependencies{
		Store:     store,
		Lifecycle: h.lifecycle,
		Backend:   h.backend,
		Gateways:  []interfaces.PaymentGateway{h.card},
	}, DefaultSettings())

	draft := draftOf("100.00", 0)
	draft.LineItems[0].Deposit = &models.DepositTerms{
		Upfront:   decimal.RequireFromString("100.00"),
		Remaining: decimal.RequireFromString("400.00"),
	}

	_, err := rec.Initiate(context.Background(), InitiateRequest{Rail: models.RailCard, BuyerID: 0, Draft: draft})
	require.Error(t, err)
	assert.Equal(t, KindAuthorization, KindOf(err))

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, deposit.ErrCodeLoginRequired, e.Code)
	assert.Zero(t, store.sets)
	assert.Empty(t, h.card.requests)
}

func TestInitiateRejectsAnonymousPoints(t *testing.T) {
	h := newHarness(t)

	_, err := h.rec.Initiate(context.Background(), InitiateRequest{
		Rail:           models.RailCard,
		Draft:          draftOf("10.00", 0),
		PointsToRedeem: 100,
		PointsDiscount: decimal.RequireFromString("1.00"),
	})
	assert.ErrorIs(t, err, ErrPointsRequireLogin)
	assert.Empty(t, h.card.requests)
}

func TestInitiatePointsDiscountReducesCharge(t *testing.T) {
	h := newHarness(t)

	res, err := h.rec.Initiate(context.Background(), InitiateRequest{
		Rail:           models.RailCard,
		BuyerID:        7,
		Draft:          draftOf("10.00", 0),
		PointsToRedeem: 100,
		PointsDiscount: decimal.RequireFromString("1.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, "9.00", res.Total.StringFixed(2))

	rec, err := h.store.Get(context.Background(), res.StagingID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.PointsToRedeem)
	require.Len(t, rec.OrderPayload.FeeLines, 1)
	assert.Equal(t, "-1.00", rec.OrderPayload.FeeLines[0].Total.StringFixed(2))
}

func TestInitiateDropsDraftWhenPaymentCreationFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.card.createErr = errors.New("card declined by processor")

	_, err := h.rec.Initiate(ctx, InitiateRequest{Rail: models.RailCard, BuyerID: 7, Draft: draftOf("10.00", 0)})
	require.Error(t, err)

	require.Len(t, h.card.requests, 1)
	stagingID := h.card.requests[0].StagingID
	_, err = h.store.Get(ctx, stagingID)
	assert.ErrorIs(t, err, interfaces.ErrStagingNotFound)

	info, err := h.lifecycle.GetByStagingID(ctx, stagingID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAbandoned, info.State)
}

func TestInitiatePayPalInvertsChargedTotal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	draft := draftOf("45.00", 0)
	draft.ShippingLines = []models.ShippingLine{{MethodID: "flat_rate", Total: decimal.RequireFromString("4.90")}}

	res, err := h.rec.Initiate(ctx, InitiateRequest{
		Rail:         models.RailPayPal,
		BuyerID:      7,
		Draft:        draft,
		ChargedTotal: decimal.RequireFromString("52.13"),
	})
	require.NoError(t, err)
	assert.Equal(t, "52.13", res.Total.StringFixed(2))
	assert.Equal(t, "45.00", res.Subtotal.StringFixed(2))
	assert.Equal(t, "2.23", res.Fee.StringFixed(2))

	rec, err := h.store.Get(ctx, res.StagingID)
	require.NoError(t, err)
	assert.Equal(t, "52.13", rec.OrderPayload.Total().StringFixed(2))

	req := h.paypal.requests[0]
	assert.Equal(t, "45.00", req.ItemsTotal.StringFixed(2))
	assert.Equal(t, "4.90", req.ShippingTotal.StringFixed(2))
	assert.Equal(t, "2.23", req.FeeTotal.StringFixed(2))
}

func TestInitiatePayPalAddsFeeWithoutChargedTotal(t *testing.T) {
	h := newHarness(t)

	draft := draftOf("45.00", 0)
	draft.ShippingLines = []models.ShippingLine{{MethodID: "flat_rate", Total: decimal.RequireFromString("4.90")}}

	res, err := h.rec.Initiate(context.Background(), InitiateRequest{Rail: models.RailPayPal, BuyerID: 7, Draft: draft})
	require.NoError(t, err)
	assert.Equal(t, "52.13", res.Total.StringFixed(2))
	assert.Equal(t, "2.23", res.Fee.StringFixed(2))
}

func TestInitiatePayPalSplitsFeeAndPointsDiscount(t *testing.T) {
	h := newHarness(t)

	res, err := h.rec.Initiate(context.Background(), InitiateRequest{
		Rail:           models.RailPayPal,
		BuyerID:        7,
		Draft:          draftOf("50.00", 0),
		PointsToRedeem: 1000,
		PointsDiscount: decimal.RequireFromString("10.00"),
	})
	require.NoError(t, err)

	req := h.paypal.requests[0]
	assert.True(t, req.FeeTotal.IsPositive())
	assert.Equal(t, res.Fee.StringFixed(2), req.FeeTotal.StringFixed(2))
	assert.Equal(t, "10.00", req.DiscountTotal.StringFixed(2))
	sum := req.ItemsTotal.Add(req.ShippingTotal).Add(req.FeeTotal).Sub(req.DiscountTotal)
	assert.Equal(t, req.Amount.StringFixed(2), sum.StringFixed(2))
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.rec.Initiate(context.Background(), InitiateRequest{Rail: models.RailCard, BuyerID: 7})
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = h.rec.Initiate(context.Background(), InitiateRequest{Rail: models.RailCard, BuyerID: 7, Draft: draftOf("0.00", 0)})
	assert.Equal(t, KindValidation, KindOf(err))
}
