package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

type fakePayPal struct {
	t          *testing.T
	tokenCalls int32
	captured   bool

	mu       sync.Mutex
	lastUnit paypalPurchaseUnit
}

func (f *fakePayPal) createdUnit() paypalPurchaseUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUnit
}

func (f *fakePayPal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		assert.True(f.t, ok)
		assert.Equal(f.t, "client", user)
		assert.Equal(f.t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(f.t, "create-stg_paypal_1", r.Header.Get("PayPal-Request-Id"))

		var body struct {
			Intent        string               `json:"intent"`
			PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
		}
		if !assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body)) || len(body.PurchaseUnits) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(f.t, "CAPTURE", body.Intent)
		assert.Equal(f.t, "stg_paypal_1", body.PurchaseUnits[0].CustomID)
		f.mu.Lock()
		f.lastUnit = body.PurchaseUnits[0]
		f.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"PP-1","status":"CREATED","links":[{"href":"https://paypal.test/approve","rel":"payer-action"}]}`))
	})
	mux.HandleFunc("/v2/checkout/orders/PP-1/capture", func(w http.ResponseWriter, r *http.Request) {
		if f.captured {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`))
			return
		}
		f.captured = true
		_, _ = w.Write([]byte(completedOrder))
	})
	mux.HandleFunc("/v2/checkout/orders/PP-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completedOrder))
	})
	mux.HandleFunc("/v2/checkout/orders/PP-404", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"name":"RESOURCE_NOT_FOUND"}`))
	})
	return mux
}

const completedOrder = `{"id":"PP-1","status":"COMPLETED","purchase_units":[{"custom_id":"stg_paypal_1",
"amount":{"currency_code":"EUR","value":"52.13"},"payments":{"captures":[{"id":"CAP-1","status":"COMPLETED"}]}}]}`

func newTestPayPal(t *testing.T) (*PayPalGateway, *fakePayPal) {
	f := &fakePayPal{t: t}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewPayPalGateway(context.Background(), srv.URL, "client", "secret", "eur"), f
}

func TestPayPalCreatePayment(t *testing.T) {
	g, f := newTestPayPal(t)

	h, err := g.CreatePayment(context.Background(), models.PaymentRequest{
		StagingID:     "stg_paypal_1",
		Amount:        decimal.RequireFromString("52.13"),
		ItemsTotal:    decimal.RequireFromString("45"),
		ShippingTotal: decimal.RequireFromString("4.90"),
		FeeTotal:      decimal.RequireFromString("2.23"),
	})
	require.NoError(t, err)
	assert.Equal(t, "PP-1", h.Reference)
	assert.Equal(t, "https://paypal.test/approve", h.RedirectURL)
	assert.True(t, h.RequiresAction)

	unit := f.createdUnit()
	assert.Equal(t, "52.13", unit.Amount.Value)
	assert.Equal(t, "EUR", unit.Amount.CurrencyCode)
	require.NotNil(t, unit.Amount.Breakdown)
	assert.Equal(t, "45.00", unit.Amount.Breakdown.ItemTotal.Value)
	assert.Equal(t, "2.23", unit.Amount.Breakdown.Handling.Value)
	assert.Nil(t, unit.Amount.Breakdown.Discount)
}

func TestPayPalCreatePaymentWithPointsDiscount(t *testing.T) {
	g, f := newTestPayPal(t)

	// points discount 10.00 outweighs the 1.87 network fee
	_, err := g.CreatePayment(context.Background(), models.PaymentRequest{
		StagingID:     "stg_paypal_1",
		Amount:        decimal.RequireFromString("41.87"),
		ItemsTotal:    decimal.RequireFromString("50.00"),
		FeeTotal:      decimal.RequireFromString("1.87"),
		DiscountTotal: decimal.RequireFromString("10.00"),
	})
	require.NoError(t, err)

	b := f.createdUnit().Amount.Breakdown
	require.NotNil(t, b)
	assert.Equal(t, "1.87", b.Handling.Value)
	require.NotNil(t, b.Discount)
	assert.Equal(t, "10.00", b.Discount.Value)

	// item_total + shipping + handling - discount == amount
	sum := decimal.RequireFromString(b.ItemTotal.Value).
		Add(decimal.RequireFromString(b.Shipping.Value)).
		Add(decimal.RequireFromString(b.Handling.Value)).
		Sub(decimal.RequireFromString(b.Discount.Value))
	assert.Equal(t, "41.87", sum.StringFixed(2))
}

func TestPayPalCaptureIsRepeatable(t *testing.T) {
	g, f := newTestPayPal(t)
	ctx := context.Background()

	snap, err := g.Capture(ctx, "PP-1")
	require.NoError(t, err)
	assert.True(t, snap.Captured())
	assert.Equal(t, "stg_paypal_1", snap.StagingID)
	assert.Equal(t, "52.13", snap.Amount.StringFixed(2))

	snap, err = g.Capture(ctx, "PP-1")
	require.NoError(t, err)
	assert.True(t, snap.Captured())
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokenCalls), "token is cached between calls")
}

func TestPayPalRetrieveNotFound(t *testing.T) {
	g, _ := newTestPayPal(t)

	_, err := g.Retrieve(context.Background(), "PP-404")
	assert.ErrorIs(t, err, interfaces.ErrPaymentNotFound)
}

func TestPayPalCaptureStatus(t *testing.T) {
	pending := &paypalOrder{Status: "COMPLETED", PurchaseUnits: []paypalPurchaseUnit{{}}}
	pending.PurchaseUnits[0].Payments = &struct {
		Captures []paypalCapture `json:"captures"`
	}{Captures: []paypalCapture{{Status: "PENDING"}}}
	assert.Equal(t, models.PaymentPending, paypalSnapshot(pending).Status)

	pending.PurchaseUnits[0].Payments.Captures[0].Status = "DECLINED"
	assert.Equal(t, models.PaymentFailed, paypalSnapshot(pending).Status)

	assert.Equal(t, models.PaymentPending, paypalSnapshot(&paypalOrder{Status: "APPROVED"}).Status)
	assert.Equal(t, models.PaymentCanceled, paypalSnapshot(&paypalOrder{Status: "VOIDED"}).Status)
}
