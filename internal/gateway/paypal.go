package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

// PayPalGateway is the independent payment network rail. The network order
// id is the payment reference and custom_id carries the staging id.
type PayPalGateway struct {
	baseURL  string
	http     *http.Client
	currency string
}

func NewPayPalGateway(ctx context.Context, baseURL, clientID, clientSecret, currency string) *PayPalGateway {
	baseURL = strings.TrimRight(baseURL, "/")
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     baseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return &PayPalGateway{
		baseURL:  baseURL,
		http:     cc.Client(ctx),
		currency: strings.ToUpper(currency),
	}
}

func (g *PayPalGateway) Rail() models.Rail { return models.RailPayPal }

type paypalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalBreakdown struct {
	ItemTotal *paypalMoney `json:"item_total,omitempty"`
	Shipping  *paypalMoney `json:"shipping,omitempty"`
	Handling  *paypalMoney `json:"handling,omitempty"`
	Discount  *paypalMoney `json:"discount,omitempty"`
}

type paypalAmount struct {
	paypalMoney
	Breakdown *paypalBreakdown `json:"breakdown,omitempty"`
}

type paypalCapture struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Amount paypalMoney `json:"amount"`
}

type paypalPurchaseUnit struct {
	ReferenceID string       `json:"reference_id,omitempty"`
	CustomID    string       `json:"custom_id,omitempty"`
	InvoiceID   string       `json:"invoice_id,omitempty"`
	Description string       `json:"description,omitempty"`
	Amount      paypalAmount `json:"amount"`
	Payments    *struct {
		Captures []paypalCapture `json:"captures"`
	} `json:"payments,omitempty"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalOrder struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
	Links         []paypalLink         `json:"links"`
}

type paypalErrorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

type paypalError struct {
	status int
	body   paypalErrorBody
}

func (e *paypalError) Error() string {
	return fmt.Sprintf("paypal %d %s: %s", e.status, e.body.Name, e.body.Message)
}

func (e *paypalError) hasIssue(issue string) bool {
	for _, d := range e.body.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

func (g *PayPalGateway) money(v decimal.Decimal) *paypalMoney {
	return &paypalMoney{CurrencyCode: g.currency, Value: v.StringFixed(2)}
}

func (g *PayPalGateway) CreatePayment(ctx context.Context, req models.PaymentRequest) (*models.PaymentHandle, error) {
	unit := paypalPurchaseUnit{
		ReferenceID: "default",
		CustomID:    req.StagingID,
		InvoiceID:   req.StagingID,
		Description: req.Description,
		Amount:      paypalAmount{paypalMoney: *g.money(req.Amount)},
	}
	if !req.ItemsTotal.IsZero() {
		unit.Amount.Breakdown = &paypalBreakdown{
			ItemTotal: g.money(req.ItemsTotal),
			Shipping:  g.money(req.ShippingTotal),
			Handling:  g.money(req.FeeTotal),
		}
		// breakdown amounts must be non-negative
		if req.DiscountTotal.IsPositive() {
			unit.Amount.Breakdown.Discount = g.money(req.DiscountTotal)
		}
	}
	body := map[string]any{
		"intent":         "CAPTURE",
		"purchase_units": []paypalPurchaseUnit{unit},
	}

	var order paypalOrder
	if err := g.do(ctx, http.MethodPost, "/v2/checkout/orders", "create-"+req.StagingID, body, &order); err != nil {
		return nil, fmt.Errorf("create paypal order: %w", err)
	}

	handle := &models.PaymentHandle{Reference: order.ID, Status: models.PaymentPending}
	for _, l := range order.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			handle.RedirectURL = l.Href
			handle.RequiresAction = true
		}
	}
	return handle, nil
}

func (g *PayPalGateway) Retrieve(ctx context.Context, reference string) (*models.PaymentSnapshot, error) {
	var order paypalOrder
	if err := g.do(ctx, http.MethodGet, "/v2/checkout/orders/"+reference, "", nil, &order); err != nil {
		return nil, g.wrap("retrieve paypal order", reference, err)
	}
	return paypalSnapshot(&order), nil
}

// Capture captures an approved order. Capturing twice resolves to the
// existing capture.
func (g *PayPalGateway) Capture(ctx context.Context, reference string) (*models.PaymentSnapshot, error) {
	var order paypalOrder
	err := g.do(ctx, http.MethodPost, "/v2/checkout/orders/"+reference+"/capture", "capture-"+reference, struct{}{}, &order)
	var perr *paypalError
	if errors.As(err, &perr) && perr.hasIssue("ORDER_ALREADY_CAPTURED") {
		return g.Retrieve(ctx, reference)
	}
	if err != nil {
		return nil, g.wrap("capture paypal order", reference, err)
	}
	return paypalSnapshot(&order), nil
}

// Stamp is a no-op: network orders cannot be patched after capture, so this
// rail relies on the completion index and the recent-orders scan.
func (g *PayPalGateway) Stamp(ctx context.Context, reference, orderID string) error {
	return nil
}

func (g *PayPalGateway) wrap(op, reference string, err error) error {
	var perr *paypalError
	if errors.As(err, &perr) && perr.status == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", op, reference, interfaces.ErrPaymentNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, reference, err)
}

func (g *PayPalGateway) do(ctx context.Context, method, path, requestID string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		perr := &paypalError{status: resp.StatusCode}
		_ = json.Unmarshal(data, &perr.body)
		return perr
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func paypalSnapshot(order *paypalOrder) *models.PaymentSnapshot {
	snap := &models.PaymentSnapshot{
		Rail:      models.RailPayPal,
		Reference: order.ID,
		Status:    models.PaymentPending,
	}
	if len(order.PurchaseUnits) > 0 {
		pu := order.PurchaseUnits[0]
		snap.StagingID = pu.CustomID
		snap.Currency = pu.Amount.CurrencyCode
		if v, err := decimal.NewFromString(pu.Amount.Value); err == nil {
			snap.Amount = v
		}
	}

	switch order.Status {
	case "COMPLETED":
		snap.Status = captureStatus(order)
	case "VOIDED":
		snap.Status = models.PaymentCanceled
	}
	return snap
}

// captureStatus inspects captures: a completed order may still hold a
// pending or declined capture.
func captureStatus(order *paypalOrder) models.PaymentStatus {
	if len(order.PurchaseUnits) == 0 || order.PurchaseUnits[0].Payments == nil {
		return models.PaymentCaptured
	}
	captures := order.PurchaseUnits[0].Payments.Captures
	if len(captures) == 0 {
		return models.PaymentCaptured
	}
	status := models.PaymentPending
	for _, c := range captures {
		switch c.Status {
		case "COMPLETED":
			return models.PaymentCaptured
		case "DECLINED", "FAILED":
			status = models.PaymentFailed
		}
	}
	return status
}
