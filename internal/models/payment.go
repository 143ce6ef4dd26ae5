package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Rail identifies the payment path a checkout was initiated on.
type Rail string

const (
	RailCard     Rail = "card"
	RailRedirect Rail = "redirect"
	RailPayPal   Rail = "paypal"
)

func ParseRail(s string) (Rail, error) {
	switch r := Rail(s); r {
	case RailCard, RailRedirect, RailPayPal:
		return r, nil
	}
	return "", fmt.Errorf("unknown payment rail %q", s)
}

// Provider metadata keys on the external payment object.
const (
	ProviderMetaStagingID       = "staging_id"
	ProviderMetaOrderID         = "order_id"
	ProviderMetaPendingOrderID  = "pending_order_id"
	ProviderMetaCustomerID      = "customer_id"
	ProviderMetaMaterializedVia = "materialized_via"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentCaptured PaymentStatus = "captured"
	PaymentFailed   PaymentStatus = "failed"
	PaymentCanceled PaymentStatus = "canceled"
)

// PaymentSnapshot is a read-only view of the provider's payment object.
// Its Status is the only accepted evidence that the buyer paid.
type PaymentSnapshot struct {
	Rail           Rail
	Reference      string
	Status         PaymentStatus
	Amount         decimal.Decimal
	Currency       string
	StagingID      string
	LinkedOrderID  string
	PendingOrderID string
	Metadata       map[string]string
}

func (p *PaymentSnapshot) Captured() bool {
	return p.Status == PaymentCaptured
}

func (p *PaymentSnapshot) Failed() bool {
	return p.Status == PaymentFailed || p.Status == PaymentCanceled
}

// PaymentRequest asks a rail for a payment object sized to an order.
type PaymentRequest struct {
	StagingID     string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	CustomerID    int64
	CustomerEmail string
	ItemsTotal    decimal.Decimal
	ShippingTotal decimal.Decimal
	// FeeTotal holds surcharges only; discounts are carried positive in
	// DiscountTotal.
	FeeTotal       decimal.Decimal
	DiscountTotal  decimal.Decimal
	PendingOrderID string
}

// PaymentHandle is what the client needs to continue the payment.
type PaymentHandle struct {
	Reference      string
	ClientSecret   string
	RedirectURL    string
	RequiresAction bool
	Status         PaymentStatus
}

type WebhookEventType string

const (
	EventPaymentSucceeded      WebhookEventType = "payment_intent.succeeded"
	EventPaymentFailed         WebhookEventType = "payment_intent.payment_failed"
	EventSessionCompleted      WebhookEventType = "checkout.session.completed"
	EventSessionAsyncSucceeded WebhookEventType = "checkout.session.async_payment_succeeded"
	EventSessionAsyncFailed    WebhookEventType = "checkout.session.async_payment_failed"
	EventSessionExpired        WebhookEventType = "checkout.session.expired"
)

// WebhookEvent is a signature-verified provider notification.
type WebhookEvent struct {
	ID      string
	Type    WebhookEventType
	Payment PaymentSnapshot
}

// RedemptionJob is an outbox entry for loyalty points deduction.
type RedemptionJob struct {
	UserID           int64     `json:"user_id"`
	Points           int64     `json:"points"`
	OrderID          string    `json:"order_id"`
	StagingID        string    `json:"staging_id"`
	PaymentReference string    `json:"payment_reference"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
	Attempts         int       `json:"attempts,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

// RedemptionResult is the loyalty ledger's answer to a deduction.
type RedemptionResult struct {
	Success    bool  `json:"success"`
	NewBalance int64 `json:"new_balance"`
}

// MaterializedNotice is broadcast when an order has been created for a
// payment reference.
type MaterializedNotice struct {
	PaymentReference string          `json:"payment_reference"`
	StagingID        string          `json:"staging_id"`
	OrderID          string          `json:"order_id"`
	Source           ReconcileSource `json:"source"`
}
