package interfaces

import (
	"context"
	"errors"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

var (
	ErrPaymentNotFound = errors.New("payment object not found")
	ErrOrderNotFound   = errors.New("order not found")
)

// OrderBackend is the backend-of-record that owns authoritative orders.
type OrderBackend interface {
	CreateOrder(ctx context.Context, draft models.OrderDraft) (*models.MaterializedOrder, error)
	GetOrder(ctx context.Context, orderID string) (*models.MaterializedOrder, error)
	UpdateOrder(ctx context.Context, orderID string, patch models.OrderPatch) (*models.MaterializedOrder, error)
	ListRecentOrders(ctx context.Context, filter models.RecentOrdersFilter) ([]models.MaterializedOrder, error)
}

// PaymentGateway is one payment rail's view of its provider.
type PaymentGateway interface {
	Rail() models.Rail
	CreatePayment(ctx context.Context, req models.PaymentRequest) (*models.PaymentHandle, error)
	Retrieve(ctx context.Context, reference string) (*models.PaymentSnapshot, error)
	// Stamp records the materialized order id on the payment object.
	Stamp(ctx context.Context, reference, orderID string) error
}

// Capturer is implemented by rails where the merchant captures an
// approved payment explicitly.
type Capturer interface {
	Capture(ctx context.Context, reference string) (*models.PaymentSnapshot, error)
}

// WebhookVerifier authenticates and decodes provider notifications.
type WebhookVerifier interface {
	ParseWebhook(payload []byte, signature string) (*models.WebhookEvent, error)
}

type LoyaltyLedger interface {
	DeductPoints(ctx context.Context, userID, points int64, orderID string) (*models.RedemptionResult, error)
}

// RedemptionQueue is the outbox for points deduction after materialization.
type RedemptionQueue interface {
	Enqueue(ctx context.Context, job models.RedemptionJob) error
}

// EventPublisher streams lifecycle transitions.
type EventPublisher interface {
	PublishLifecycle(ctx context.Context, event models.LifecycleEvent) error
}

// Notifier broadcasts and awaits materialization notices.
type Notifier interface {
	NotifyMaterialized(ctx context.Context, notice models.MaterializedNotice) error
	WaitMaterialized(ctx context.Context, paymentReference string) (*models.MaterializedNotice, error)
}
