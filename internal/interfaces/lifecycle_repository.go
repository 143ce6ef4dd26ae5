package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

var ErrLifecycleNotFound = errors.New("payment lifecycle not found")

// LifecycleRepository defines the contract for payment lifecycle data access
type LifecycleRepository interface {
	InsertInitialState(ctx context.Context, stagingID string, rail models.Rail) error
	TransitionState(ctx context.Context, stagingID string, from, to models.PaymentState) (int64, error)
	AttachPaymentReference(ctx context.Context, stagingID, paymentReference string) error
	// Claim moves a claimable row (or one whose MATERIALIZING lease has
	// lapsed) into MATERIALIZING. It returns false when another caller
	// holds the claim or the row is terminal.
	Claim(ctx context.Context, stagingID, paymentReference string, lease time.Duration) (bool, error)
	MarkMaterialized(ctx context.Context, stagingID, orderID string) error
	ReleaseClaim(ctx context.Context, stagingID string) error
	GetByStagingID(ctx context.Context, stagingID string) (*models.LifecycleInfo, error)
	GetByPaymentReference(ctx context.Context, paymentReference string) (*models.LifecycleInfo, error)
	ExpireStale(ctx context.Context, olderThan time.Time) (int64, error)
}
