package interfaces

import (
	"context"
	"errors"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

var (
	// ErrStagingNotFound is returned for absent and expired drafts alike.
	ErrStagingNotFound = errors.New("staged order not found")
	// ErrAlreadyCompleted is returned when a terminal transition already happened.
	ErrAlreadyCompleted = errors.New("staged order already completed")
)

// StagingStore defines the contract for order drafts awaiting payment confirmation
type StagingStore interface {
	GenerateID(rail models.Rail) string
	Set(ctx context.Context, id string, record *models.StagedOrderRecord) error
	Get(ctx context.Context, id string) (*models.StagedOrderRecord, error)
	SetPaymentIntentID(ctx context.Context, id, paymentReference string) error
	GetByPaymentIntent(ctx context.Context, paymentReference string) (*models.StagedOrderRecord, error)
	// GetCompletion resolves the completed-index for a payment reference.
	GetCompletion(ctx context.Context, paymentReference string) (*models.Completion, error)
	MarkCompleted(ctx context.Context, id string, completion models.Completion) error
	Delete(ctx context.Context, id string) error
	// Take atomically reads and deletes a draft for single-use ownership.
	Take(ctx context.Context, id string) (*models.StagedOrderRecord, error)
}

// Sweeper is implemented by stores that need explicit expiry.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}
