package service

import (
	"context"
	"errors"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

// Recover re-verifies the payment directly with the provider and runs the
// shared materialization for an operator or sweep. Repeated calls with the
// same inputs return the same order.
func (r *Reconciler) Recover(ctx context.Context, rail models.Rail, stagingID, paymentReference string) (*Result, error) {
	if stagingID == "" || paymentReference == "" {
		return nil, newError(KindValidation, "recover", errors.New("staging id and payment reference are required"))
	}
	return r.Materialize(ctx, MaterializeRequest{
		Rail:             rail,
		PaymentReference: paymentReference,
		StagingID:        stagingID,
		Source:           models.SourceRecovery,
	})
}
