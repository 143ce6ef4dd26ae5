package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

// Status answers the client-side completion poll. It resolves an existing
// order, materializes one when the payment is captured but no path has yet,
// or reports Pending. With wait > 0 a pending answer first waits for a
// materialized notice.
func (r *Reconciler) Status(ctx context.Context, rail models.Rail, paymentReference string, wait time.Duration) (*Result, error) {
	res, err := r.status(ctx, rail, paymentReference)
	if err != nil || !res.Pending || wait <= 0 || r.notifier == nil {
		return res, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	notice, err := r.notifier.WaitMaterialized(waitCtx, paymentReference)
	if err == nil && notice.OrderID != "" {
		return &Result{
			OrderID:          notice.OrderID,
			StagingID:        notice.StagingID,
			PaymentReference: paymentReference,
			AlreadyExists:    true,
		}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return r.status(ctx, rail, paymentReference)
}

func (r *Reconciler) status(ctx context.Context, rail models.Rail, paymentReference string) (*Result, error) {
	const op = "status"
	if paymentReference == "" {
		return nil, newError(KindValidation, op, errors.New("payment reference is required"))
	}
	gw, err := r.gateway(op, rail)
	if err != nil {
		return nil, err
	}
	log := telemetry.Logger.With(
		zap.String("payment_reference", paymentReference),
		zap.String("rail", string(rail)),
		zap.String("source", string(models.SourceFallback)),
	)

	if c, err := r.store.GetCompletion(ctx, paymentReference); err == nil && c.FinalOrderID != "" {
		telemetry.Duplicates.WithLabelValues("completion_index").Inc()
		return &Result{OrderID: c.FinalOrderID, PaymentReference: paymentReference, AlreadyExists: true}, nil
	}

	snap, err := gw.Retrieve(ctx, paymentReference)
	if errors.Is(err, interfaces.ErrPaymentNotFound) {
		return nil, newError(KindValidation, op, err)
	}
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	if snap.LinkedOrderID != "" {
		telemetry.Duplicates.WithLabelValues("payment_metadata").Inc()
		return &Result{OrderID: snap.LinkedOrderID, StagingID: snap.StagingID, PaymentReference: paymentReference, AlreadyExists: true}, nil
	}
	if snap.Failed() {
		return nil, newError(KindUpstreamVerification, op, fmt.Errorf("%w: %s", ErrPaymentFailed, snap.Status))
	}
	if !snap.Captured() {
		log.Debug("Payment not captured yet", zap.String("status", string(snap.Status)))
		return &Result{StagingID: snap.StagingID, PaymentReference: paymentReference, Pending: true}, nil
	}
	if snap.PendingOrderID != "" {
		return r.CompletePreCreated(ctx, PreCreatedRequest{
			Rail:             rail,
			OrderID:          snap.PendingOrderID,
			PaymentReference: paymentReference,
			Snapshot:         snap,
			Source:           models.SourceFallback,
		})
	}

	return r.Materialize(ctx, MaterializeRequest{
		Rail:             rail,
		PaymentReference: paymentReference,
		Snapshot:         snap,
		Source:           models.SourceFallback,
	})
}

// Capture captures an approved payment on rails that need an explicit
// capture, then materializes its order.
func (r *Reconciler) Capture(ctx context.Context, rail models.Rail, paymentReference string) (*Result, error) {
	const op = "capture"
	if paymentReference == "" {
		return nil, newError(KindValidation, op, errors.New("payment reference is required"))
	}
	gw, err := r.gateway(op, rail)
	if err != nil {
		return nil, err
	}
	capturer, ok := gw.(interfaces.Capturer)
	if !ok {
		return nil, newError(KindValidation, op, fmt.Errorf("rail %s does not support explicit capture", rail))
	}

	if c, err := r.store.GetCompletion(ctx, paymentReference); err == nil && c.FinalOrderID != "" {
		telemetry.Duplicates.WithLabelValues("completion_index").Inc()
		return &Result{OrderID: c.FinalOrderID, PaymentReference: paymentReference, AlreadyExists: true}, nil
	}

	snap, err := capturer.Capture(ctx, paymentReference)
	if errors.Is(err, interfaces.ErrPaymentNotFound) {
		return nil, newError(KindValidation, op, err)
	}
	if err != nil {
		return nil, newError(KindUpstreamVerification, op, err)
	}
	return r.Materialize(ctx, MaterializeRequest{
		Rail:             rail,
		PaymentReference: paymentReference,
		Snapshot:         snap,
		Source:           models.SourceCapture,
	})
}

// PreCreatedRequest finalizes an order the backend created before the
// charge was confirmed.
type PreCreatedRequest struct {
	Rail             models.Rail
	OrderID          string
	PaymentReference string
	Snapshot         *models.PaymentSnapshot
	Source           models.ReconcileSource
}

// CompletePreCreated marks a pre-created order paid once the payment is
// verified captured and stamps the payment with it.
func (r *Reconciler) CompletePreCreated(ctx context.Context, req PreCreatedRequest) (*Result, error) {
	const op = "complete"
	if req.OrderID == "" || req.PaymentReference == "" {
		return nil, newError(KindValidation, op, errors.New("order id and payment reference are required"))
	}
	gw, err := r.gateway(op, req.Rail)
	if err != nil {
		return nil, err
	}

	return r.shared(ctx, string(req.Rail)+":"+req.PaymentReference, func(ctx context.Context) (*Result, error) {
		return r.completePreCreated(ctx, op, gw, req)
	})
}

func (r *Reconciler) completePreCreated(ctx context.Context, op string, gw interfaces.PaymentGateway, req PreCreatedRequest) (*Result, error) {
	log := telemetry.Logger.With(
		zap.String("payment_reference", req.PaymentReference),
		zap.String("order_id", req.OrderID),
		zap.String("rail", string(req.Rail)),
		zap.String("source", string(req.Source)),
	)
	res := &Result{OrderID: req.OrderID, PaymentReference: req.PaymentReference}

	snap := req.Snapshot
	if snap == nil {
		var err error
		snap, err = gw.Retrieve(ctx, req.PaymentReference)
		if errors.Is(err, interfaces.ErrPaymentNotFound) {
			return nil, newError(KindUpstreamVerification, op, err)
		}
		if err != nil {
			return nil, newError(KindInternal, op, err)
		}
	}
	if snap.LinkedOrderID != "" {
		if snap.LinkedOrderID != req.OrderID {
			return nil, newError(KindUpstreamVerification, op, ErrOrderMismatch)
		}
		return r.duplicate(log, res, snap.LinkedOrderID, "payment_metadata"), nil
	}
	// the payment must have been created for this very order
	if snap.PendingOrderID != req.OrderID {
		log.Warn("Payment was not created for this order", zap.String("pending_order_id", snap.PendingOrderID))
		return nil, newError(KindUpstreamVerification, op, ErrOrderMismatch)
	}
	if !snap.Captured() {
		return nil, newError(KindUpstreamVerification, op, ErrPaymentNotCaptured)
	}

	order, err := r.backend.GetOrder(ctx, req.OrderID)
	if errors.Is(err, interfaces.ErrOrderNotFound) {
		return nil, newError(KindValidation, op, err)
	}
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	if snap.Amount.Sub(order.Total).Abs().GreaterThan(r.settings.AmountTolerance) {
		log.Error("Captured amount does not match pre-created order",
			zap.String("captured", snap.Amount.StringFixed(2)),
			zap.String("order_total", order.Total.StringFixed(2)),
		)
		return nil, newError(KindUpstreamVerification, op,
			fmt.Errorf("%w: captured %s, order %s", ErrAmountMismatch, snap.Amount.StringFixed(2), order.Total.StringFixed(2)))
	}

	_, err = r.backend.UpdateOrder(ctx, req.OrderID, models.OrderPatch{
		Status:        "processing",
		SetPaid:       true,
		TransactionID: req.PaymentReference,
		MetaData: []models.MetaData{
			{Key: models.MetaPaymentReference, Value: req.PaymentReference},
			{Key: models.MetaPaymentRail, Value: string(req.Rail)},
		},
	})
	if err != nil {
		log.Error("Payment captured but order update failed", zap.Error(err))
		return nil, newError(KindDownstreamCreation, op, err)
	}
	if err := gw.Stamp(ctx, req.PaymentReference, req.OrderID); err != nil {
		log.Error("Error stamping payment with order id", zap.Error(err))
	}
	r.notify(ctx, models.MaterializedNotice{
		PaymentReference: req.PaymentReference,
		StagingID:        snap.StagingID,
		OrderID:          req.OrderID,
		Source:           models.SourcePreCreated,
	}, log)
	telemetry.Materializations.WithLabelValues(string(req.Rail), string(models.SourcePreCreated), "completed").Inc()
	log.Info("Pre-created order marked paid")
	return res, nil
}
