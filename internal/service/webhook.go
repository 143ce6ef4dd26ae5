package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

// HandleWebhook applies a verified provider event. The returned error is
// for logging only: the provider is acknowledged either way and the
// recovery path replays anything left unfinished.
func (r *Reconciler) HandleWebhook(ctx context.Context, event *models.WebhookEvent) error {
	snap := event.Payment
	log := telemetry.Logger.With(
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("payment_reference", snap.Reference),
		zap.String("staging_id", snap.StagingID),
		zap.String("rail", string(snap.Rail)),
		zap.String("source", string(models.SourceWebhook)),
	)

	outcome, err := r.applyWebhook(ctx, event, log)
	telemetry.WebhookEvents.WithLabelValues(string(event.Type), outcome).Inc()
	if err != nil {
		log.Error("Webhook processing failed", zap.String("outcome", outcome), zap.Error(err))
		return err
	}
	log.Info("Webhook processed", zap.String("outcome", outcome))
	return nil
}

func (r *Reconciler) applyWebhook(ctx context.Context, event *models.WebhookEvent, log *zap.Logger) (string, error) {
	snap := event.Payment

	switch event.Type {
	case models.EventPaymentSucceeded:
		// intents created by checkout sessions are handled by the session event
		if snap.Rail == models.RailRedirect {
			return "skipped", nil
		}
		if snap.LinkedOrderID != "" {
			telemetry.Duplicates.WithLabelValues("payment_metadata").Inc()
			return "duplicate", nil
		}
		if snap.PendingOrderID != "" {
			res, err := r.CompletePreCreated(ctx, PreCreatedRequest{
				Rail:             models.RailCard,
				OrderID:          snap.PendingOrderID,
				PaymentReference: snap.Reference,
				Snapshot:         &snap,
				Source:           models.SourceWebhook,
			})
			return resultOutcome(res, err), err
		}
		return r.materializeFromWebhook(ctx, models.RailCard, &snap, log)

	case models.EventSessionCompleted, models.EventSessionAsyncSucceeded:
		// delayed methods complete the session before the money moves
		if !snap.Captured() {
			return "unpaid", nil
		}
		return r.materializeFromWebhook(ctx, models.RailRedirect, &snap, log)

	case models.EventPaymentFailed:
		// the buyer may retry with another method on the same intent
		return "payment_failed", nil

	case models.EventSessionAsyncFailed, models.EventSessionExpired:
		if snap.StagingID == "" {
			return "ignored", nil
		}
		if err := r.Abandon(ctx, snap.StagingID, snap.Reference, models.SourceWebhook); err != nil {
			return "error", err
		}
		return "abandoned", nil
	}
	return "ignored", nil
}

func (r *Reconciler) materializeFromWebhook(ctx context.Context, rail models.Rail, snap *models.PaymentSnapshot, log *zap.Logger) (string, error) {
	res, err := r.Materialize(ctx, MaterializeRequest{
		Rail:             rail,
		PaymentReference: snap.Reference,
		Snapshot:         snap,
		Source:           models.SourceWebhook,
	})
	var e *Error
	if errors.As(err, &e) && e.Kind == KindStagingMissing && errors.Is(err, ErrNoDraftLinked) {
		// not a checkout this service staged
		log.Warn("No staged order for payment, nothing to reconcile")
		return "no_draft", nil
	}
	return resultOutcome(res, err), err
}

func resultOutcome(res *Result, err error) string {
	switch {
	case err != nil:
		return KindOf(err).String()
	case res.Pending:
		return "pending"
	case res.AlreadyExists:
		return "duplicate"
	default:
		return "materialized"
	}
}
