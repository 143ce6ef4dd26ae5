package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/deposit"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/pricing"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

const (
	feeNamePayPal         = "PayPal fee"
	feeNamePointsDiscount = "Points discount"
)

// InitiateRequest starts a checkout on one rail. BuyerID comes from the
// authenticated session, never from the draft.
type InitiateRequest struct {
	Rail           models.Rail
	BuyerID        int64
	CustomerEmail  string
	Draft          models.OrderDraft
	PointsToRedeem int64
	PointsDiscount decimal.Decimal
	// PendingOrderID names an order the backend created before the charge.
	PendingOrderID string
	// ChargedTotal is set when the client already priced the fee in.
	ChargedTotal decimal.Decimal
}

type InitiateResult struct {
	StagingID        string          `json:"staging_id"`
	PaymentReference string          `json:"payment_reference"`
	ClientSecret     string          `json:"client_secret,omitempty"`
	RedirectURL      string          `json:"redirect_url,omitempty"`
	RequiresAction   bool            `json:"requires_action"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Fee              decimal.Decimal `json:"fee"`
	Total            decimal.Decimal `json:"total"`
}

// Initiate validates and stages the draft, then asks the rail for a
// payment object sized to it. Nothing is written before the deposit and
// points checks pass, and no payment is requested without a stored draft.
func (r *Reconciler) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	const op = "initiate"

	gw, err := r.gateway(op, req.Rail)
	if err != nil {
		return nil, err
	}
	if len(req.Draft.LineItems) == 0 {
		return nil, newError(KindValidation, op, errors.New("order has no line items"))
	}
	if req.PointsToRedeem < 0 || req.PointsDiscount.IsNegative() {
		return nil, newError(KindValidation, op, errors.New("points must not be negative"))
	}

	draft := req.Draft
	draft.CustomerID = req.BuyerID
	if draft.Currency == "" {
		draft.Currency = r.settings.Currency
	}

	decision := deposit.Validate(deposit.Input{
		BuyerID:                 req.BuyerID,
		HasInstallmentLineItems: draft.HasInstallmentLineItems(),
		Context:                 "initiate " + string(req.Rail),
	})
	if !decision.IsValid {
		return nil, &Error{Kind: KindAuthorization, Op: op, Err: errors.New(decision.ErrorMessage), Code: decision.ErrorCode}
	}
	if req.PointsToRedeem > 0 && req.BuyerID <= 0 {
		return nil, newError(KindAuthorization, op, ErrPointsRequireLogin)
	}

	if req.PointsToRedeem > 0 && req.PointsDiscount.IsPositive() {
		draft.FeeLines = append(draft.FeeLines, models.FeeLine{
			Name:  feeNamePointsDiscount,
			Total: req.PointsDiscount.Neg(),
		})
	}

	var fee decimal.Decimal
	if req.Rail == models.RailPayPal {
		draft, fee, err = r.applyPayPalFee(draft, req.ChargedTotal)
		if err != nil {
			return nil, newError(KindValidation, op, err)
		}
	}

	total := draft.Total()
	if !total.IsPositive() {
		return nil, newError(KindValidation, op, fmt.Errorf("order total %s must be positive", total.StringFixed(2)))
	}

	stagingID := r.store.GenerateID(req.Rail)
	log := telemetry.Logger.With(
		zap.String("staging_id", stagingID),
		zap.String("rail", string(req.Rail)),
		zap.String("source", string(models.SourceInitiation)),
	)

	record := &models.StagedOrderRecord{
		ID:             stagingID,
		Rail:           req.Rail,
		OrderPayload:   draft,
		PointsToRedeem: req.PointsToRedeem,
		PointsDiscount: req.PointsDiscount,
		Status:         models.StagingPending,
		CreatedAt:      r.now(),
	}
	if err := r.store.Set(ctx, stagingID, record); err != nil {
		log.Error("Failed to stage order draft", zap.Error(err))
		return nil, newError(KindInternal, op, fmt.Errorf("stage draft: %w", err))
	}
	if err := r.lifecycle.InsertInitialState(ctx, stagingID, req.Rail); err != nil {
		r.dropDraft(ctx, stagingID, log)
		log.Error("Failed to record lifecycle", zap.Error(err))
		return nil, newError(KindInternal, op, err)
	}

	handle, err := gw.CreatePayment(ctx, models.PaymentRequest{
		StagingID:      stagingID,
		Amount:         total,
		Currency:       draft.Currency,
		Description:    "Order " + stagingID,
		CustomerID:     req.BuyerID,
		CustomerEmail:  req.CustomerEmail,
		ItemsTotal:     draft.ItemsTotal(),
		ShippingTotal:  draft.ShippingTotal(),
		FeeTotal:       draft.SurchargeTotal(),
		DiscountTotal:  draft.DiscountTotal(),
		PendingOrderID: req.PendingOrderID,
	})
	if err != nil {
		r.dropDraft(ctx, stagingID, log)
		if _, terr := r.lifecycle.TransitionState(ctx, stagingID, models.StateInitiated, models.StateAbandoned); terr != nil {
			log.Error("Error abandoning lifecycle", zap.Error(terr))
		}
		log.Error("Payment creation failed, draft dropped", zap.Error(err))
		return nil, newError(KindInternal, op, fmt.Errorf("create payment: %w", err))
	}
	log = log.With(zap.String("payment_reference", handle.Reference))

	if err := r.store.SetPaymentIntentID(ctx, stagingID, handle.Reference); err != nil {
		log.Warn("Error linking payment reference to draft", zap.Error(err))
	}
	if err := r.lifecycle.AttachPaymentReference(ctx, stagingID, handle.Reference); err != nil {
		log.Warn("Error linking payment reference to lifecycle", zap.Error(err))
	}
	r.publish(ctx, models.LifecycleEvent{
		StagingID:        stagingID,
		PaymentReference: handle.Reference,
		Rail:             req.Rail,
		State:            models.StateAwaitingConfirmation,
		PreviousState:    models.StateInitiated,
		Source:           models.SourceInitiation,
	})

	log.Info("Payment initiated", zap.String("total", total.StringFixed(2)))
	return &InitiateResult{
		StagingID:        stagingID,
		PaymentReference: handle.Reference,
		ClientSecret:     handle.ClientSecret,
		RedirectURL:      handle.RedirectURL,
		RequiresAction:   handle.RequiresAction,
		Subtotal:         draft.ItemsTotal(),
		Fee:              fee,
		Total:            total,
	}, nil
}

// applyPayPalFee adds the network fee as a fee line. When the client sent
// a fee-inclusive total, the product subtotal is recovered from it and the
// line items are adjusted so the order sums to the charge exactly.
func (r *Reconciler) applyPayPalFee(draft models.OrderDraft, charged decimal.Decimal) (models.OrderDraft, decimal.Decimal, error) {
	fees := r.settings.PayPalFees
	shipping := draft.ShippingTotal()
	// fee lines other than the network fee, e.g. a points discount
	adjust := draft.FeesTotal()

	if !charged.IsPositive() {
		base := draft.ItemsTotal().Add(adjust)
		gross := fees.Gross(base, shipping)
		fee := gross.Sub(base).Sub(shipping)
		draft.FeeLines = append(draft.FeeLines, models.FeeLine{Name: feeNamePayPal, Total: fee})
		return draft, fee, nil
	}

	b, err := fees.Split(charged, shipping)
	if err != nil {
		return draft, decimal.Zero, err
	}
	// the derived subtotal is net of other fee lines
	items, err := pricing.ReconcileLineItems(draft.LineItems, b.Subtotal.Sub(adjust), r.settings.AmountTolerance)
	if err != nil {
		return draft, decimal.Zero, err
	}
	draft.LineItems = items
	draft.FeeLines = append(draft.FeeLines, models.FeeLine{Name: feeNamePayPal, Total: b.Fee})
	return draft, b.Fee, nil
}

func (r *Reconciler) dropDraft(ctx context.Context, stagingID string, log *zap.Logger) {
	if err := r.store.Delete(ctx, stagingID); err != nil && !errors.Is(err, interfaces.ErrStagingNotFound) {
		log.Error("Error dropping orphaned draft", zap.Error(err))
	}
}
