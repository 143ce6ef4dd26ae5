package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/deposit"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/pricing"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

// Dependencies wires the reconciler to its collaborators. Redemptions,
// Publisher and Notifier may be nil.
type Dependencies struct {
	Store       interfaces.StagingStore
	Lifecycle   interfaces.LifecycleRepository
	Backend     interfaces.OrderBackend
	Gateways    []interfaces.PaymentGateway
	Redemptions interfaces.RedemptionQueue
	Publisher   interfaces.EventPublisher
	Notifier    interfaces.Notifier
}

type Settings struct {
	Currency           string
	ClaimLease         time.Duration
	RecentOrdersWindow time.Duration
	// AmountTolerance is the accepted gap between captured and staged totals.
	AmountTolerance decimal.Decimal
	PayPalFees      pricing.FeeSchedule
	// AttemptTimeout bounds one shared reconciliation attempt. The attempt
	// outlives the caller that started it.
	AttemptTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Currency:           "eur",
		ClaimLease:         2 * time.Minute,
		RecentOrdersWindow: 2 * time.Hour,
		AmountTolerance:    decimal.New(1, -2),
		AttemptTimeout:     time.Minute,
		PayPalFees: pricing.FeeSchedule{
			Multiplier: decimal.RequireFromString("1.0349"),
			Fixed:      decimal.RequireFromString("0.49"),
		},
	}
}

// Result is the outcome of a reconciliation attempt. AlreadyExists marks an
// idempotency hit; Pending means payment is confirmed but another path is
// still materializing.
type Result struct {
	OrderID          string `json:"order_id,omitempty"`
	StagingID        string `json:"staging_id,omitempty"`
	PaymentReference string `json:"payment_reference"`
	AlreadyExists    bool   `json:"already_exists"`
	Pending          bool   `json:"pending,omitempty"`
}

func (r *Result) Ready() bool {
	return r.OrderID != "" && !r.Pending
}

// MaterializeRequest drives the shared transition. Snapshot is trusted only
// when it came from a signature-verified event or a direct provider call;
// when nil the payment is retrieved.
type MaterializeRequest struct {
	Rail             models.Rail
	PaymentReference string
	StagingID        string
	Snapshot         *models.PaymentSnapshot
	Source           models.ReconcileSource
}

// Reconciler owns the single materialization transition shared by the
// webhook, fallback, capture and recovery entry points.
type Reconciler struct {
	store       interfaces.StagingStore
	lifecycle   interfaces.LifecycleRepository
	backend     interfaces.OrderBackend
	gateways    map[models.Rail]interfaces.PaymentGateway
	redemptions interfaces.RedemptionQueue
	publisher   interfaces.EventPublisher
	notifier    interfaces.Notifier
	settings    Settings

	group singleflight.Group
	now   func() time.Time
}

func NewReconciler(deps Dependencies, settings Settings) *Reconciler {
	gateways := make(map[models.Rail]interfaces.PaymentGateway, len(deps.Gateways))
	for _, g := range deps.Gateways {
		gateways[g.Rail()] = g
	}
	return &Reconciler{
		store:       deps.Store,
		lifecycle:   deps.Lifecycle,
		backend:     deps.Backend,
		gateways:    gateways,
		redemptions: deps.Redemptions,
		publisher:   deps.Publisher,
		notifier:    deps.Notifier,
		settings:    settings,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) gateway(op string, rail models.Rail) (interfaces.PaymentGateway, error) {
	g, ok := r.gateways[rail]
	if !ok {
		return nil, newError(KindValidation, op, fmt.Errorf("%w: %q", ErrUnsupportedRail, rail))
	}
	return g, nil
}

// Rails lists the configured payment rails.
func (r *Reconciler) Rails() []models.Rail {
	rails := make([]models.Rail, 0, len(r.gateways))
	for rail := range r.gateways {
		rails = append(rails, rail)
	}
	return rails
}

// Materialize creates the order for a captured payment at most once.
// Concurrent calls for the same payment inside this process share one
// attempt; across processes the lifecycle claim decides.
func (r *Reconciler) Materialize(ctx context.Context, req MaterializeRequest) (*Result, error) {
	if req.PaymentReference == "" {
		return nil, newError(KindValidation, "materialize", errors.New("payment reference is required"))
	}
	start := time.Now()
	res, err := r.shared(ctx, string(req.Rail)+":"+req.PaymentReference, func(ctx context.Context) (*Result, error) {
		return r.materialize(ctx, req)
	})
	telemetry.MaterializeDuration.Observe(time.Since(start).Seconds())

	outcome := "created"
	switch {
	case err != nil:
		outcome = KindOf(err).String()
	case res.Pending:
		outcome = "pending"
	case res.AlreadyExists:
		outcome = "duplicate"
	}
	telemetry.Materializations.WithLabelValues(string(req.Rail), string(req.Source), outcome).Inc()
	return res, err
}

// shared runs fn once per key among concurrent callers in this process.
// fn runs detached from any single caller; a caller whose ctx ends stops
// waiting while the attempt carries on for the others.
func (r *Reconciler) shared(ctx context.Context, key string, fn func(context.Context) (*Result, error)) (*Result, error) {
	timeout := r.settings.AttemptTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ch := r.group.DoChan(key, func() (interface{}, error) {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return fn(attemptCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		res := *out.Val.(*Result)
		return &res, nil
	}
}

func (r *Reconciler) materialize(ctx context.Context, req MaterializeRequest) (*Result, error) {
	const op = "materialize"

	ctx, span := telemetry.Tracer.Start(ctx, "reconcile.materialize")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.reference", req.PaymentReference),
		attribute.String("payment.rail", string(req.Rail)),
		attribute.String("reconcile.source", string(req.Source)),
	)

	log := telemetry.Logger.With(
		zap.String("payment_reference", req.PaymentReference),
		zap.String("rail", string(req.Rail)),
		zap.String("source", string(req.Source)),
	)

	res, err := r.runMaterialize(ctx, op, req, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("order.id", res.OrderID),
		attribute.Bool("order.already_exists", res.AlreadyExists),
	)
	return res, nil
}

func (r *Reconciler) runMaterialize(ctx context.Context, op string, req MaterializeRequest, log *zap.Logger) (*Result, error) {
	gw, err := r.gateway(op, req.Rail)
	if err != nil {
		return nil, err
	}

	snap, err := r.verifiedSnapshot(ctx, op, gw, req)
	if err != nil {
		return nil, err
	}

	stagingID := req.StagingID
	if stagingID == "" {
		stagingID = snap.StagingID
	}
	log = log.With(zap.String("staging_id", stagingID))
	res := &Result{PaymentReference: req.PaymentReference, StagingID: stagingID}

	// layer 1: the payment object already names its order
	if snap.LinkedOrderID != "" {
		return r.duplicate(log, res, snap.LinkedOrderID, "payment_metadata"), nil
	}

	if stagingID == "" {
		if rec, err := r.store.GetByPaymentIntent(ctx, req.PaymentReference); err == nil {
			stagingID = rec.ID
			res.StagingID = stagingID
			log = log.With(zap.String("staging_id", stagingID))
		}
	}

	// layer 2: completion index and lifecycle row
	if c, err := r.store.GetCompletion(ctx, req.PaymentReference); err == nil && c.FinalOrderID != "" {
		return r.duplicate(log, res, c.FinalOrderID, "completion_index"), nil
	}
	if info, err := r.lifecycle.GetByPaymentReference(ctx, req.PaymentReference); err == nil &&
		info.State == models.StateMaterialized && info.OrderID != "" {
		return r.duplicate(log, res, info.OrderID, "lifecycle"), nil
	}

	// layer 3: recently created orders carrying the reference
	if order := r.findRecentOrder(ctx, req.PaymentReference, log); order != nil {
		r.repairStamp(ctx, gw, stagingID, req.PaymentReference, order.ID, log)
		return r.duplicate(log, res, order.ID, "recent_orders"), nil
	}

	if stagingID == "" {
		log.Error("Captured payment has no staged order, manual reconciliation required")
		return nil, newError(KindStagingMissing, op, ErrNoDraftLinked)
	}

	rec, err := r.store.Get(ctx, stagingID)
	if errors.Is(err, interfaces.ErrStagingNotFound) {
		log.Error("Staged order missing or expired, manual reconciliation required")
		return nil, newError(KindStagingMissing, op, fmt.Errorf("staging %s: %w", stagingID, err))
	}
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	if rec.Completed() && rec.FinalOrderID != "" {
		return r.duplicate(log, res, rec.FinalOrderID, "staging_record"), nil
	}

	draft := rec.OrderPayload
	decision := deposit.Validate(deposit.Input{
		BuyerID:                 draft.CustomerID,
		HasInstallmentLineItems: draft.HasInstallmentLineItems(),
		Context:                 string(req.Source),
	})
	if !decision.IsValid {
		log.Warn("Deposit order staged without buyer identity", zap.String("error_code", decision.ErrorCode))
		return nil, &Error{Kind: KindAuthorization, Op: op, Err: errors.New(decision.ErrorMessage), Code: decision.ErrorCode}
	}

	expected := draft.Total()
	if snap.Amount.Sub(expected).Abs().GreaterThan(r.settings.AmountTolerance) {
		log.Error("Captured amount does not match staged order",
			zap.String("captured", snap.Amount.StringFixed(2)),
			zap.String("expected", expected.StringFixed(2)),
		)
		return nil, newError(KindUpstreamVerification, op,
			fmt.Errorf("%w: captured %s, staged %s", ErrAmountMismatch, snap.Amount.StringFixed(2), expected.StringFixed(2)))
	}

	if err := r.lifecycle.InsertInitialState(ctx, stagingID, rec.Rail); err != nil {
		return nil, newError(KindInternal, op, err)
	}
	claimed, err := r.lifecycle.Claim(ctx, stagingID, req.PaymentReference, r.settings.ClaimLease)
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	if !claimed {
		return r.claimLost(ctx, op, res, log)
	}

	// a lapsed claim may belong to a holder that created the order but never
	// recorded it
	if c, err := r.store.GetCompletion(ctx, req.PaymentReference); err == nil && c.FinalOrderID != "" {
		_ = r.lifecycle.MarkMaterialized(ctx, stagingID, c.FinalOrderID)
		return r.duplicate(log, res, c.FinalOrderID, "completion_index"), nil
	}

	draft = draft.
		WithMeta(models.MetaPaymentReference, req.PaymentReference).
		WithMeta(models.MetaStagingID, stagingID).
		WithMeta(models.MetaPaymentRail, string(req.Rail))
	if rec.PointsToRedeem > 0 {
		draft = draft.WithMeta(models.MetaPointsRedeemed, strconv.FormatInt(rec.PointsToRedeem, 10))
	}

	order, err := r.backend.CreateOrder(ctx, draft)
	if err != nil {
		if rerr := r.lifecycle.ReleaseClaim(ctx, stagingID); rerr != nil {
			log.Error("Error releasing claim", zap.Error(rerr))
		}
		log.Error("Payment captured but order creation failed", zap.Error(err))
		return nil, newError(KindDownstreamCreation, op, err)
	}
	log = log.With(zap.String("order_id", order.ID))

	// stamp before anything else so competing paths see it
	if err := gw.Stamp(ctx, req.PaymentReference, order.ID); err != nil {
		log.Error("Error stamping payment with order id", zap.Error(err))
	}
	err = r.store.MarkCompleted(ctx, stagingID, models.Completion{
		FinalOrderID:     order.ID,
		PaymentReference: req.PaymentReference,
	})
	if err != nil && !errors.Is(err, interfaces.ErrAlreadyCompleted) {
		log.Error("Error marking staged order completed", zap.Error(err))
	}
	if err := r.lifecycle.MarkMaterialized(ctx, stagingID, order.ID); err != nil {
		log.Error("Error recording materialized state", zap.Error(err))
	}

	r.publish(ctx, models.LifecycleEvent{
		StagingID:        stagingID,
		PaymentReference: req.PaymentReference,
		Rail:             req.Rail,
		State:            models.StateMaterialized,
		PreviousState:    models.StateMaterializing,
		OrderID:          order.ID,
		Source:           req.Source,
	})
	r.notify(ctx, models.MaterializedNotice{
		PaymentReference: req.PaymentReference,
		StagingID:        stagingID,
		OrderID:          order.ID,
		Source:           req.Source,
	}, log)
	r.redeemPoints(ctx, rec, order.ID, req.PaymentReference, log)

	log.Info("Order materialized", zap.String("total", order.Total.StringFixed(2)))
	res.OrderID = order.ID
	return res, nil
}

// verifiedSnapshot returns a captured snapshot that belongs to the
// requested staging id.
func (r *Reconciler) verifiedSnapshot(ctx context.Context, op string, gw interfaces.PaymentGateway, req MaterializeRequest) (*models.PaymentSnapshot, error) {
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
	if snap.Reference != "" && snap.Reference != req.PaymentReference {
		return nil, newError(KindUpstreamVerification, op,
			fmt.Errorf("snapshot %s does not match payment %s", snap.Reference, req.PaymentReference))
	}
	if req.StagingID != "" && snap.StagingID != "" && req.StagingID != snap.StagingID {
		return nil, newError(KindUpstreamVerification, op, ErrStagingMismatch)
	}
	if snap.Failed() {
		return nil, newError(KindUpstreamVerification, op, ErrPaymentFailed)
	}
	if !snap.Captured() {
		return nil, newError(KindUpstreamVerification, op, ErrPaymentNotCaptured)
	}
	return snap, nil
}

func (r *Reconciler) claimLost(ctx context.Context, op string, res *Result, log *zap.Logger) (*Result, error) {
	info, err := r.lifecycle.GetByStagingID(ctx, res.StagingID)
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	switch info.State {
	case models.StateMaterialized:
		return r.duplicate(log, res, info.OrderID, "lifecycle"), nil
	case models.StateMaterializing:
		log.Info("Another path is materializing this payment")
		res.Pending = true
		return res, nil
	default:
		log.Error("Captured payment for a closed checkout, manual reconciliation required",
			zap.String("state", string(info.State)))
		return nil, newError(KindStagingMissing, op, fmt.Errorf("%w: %s", ErrCheckoutClosed, info.State))
	}
}

func (r *Reconciler) duplicate(log *zap.Logger, res *Result, orderID, layer string) *Result {
	telemetry.Duplicates.WithLabelValues(layer).Inc()
	log.Info("Order already materialized", zap.String("order_id", orderID), zap.String("layer", layer))
	res.OrderID = orderID
	res.AlreadyExists = true
	return res
}

func (r *Reconciler) findRecentOrder(ctx context.Context, paymentReference string, log *zap.Logger) *models.MaterializedOrder {
	orders, err := r.backend.ListRecentOrders(ctx, models.RecentOrdersFilter{
		After: r.now().Add(-r.settings.RecentOrdersWindow),
		Limit: 100,
	})
	if err != nil {
		log.Warn("Recent orders scan failed", zap.Error(err))
		return nil
	}
	for i := range orders {
		if orders[i].PaymentReference() == paymentReference {
			return &orders[i]
		}
	}
	return nil
}

// repairStamp writes the markers a crashed materialization left out.
func (r *Reconciler) repairStamp(ctx context.Context, gw interfaces.PaymentGateway, stagingID, paymentReference, orderID string, log *zap.Logger) {
	if err := gw.Stamp(ctx, paymentReference, orderID); err != nil {
		log.Warn("Error repairing payment stamp", zap.Error(err))
	}
	if stagingID == "" {
		return
	}
	err := r.store.MarkCompleted(ctx, stagingID, models.Completion{FinalOrderID: orderID, PaymentReference: paymentReference})
	if err != nil && !errors.Is(err, interfaces.ErrAlreadyCompleted) {
		log.Warn("Error repairing completion index", zap.Error(err))
	}
}

// redeemPoints hands the deduction to the outbox without blocking the
// caller.
func (r *Reconciler) redeemPoints(ctx context.Context, rec *models.StagedOrderRecord, orderID, paymentReference string, log *zap.Logger) {
	userID := rec.OrderPayload.CustomerID
	if r.redemptions == nil || rec.PointsToRedeem <= 0 || userID <= 0 {
		return
	}
	job := models.RedemptionJob{
		UserID:           userID,
		Points:           rec.PointsToRedeem,
		OrderID:          orderID,
		StagingID:        rec.ID,
		PaymentReference: paymentReference,
		EnqueuedAt:       r.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.redemptions.Enqueue(ctx, job); err != nil {
			log.Error("Error enqueueing points redemption", zap.Int64("points", job.Points), zap.Error(err))
		}
	}()
}

func (r *Reconciler) publish(ctx context.Context, event models.LifecycleEvent) {
	if r.publisher == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	if err := r.publisher.PublishLifecycle(ctx, event); err != nil {
		telemetry.Logger.Warn("Error publishing lifecycle event",
			zap.String("staging_id", event.StagingID),
			zap.String("state", string(event.State)),
			zap.Error(err),
		)
	}
}

func (r *Reconciler) notify(ctx context.Context, notice models.MaterializedNotice, log *zap.Logger) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.NotifyMaterialized(ctx, notice); err != nil {
		log.Warn("Error broadcasting materialized notice", zap.Error(err))
	}
}

// Abandon closes a checkout whose payment can no longer succeed and drops
// its draft.
func (r *Reconciler) Abandon(ctx context.Context, stagingID, paymentReference string, source models.ReconcileSource) error {
	if stagingID == "" {
		return newError(KindValidation, "abandon", errors.New("staging id is required"))
	}
	info, err := r.lifecycle.GetByStagingID(ctx, stagingID)
	if errors.Is(err, interfaces.ErrLifecycleNotFound) {
		return nil
	}
	if err != nil {
		return newError(KindInternal, "abandon", err)
	}
	if !info.State.Claimable() {
		return nil
	}
	n, err := r.lifecycle.TransitionState(ctx, stagingID, info.State, models.StateAbandoned)
	if err != nil {
		return newError(KindInternal, "abandon", err)
	}
	if n == 0 {
		// lost to a concurrent transition
		return nil
	}
	log := telemetry.Logger.With(
		zap.String("staging_id", stagingID),
		zap.String("payment_reference", paymentReference),
		zap.String("source", string(source)),
	)
	rec, err := r.store.Take(ctx, stagingID)
	switch {
	case err == nil:
		log = log.With(
			zap.String("total", rec.OrderPayload.Total().StringFixed(2)),
			zap.Int64("points_to_redeem", rec.PointsToRedeem),
		)
	case !errors.Is(err, interfaces.ErrStagingNotFound):
		log.Warn("Error dropping abandoned draft", zap.Error(err))
	}
	r.publish(ctx, models.LifecycleEvent{
		StagingID:        stagingID,
		PaymentReference: paymentReference,
		Rail:             info.Rail,
		State:            models.StateAbandoned,
		PreviousState:    info.State,
		Source:           source,
	})
	log.Info("Checkout abandoned")
	return nil
}
