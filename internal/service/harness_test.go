package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/events"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/repository"
)

type fakeGateway struct {
	rail      models.Rail
	mu        sync.Mutex
	next      int
	payments  map[string]*models.PaymentSnapshot
	requests  []models.PaymentRequest
	stamps    int
	createErr error
}

func newFakeGateway(rail models.Rail) *fakeGateway {
	return &fakeGateway{rail: rail, payments: make(map[string]*models.PaymentSnapshot)}
}

func (g *fakeGateway) Rail() models.Rail { return g.rail }

func (g *fakeGateway) CreatePayment(_ context.Context, req models.PaymentRequest) (*models.PaymentHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.next++
	ref := fmt.Sprintf("%s_ref_%d", g.rail, g.next)
	g.payments[ref] = &models.PaymentSnapshot{
		Rail:           g.rail,
		Reference:      ref,
		Status:         models.PaymentPending,
		Amount:         req.Amount,
		StagingID:      req.StagingID,
		PendingOrderID: req.PendingOrderID,
	}
	return &models.PaymentHandle{Reference: ref, ClientSecret: ref + "_secret", Status: models.PaymentPending}, nil
}

func (g *fakeGateway) Retrieve(_ context.Context, reference string) (*models.PaymentSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[reference]
	if !ok {
		return nil, interfaces.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) Stamp(_ context.Context, reference, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stamps++
	if p, ok := g.payments[reference]; ok {
		p.LinkedOrderID = orderID
	}
	return nil
}

func (g *fakeGateway) Capture(ctx context.Context, reference string) (*models.PaymentSnapshot, error) {
	g.setStatus(reference, models.PaymentCaptured)
	return g.Retrieve(ctx, reference)
}

func (g *fakeGateway) put(snap models.PaymentSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if snap.Rail == "" {
		snap.Rail = g.rail
	}
	g.payments[snap.Reference] = &snap
}

func (g *fakeGateway) setStatus(reference string, status models.PaymentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[reference].Status = status
}

// snapshot returns the payment as a webhook would deliver it.
func (g *fakeGateway) snapshot(t *testing.T, reference string) models.PaymentSnapshot {
	snap, err := g.Retrieve(context.Background(), reference)
	require.NoError(t, err)
	return *snap
}

func (g *fakeGateway) stampCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stamps
}

type fakeBackend struct {
	mu          sync.Mutex
	next        int
	orders      []models.MaterializedOrder
	updates     map[string]models.OrderPatch
	createDelay time.Duration
	failCreates int
	creates     int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{updates: make(map[string]models.OrderPatch)}
}

func (b *fakeBackend) CreateOrder(ctx context.Context, draft models.OrderDraft) (*models.MaterializedOrder, error) {
	atomic.AddInt32(&b.creates, 1)
	if b.createDelay > 0 {
		select {
		case <-time.After(b.createDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failCreates > 0 {
		b.failCreates--
		return nil, errors.New("backend unavailable")
	}
	b.next++
	order := models.MaterializedOrder{
		ID:        strconv.Itoa(1000 + b.next),
		Status:    "processing",
		Total:     draft.Total(),
		MetaData:  draft.MetaData,
		CreatedAt: time.Now().UTC(),
	}
	b.orders = append(b.orders, order)
	return &order, nil
}

func (b *fakeBackend) GetOrder(_ context.Context, orderID string) (*models.MaterializedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.orders {
		if o.ID == orderID {
			cp := o
			return &cp, nil
		}
	}
	return nil, interfaces.ErrOrderNotFound
}

// seed adds an order the backend created before any payment, e.g. a
// pre-created order awaiting its charge.
func (b *fakeBackend) seed(orderID, total string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, models.MaterializedOrder{
		ID:     orderID,
		Status: "pending",
		Total:  decimal.RequireFromString(total),
	})
}

func (b *fakeBackend) UpdateOrder(_ context.Context, orderID string, patch models.OrderPatch) (*models.MaterializedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates[orderID] = patch
	return &models.MaterializedOrder{ID: orderID, Status: patch.Status}, nil
}

func (b *fakeBackend) ListRecentOrders(_ context.Context, filter models.RecentOrdersFilter) ([]models.MaterializedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.MaterializedOrder
	for _, o := range b.orders {
		if o.CreatedAt.After(filter.After) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (b *fakeBackend) ordersFor(reference string) []models.MaterializedOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.MaterializedOrder
	for _, o := range b.orders {
		if o.PaymentReference() == reference {
			out = append(out, o)
		}
	}
	return out
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []models.RedemptionJob
}

func (q *fakeQueue) Enqueue(_ context.Context, job models.RedemptionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type countingStore struct {
	interfaces.StagingStore
	sets int32
}

func (s *countingStore) Set(ctx context.Context, id string, record *models.StagedOrderRecord) error {
	atomic.AddInt32(&s.sets, 1)
	return s.StagingStore.Set(ctx, id, record)
}

type harness struct {
	store     *repository.MemoryStagingStore
	lifecycle *repository.MemoryLifecycleRepository
	backend   *fakeBackend
	card      *fakeGateway
	redirect  *fakeGateway
	paypal    *fakeGateway
	queue     *fakeQueue
	bus       *events.MemoryBus
	rec       *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     repository.NewMemoryStagingStore(30*time.Minute, 24*time.Hour),
		lifecycle: repository.NewMemoryLifecycleRepository(),
		backend:   newFakeBackend(),
		card:      newFakeGateway(models.RailCard),
		redirect:  newFakeGateway(models.RailRedirect),
		paypal:    newFakeGateway(models.RailPayPal),
		queue:     &fakeQueue{},
		bus:       events.NewMemoryBus(),
	}
	h.rec = h.newReconciler()
	return h
}

// newReconciler builds another instance over the same shared state, like
// a second replica.
func (h *harness) newReconciler() *Reconciler {
	return NewReconciler(Dependencies{
		Store:       h.store,
		Lifecycle:   h.lifecycle,
		Backend:     h.backend,
		Gateways:    []interfaces.PaymentGateway{h.card, h.redirect, h.paypal},
		Redemptions: h.queue,
		Notifier:    events.NewNotifier(h.bus),
	}, DefaultSettings())
}

func draftOf(total string, buyerID int64) models.OrderDraft {
	v := decimal.RequireFromString(total)
	return models.OrderDraft{
		CustomerID: buyerID,
		Currency:   "eur",
		LineItems: []models.LineItem{
			{ProductID: 42, Name: "Desk lamp", Quantity: 1, Subtotal: v, Total: v},
		},
	}
}

// stage writes a draft the way initiation does and opens a matching
// payment on the rail's gateway.
func (h *harness) stage(t *testing.T, gw *fakeGateway, stagingID string, draft models.OrderDraft, points int64) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.Set(ctx, stagingID, &models.StagedOrderRecord{
		ID:             stagingID,
		Rail:           gw.rail,
		OrderPayload:   draft,
		PointsToRedeem: points,
		Status:         models.StagingPending,
		CreatedAt:      time.Now().UTC(),
	}))
	require.NoError(t, h.lifecycle.InsertInitialState(ctx, stagingID, gw.rail))
	handle, err := gw.CreatePayment(ctx, models.PaymentRequest{StagingID: stagingID, Amount: draft.Total()})
	require.NoError(t, err)
	require.NoError(t, h.store.SetPaymentIntentID(ctx, stagingID, handle.Reference))
	require.NoError(t, h.lifecycle.AttachPaymentReference(ctx, stagingID, handle.Reference))
	return handle.Reference
}

func succeeded(snap models.PaymentSnapshot) *models.WebhookEvent {
	return &models.WebhookEvent{ID: "evt_" + snap.Reference, Type: models.EventPaymentSucceeded, Payment: snap}
}
