package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

// MemoryLifecycleRepository mirrors PaymentLifecycleRepository for
// STAGING_BACKEND=memory and tests, including the one-materialized-row
// per payment reference constraint.
type MemoryLifecycleRepository struct {
	mu   sync.Mutex
	rows map[string]*models.LifecycleInfo
	now  func() time.Time
}

func NewMemoryLifecycleRepository() *MemoryLifecycleRepository {
	return &MemoryLifecycleRepository{
		rows: make(map[string]*models.LifecycleInfo),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryLifecycleRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *MemoryLifecycleRepository) InsertInitialState(_ context.Context, stagingID string, rail models.Rail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[stagingID]; ok {
		return nil
	}
	now := r.now()
	r.rows[stagingID] = &models.LifecycleInfo{
		StagingID: stagingID,
		Rail:      rail,
		State:     models.StateInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// move must be called with the lock held.
func (r *MemoryLifecycleRepository) move(row *models.LifecycleInfo, to models.PaymentState) {
	row.PreviousState = row.State
	row.State = to
	row.UpdatedAt = r.now()
}

func (r *MemoryLifecycleRepository) TransitionState(_ context.Context, stagingID string, from, to models.PaymentState) (int64, error) {
	if !models.CanTransition(from, to) {
		return 0, fmt.Errorf("transition %s -> %s is not allowed", from, to)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[stagingID]
	if !ok || row.State != from {
		return 0, nil
	}
	r.move(row, to)
	return 1, nil
}

func (r *MemoryLifecycleRepository) AttachPaymentReference(_ context.Context, stagingID, paymentReference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[stagingID]
	if !ok {
		return interfaces.ErrLifecycleNotFound
	}
	row.PaymentReference = paymentReference
	if row.State == models.StateInitiated {
		r.move(row, models.StateAwaitingConfirmation)
	}
	return nil
}

func (r *MemoryLifecycleRepository) Claim(_ context.Context, stagingID, paymentReference string, lease time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[stagingID]
	if !ok {
		return false, nil
	}
	stale := row.State == models.StateMaterializing && r.now().Sub(row.UpdatedAt) > lease
	if !row.State.Claimable() && !stale {
		return false, nil
	}
	if row.PaymentReference == "" {
		row.PaymentReference = paymentReference
	}
	r.move(row, models.StateMaterializing)
	return true, nil
}

func (r *MemoryLifecycleRepository) MarkMaterialized(_ context.Context, stagingID, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[stagingID]
	if !ok || row.State != models.StateMaterializing {
		return fmt.Errorf("staging %s is not materializing", stagingID)
	}
	if row.PaymentReference != "" {
		for id, other := range r.rows {
			if id != stagingID && other.State == models.StateMaterialized && other.PaymentReference == row.PaymentReference {
				return fmt.Errorf("payment %s already materialized by %s", row.PaymentReference, id)
			}
		}
	}
	row.OrderID = orderID
	r.move(row, models.StateMaterialized)
	return nil
}

func (r *MemoryLifecycleRepository) ReleaseClaim(_ context.Context, stagingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[stagingID]; ok && row.State == models.StateMaterializing {
		r.move(row, models.StateAwaitingConfirmation)
	}
	return nil
}

func (r *MemoryLifecycleRepository) GetByStagingID(_ context.Context, stagingID string) (*models.LifecycleInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[stagingID]
	if !ok {
		return nil, interfaces.ErrLifecycleNotFound
	}
	info := *row
	return &info, nil
}

func (r *MemoryLifecycleRepository) GetByPaymentReference(_ context.Context, paymentReference string) (*models.LifecycleInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.LifecycleInfo
	for _, row := range r.rows {
		if row.PaymentReference != paymentReference {
			continue
		}
		if latest == nil || row.UpdatedAt.After(latest.UpdatedAt) {
			latest = row
		}
	}
	if latest == nil {
		return nil, interfaces.ErrLifecycleNotFound
	}
	info := *latest
	return &info, nil
}

func (r *MemoryLifecycleRepository) ExpireStale(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.State.Claimable() && row.CreatedAt.Before(olderThan) {
			r.move(row, models.StateExpired)
			n++
		}
	}
	return n, nil
}
