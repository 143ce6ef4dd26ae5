package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

func TestMemoryLifecycleClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryLifecycleRepository()
	require.NoError(t, repo.InsertInitialState(ctx, "stg_1", models.RailCard))
	require.NoError(t, repo.AttachPaymentReference(ctx, "stg_1", "pi_1"))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Claim(ctx, "stg_1", "pi_1", time.Minute)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	info, err := repo.GetByStagingID(ctx, "stg_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateMaterializing, info.State)
	assert.Equal(t, models.StateAwaitingConfirmation, info.PreviousState)
}

func TestMemoryLifecycleStaleClaimCanBeRetaken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMemoryLifecycleRepository()
	repo.SetClock(func() time.Time { return now })

	require.NoError(t, repo.InsertInitialState(ctx, "stg_1", models.RailCard))
	ok, err := repo.Claim(ctx, "stg_1", "pi_1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = repo.Claim(ctx, "stg_1", "pi_1", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = repo.Claim(ctx, "stg_1", "pi_1", time.Minute)
	assert.True(t, ok)
}

func TestMemoryLifecycleMaterializedIsTerminal(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryLifecycleRepository()
	require.NoError(t, repo.InsertInitialState(ctx, "stg_1", models.RailRedirect))
	ok, _ := repo.Claim(ctx, "stg_1", "cs_1", time.Minute)
	require.True(t, ok)
	require.NoError(t, repo.MarkMaterialized(ctx, "stg_1", "1001"))

	ok, _ = repo.Claim(ctx, "stg_1", "cs_1", 0)
	assert.False(t, ok)

	info, err := repo.GetByPaymentReference(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "1001", info.OrderID)

	// a second draft for the same payment cannot also materialize
	require.NoError(t, repo.InsertInitialState(ctx, "stg_2", models.RailRedirect))
	ok, _ = repo.Claim(ctx, "stg_2", "cs_1", time.Minute)
	require.True(t, ok)
	assert.Error(t, repo.MarkMaterialized(ctx, "stg_2", "1002"))
}

func TestMemoryLifecycleExpireStale(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMemoryLifecycleRepository()
	repo.SetClock(func() time.Time { return now })
	require.NoError(t, repo.InsertInitialState(ctx, "old", models.RailCard))
	now = now.Add(31 * time.Minute)
	require.NoError(t, repo.InsertInitialState(ctx, "new", models.RailCard))

	n, err := repo.ExpireStale(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	info, _ := repo.GetByStagingID(ctx, "old")
	assert.Equal(t, models.StateExpired, info.State)

	_, err = repo.GetByStagingID(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrLifecycleNotFound)
}

func TestMemoryLifecycleLateAttachKeepsHistory(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryLifecycleRepository()
	require.NoError(t, repo.InsertInitialState(ctx, "stg_1", models.RailCard))
	require.NoError(t, repo.AttachPaymentReference(ctx, "stg_1", "pi_1"))
	ok, err := repo.Claim(ctx, "stg_1", "pi_1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.MarkMaterialized(ctx, "stg_1", "1001"))

	require.NoError(t, repo.AttachPaymentReference(ctx, "stg_1", "pi_1"))

	info, err := repo.GetByStagingID(ctx, "stg_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateMaterialized, info.State)
	assert.Equal(t, models.StateMaterializing, info.PreviousState)
}
