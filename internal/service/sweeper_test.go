package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

func TestSweepExpiresStaleCheckouts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := h.stage(t, h.card, "stg_card_1", draftOf("10.00", 7), 0)

	later := time.Now().UTC().Add(45 * time.Minute)
	h.store.SetClock(func() time.Time { return later })
	s := NewSweeper(h.lifecycle, h.store, 30*time.Minute, time.Minute)
	s.now = func() time.Time { return later }

	res, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Expired)
	assert.Equal(t, 1, res.Removed)

	info, err := h.lifecycle.GetByStagingID(ctx, "stg_card_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, info.State)

	// a late capture cannot revive the checkout
	h.card.setStatus(ref, models.PaymentCaptured)
	_, err = h.rec.Recover(ctx, models.RailCard, "stg_card_1", ref)
	assert.Equal(t, KindStagingMissing, KindOf(err))
	assert.Zero(t, h.backend.creates)
}
