package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemoryStore() (*MemoryStagingStore, *clock) {
	c := &clock{now: fixedNow}
	s := NewMemoryStagingStore(30*time.Minute, 24*time.Hour)
	s.SetClock(c.Now)
	return s, c
}

func TestMemoryGetReturnsNotFoundAfterTTL(t *testing.T) {
	s, c := newMemoryStore()
	ctx := context.Background()
	rec := sampleRecord("abc")
	rec.CreatedAt = fixedNow

	require.NoError(t, s.Set(ctx, "abc", rec))

	_, err := s.Get(ctx, "abc")
	require.NoError(t, err)

	c.Advance(31 * time.Minute)
	_, err = s.Get(ctx, "abc")
	assert.ErrorIs(t, err, interfaces.ErrStagingNotFound)

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestMemoryCompletedRecordIsPreserved(t *testing.T) {
	s, c := newMemoryStore()
	ctx := context.Background()
	rec := sampleRecord("abc")
	rec.CreatedAt = fixedNow

	require.NoError(t, s.Set(ctx, "abc", rec))
	require.NoError(t, s.SetPaymentIntentID(ctx, "abc", "pi_1"))
	require.NoError(t, s.MarkCompleted(ctx, "abc", models.Completion{FinalOrderID: "501", PaymentReference: "pi_1"}))

	// completed drafts outlive the pending TTL so completion checks keep resolving
	c.Advance(45 * time.Minute)
	got, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, got.Completed())
	assert.Equal(t, "501", got.FinalOrderID)

	done, err := s.GetCompletion(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "501", done.FinalOrderID)

	assert.ErrorIs(t, s.MarkCompleted(ctx, "abc", models.Completion{FinalOrderID: "502"}), interfaces.ErrAlreadyCompleted)
}

func TestMemoryTakeIsSingleUse(t *testing.T) {
	s, _ := newMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "abc", sampleRecord("abc")))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Take(ctx, "abc"); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryMarkCompletedConcurrent(t *testing.T) {
	s, _ := newMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "abc", sampleRecord("abc")))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.MarkCompleted(ctx, "abc", models.Completion{FinalOrderID: fmt.Sprint(i), PaymentReference: "pi_1"})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryDelete(t *testing.T) {
	s, _ := newMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "abc", sampleRecord("abc")))

	require.NoError(t, s.Delete(ctx, "abc"))
	assert.ErrorIs(t, s.Delete(ctx, "abc"), interfaces.ErrStagingNotFound)
	_, err := s.Get(ctx, "abc")
	assert.ErrorIs(t, err, interfaces.ErrStagingNotFound)
}
