package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

// Sweeper expires checkouts that never reached a terminal state within the
// staging TTL. Drafts in stores without native expiry are dropped too.
type Sweeper struct {
	lifecycle interfaces.LifecycleRepository
	store     interfaces.StagingStore
	ttl       time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewSweeper(lifecycle interfaces.LifecycleRepository, store interfaces.StagingStore, ttl, interval time.Duration) *Sweeper {
	return &Sweeper{
		lifecycle: lifecycle,
		store:     store,
		ttl:       ttl,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type SweepResult struct {
	Expired int64
	Removed int
}

func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	n, err := s.lifecycle.ExpireStale(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return res, err
	}
	res.Expired = n

	if sw, ok := s.store.(interfaces.Sweeper); ok {
		removed, err := sw.Sweep(ctx)
		if err != nil {
			return res, err
		}
		res.Removed = removed
	}
	return res, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.SweepOnce(ctx)
			if err != nil {
				telemetry.Logger.Error("Expiry sweep failed", zap.Error(err))
				continue
			}
			if res.Expired > 0 || res.Removed > 0 {
				telemetry.Logger.Info("Expiry sweep",
					zap.Int64("expired", res.Expired),
					zap.Int("removed", res.Removed),
				)
			}
		}
	}
}
