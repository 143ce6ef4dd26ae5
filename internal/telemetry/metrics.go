package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Materializations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_materializations_total",
		Help: "Materialization attempts by rail, entry point and outcome.",
	}, []string{"rail", "source", "outcome"})

	Duplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_duplicates_total",
		Help: "Idempotency hits by the check that detected them.",
	}, []string{"layer"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_webhook_events_total",
		Help: "Provider webhook events by type and outcome.",
	}, []string{"type", "outcome"})

	StagingOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_staging_operations_total",
		Help: "Staging store operations by outcome.",
	}, []string{"op", "outcome"})

	LoyaltyRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_loyalty_redemptions_total",
		Help: "Loyalty points redemption outcomes.",
	}, []string{"outcome"})

	MaterializeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkout_materialize_duration_seconds",
		Help:    "Time spent in the shared materialization transition.",
		Buckets: prometheus.DefBuckets,
	})
)
