package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/backend"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/config"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/events"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/loyalty"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/pricing"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/repository"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/service"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

// app holds the connections and components shared by the subcommands.
type app struct {
	cfg        *config.Config
	lifecycle  interfaces.LifecycleRepository
	store      interfaces.StagingStore
	reconciler *service.Reconciler
	webhooks   *gateway.StripeWebhooks
	brokers    []string
	closers    []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			telemetry.Logger.Warn("Error closing resource", zap.Error(err))
		}
	}
}

func (a *app) memory() bool {
	return a.cfg.StagingBackend == "memory"
}

func splitBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		return redis.ParseURL(raw)
	}
	return &redis.Options{Addr: raw}, nil
}

func initLogging(cmd *cobra.Command) error {
	debug, _ := cmd.Flags().GetBool("debug")
	return telemetry.InitLogger(debug)
}

// openStorage connects the lifecycle repository and staging store.
func (a *app) openStorage(ctx context.Context) error {
	if a.memory() {
		telemetry.Logger.Warn("Using in-memory staging and lifecycle, state is lost on restart")
		a.lifecycle = repository.NewMemoryLifecycleRepository()
		a.store = repository.NewMemoryStagingStore(a.cfg.StagingTTL, a.cfg.CompletionTTL)
		return nil
	}

	db, err := sql.Open("postgres", a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	a.onClose(db.Close)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	repo := repository.NewPaymentLifecycleRepository(db)
	if err := repo.InitDB(); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	a.lifecycle = repo

	opts, err := redisOptions(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	a.onClose(rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	a.store = repository.NewRedisStagingStore(rdb, a.cfg.StagingTTL, a.cfg.CompletionTTL)
	return nil
}

// newApp wires the reconciler against the configured backends.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, brokers: splitBrokers(cfg.KafkaBrokers)}
	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	stripeAPI := client.New(cfg.Stripe.SecretKey, nil)
	gateways := []interfaces.PaymentGateway{
		gateway.NewStripeGateway(stripeAPI, cfg.Currency),
		gateway.NewStripeCheckoutGateway(stripeAPI, cfg.Currency, cfg.Stripe.SuccessURL, cfg.Stripe.CancelURL),
	}
	if cfg.PayPalEnabled() {
		gateways = append(gateways, gateway.NewPayPalGateway(ctx, cfg.PayPal.BaseURL, cfg.PayPal.ClientID, cfg.PayPal.ClientSecret, cfg.Currency))
	}
	a.webhooks = gateway.NewStripeWebhooks(cfg.Stripe.WebhookSecret)

	deps := service.Dependencies{
		Store:     a.store,
		Lifecycle: a.lifecycle,
		Backend:   backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.ConsumerKey, cfg.Backend.ConsumerSecret),
		Gateways:  gateways,
		Publisher: events.LogPublisher{},
	}

	if len(a.brokers) > 0 {
		lifecycleWriter := events.NewLifecycleWriter(a.brokers)
		a.onClose(lifecycleWriter.Close)
		deps.Publisher = events.NewKafkaPublisher(lifecycleWriter)

		redemptionWriter := loyalty.NewKafkaWriter(a.brokers)
		a.onClose(redemptionWriter.Close)
		deps.Redemptions = loyalty.NewQueue(redemptionWriter)
	} else {
		telemetry.Logger.Warn("KAFKA_BROKERS not set, lifecycle events are logged and points redemption is disabled")
	}

	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		a.onClose(func() error { nc.Close(); return nil })
		deps.Notifier = events.NewNotifier(events.NewNATSBus(nc))
	} else {
		deps.Notifier = events.NewNotifier(events.NewMemoryBus())
	}

	settings := service.DefaultSettings()
	settings.Currency = cfg.Currency
	settings.ClaimLease = cfg.ClaimLease
	settings.RecentOrdersWindow = cfg.RecentOrdersWindow
	settings.PayPalFees = pricing.FeeSchedule{Multiplier: cfg.PayPal.FeeMultiplier, Fixed: cfg.PayPal.FeeFixed}

	a.reconciler = service.NewReconciler(deps, settings)
	telemetry.Logger.Info("Reconciler ready",
		zap.String("staging_backend", cfg.StagingBackend),
		zap.Int("rails", len(gateways)),
	)
	return a, nil
}

// newLoyaltyConsumer builds the redemption worker, nil when Kafka or the
// loyalty service is not configured.
func newLoyaltyConsumer(cfg *config.Config, brokers []string) (*loyalty.Consumer, func()) {
	if len(brokers) == 0 || cfg.Loyalty.BaseURL == "" {
		return nil, func() {}
	}
	reader := loyalty.NewKafkaReader(brokers)
	deadLetter := loyalty.NewKafkaWriter(brokers)
	consumer := loyalty.NewConsumer(reader, loyalty.NewClient(cfg.Loyalty.BaseURL, cfg.Loyalty.APIKey), deadLetter)
	closeFn := func() {
		if err := reader.Close(); err != nil {
			telemetry.Logger.Warn("Error closing loyalty reader", zap.Error(err))
		}
		if err := deadLetter.Close(); err != nil {
			telemetry.Logger.Warn("Error closing dead letter writer", zap.Error(err))
		}
	}
	return consumer, closeFn
}
