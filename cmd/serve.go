package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/api"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/config"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/handlers"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/service"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the expiry sweeper and loyalty worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	// Initialize telemetry
	if err := telemetry.InitTelemetry("checkout-reconciler", cfg.JaegerEndpoint); err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Checkout Reconciler")

	ctx, stop := context.WithCancel(context.WithoutCancel(parent))
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup

	// Background workers
	sweeper := service.NewSweeper(a.lifecycle, a.store, cfg.StagingTTL, cfg.SweepInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	consumer, closeConsumer := newLoyaltyConsumer(cfg, a.brokers)
	defer closeConsumer()
	if consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				telemetry.Logger.Error("Loyalty consumer stopped", zap.Error(err))
			}
		}()
	}

	limiter := handlers.NewIPRateLimiter(cfg.PollRPS, cfg.PollBurst)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Prune()
			}
		}
	}()

	r := api.NewRouter(
		api.RouterConfig{JWTSecret: []byte(cfg.JWTSecret), StatusRPS: cfg.PollRPS, StatusBurst: cfg.PollBurst},
		a.reconciler,
		handlers.NewWebhookHandler(a.webhooks, a.reconciler),
		a.lifecycle,
		limiter,
	)

	// Setup HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		telemetry.Logger.Info("Checkout Reconciler starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	<-parent.Done()

	telemetry.Logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}
	stop()
	wg.Wait()

	telemetry.Logger.Info("Server exited")
	return nil
}
