package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/config"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/service"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire checkouts older than the staging TTL once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := initLogging(cmd); err != nil {
				return err
			}
			defer telemetry.Logger.Sync()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StagingBackend == "memory" || cfg.DatabaseURL == "" {
				return fmt.Errorf("sweep needs DATABASE_URL and a shared staging backend")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			a := &app{cfg: cfg}
			defer a.Close()
			if err := a.openStorage(ctx); err != nil {
				return err
			}

			res, err := service.NewSweeper(a.lifecycle, a.store, cfg.StagingTTL, cfg.SweepInterval).SweepOnce(ctx)
			if err != nil {
				return err
			}
			telemetry.Logger.Info("Sweep finished", zap.Int64("expired", res.Expired), zap.Int("removed", res.Removed))
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d removed=%d\n", res.Expired, res.Removed)
			return nil
		},
	}
}
