package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/config"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

func newRecoverCmd() *cobra.Command {
	var rail string
	cmd := &cobra.Command{
		Use:   "recover <staging-id> <payment-reference>",
		Short: "Re-verify a payment and materialize its order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initLogging(cmd); err != nil {
				return err
			}
			defer telemetry.Logger.Sync()

			r, err := models.ParseRail(rail)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StagingBackend == "memory" {
				return fmt.Errorf("recover needs a shared staging backend, STAGING_BACKEND is %q", cfg.StagingBackend)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.reconciler.Recover(ctx, r, args[0], args[1])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&rail, "rail", string(models.RailCard), "payment rail: card, redirect or paypal")
	return cmd
}
