package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/config"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume loyalty redemption jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := initLogging(cmd); err != nil {
				return err
			}
			defer telemetry.Logger.Sync()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			brokers := splitBrokers(cfg.KafkaBrokers)
			if len(brokers) == 0 || cfg.Loyalty.BaseURL == "" {
				return errors.New("KAFKA_BROKERS and LOYALTY_BASE_URL are required")
			}

			consumer, closeConsumer := newLoyaltyConsumer(cfg, brokers)
			defer closeConsumer()

			return consumer.Run(cmd.Context())
		},
	}
}
