package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/config"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/poller"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

func newStatusCmd() *cobra.Command {
	var (
		rail   string
		apiURL string
		wait   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status <payment-reference>",
		Short: "Poll the completion status of a payment until its order exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initLogging(cmd); err != nil {
				return err
			}
			defer telemetry.Logger.Sync()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if apiURL == "" {
				apiURL = "http://localhost:" + cfg.Port
			}

			client := poller.NewClient(apiURL, os.Getenv("CHECKOUT_TOKEN"), poller.Options{
				MaxAttempts: cfg.PollMaxAttempts,
				Wait:        wait,
			})
			out, err := client.WaitForOrder(cmd.Context(), rail, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&rail, "rail", "card", "payment rail: card, redirect or paypal")
	cmd.Flags().StringVar(&apiURL, "api", "", "base URL of the reconciler API")
	cmd.Flags().DurationVar(&wait, "wait", 0, "server-side long-poll bound per attempt")
	return cmd
}
