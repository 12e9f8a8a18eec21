package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/resolvepay/reconcile/internal/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "reconciled",
		Short: "Payment reconciliation daemon",
		Long: `reconciled resolves payment outcomes from gateway notifications.

It serves the merchant-facing API (payment initiation, IPN intake, landing
acknowledgements, status reads and live status streams) and runs the retry
sweeper that converges orders stuck awaiting fulfilment.`,
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(initCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a commented starter configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "reconciled.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}
