package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/resolvepay/reconcile"
	"github.com/resolvepay/reconcile/internal/config"
	"github.com/resolvepay/reconcile/provision"
)

func sweepCmd() *cobra.Command {
	var configPath string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a single provisioning retry pass and exit",
		Long: `Scan orders stuck in SYNC_PENDING and retry fulfilment once.

Useful from cron against the shared database, or to force a convergence
pass during incident recovery. Live status streams are served by the serve
process; a standalone sweep updates order state only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runSweep(cfg, timeout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall pass deadline")

	return cmd
}

func runSweep(cfg *config.Config, timeout time.Duration) error {
	logger := cfg.Log.Logger()

	b, err := openBackends(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	provisioner := provision.NewClient(&provision.Config{
		URL:     cfg.Fulfilment.URL,
		APIKey:  cfg.Fulfilment.APIKey,
		Timeout: cfg.Fulfilment.Timeout,
	})

	sweeper := reconcile.NewSweeper(b.orders, b.locks, provisioner, &reconcile.SweeperConfig{
		BatchSize:   cfg.Sweep.BatchSize,
		Concurrency: cfg.Sweep.Concurrency,
		MaxAttempts: cfg.Sweep.MaxAttempts,
		Logger:      logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stats, err := sweeper.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Printf("scanned %d, succeeded %d, rescheduled %d, escalated %d, skipped %d\n",
		stats.Scanned, stats.Succeeded, stats.Rescheduled, stats.Escalated, stats.Skipped)
	return nil
}
