package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/resolvepay/reconcile"
	"github.com/resolvepay/reconcile/gateway"
	api "github.com/resolvepay/reconcile/http"
	"github.com/resolvepay/reconcile/internal/config"
	"github.com/resolvepay/reconcile/provision"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation API and retry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	return cmd
}

func runServe(cfg *config.Config) error {
	logger := cfg.Log.Logger()

	b, err := openBackends(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	gw := gateway.NewClient(&gateway.Config{
		URL:           cfg.Gateway.URL,
		StoreID:       cfg.Gateway.StoreID,
		StorePassword: cfg.Gateway.StorePassword,
		IPNSecret:     cfg.Gateway.IPNSecret,
		Timeout:       cfg.Gateway.Timeout,
	})
	provisioner := provision.NewClient(&provision.Config{
		URL:     cfg.Fulfilment.URL,
		APIKey:  cfg.Fulfilment.APIKey,
		Timeout: cfg.Fulfilment.Timeout,
	})

	hub := reconcile.NewHub()
	defer hub.Close()

	engine := reconcile.New(b.orders, b.sessions, b.locks, gw, provisioner,
		reconcile.WithCheckoutClient(gw),
		reconcile.WithBroadcaster(hub),
		reconcile.WithLogger(logger),
		reconcile.WithSessionTTL(cfg.SessionTTL),
	)

	sweeper := reconcile.NewSweeper(b.orders, b.locks, provisioner, &reconcile.SweeperConfig{
		Interval:    cfg.Sweep.Interval,
		BatchSize:   cfg.Sweep.BatchSize,
		Concurrency: cfg.Sweep.Concurrency,
		MaxAttempts: cfg.Sweep.MaxAttempts,
		Broadcaster: hub,
		Logger:      logger,
	})
	sweeper.OnEscalation(func(ec reconcile.EscalationContext) error {
		logger.Error("order escalated for manual review",
			"orderId", ec.Order.ID,
			"sessionId", ec.Order.SessionID,
			"attempts", ec.Attempts,
			"lastError", ec.LastError,
		)
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(ctx)
	if b.gormSessions != nil {
		go purgeSessions(ctx, b, logger)
	}

	server := api.NewServer(&api.Config{
		Engine:  engine,
		Stream:  hub,
		APIKeys: cfg.APIKeys,
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// purgeSessions drops expired session rows so the table does not grow
// without bound. Redis sessions expire on their own.
func purgeSessions(ctx context.Context, b *backends, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.gormSessions.PurgeExpired(ctx, time.Now())
			if err != nil {
				logger.Warn("session purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged expired sessions", "count", n)
			}
		}
	}
}
