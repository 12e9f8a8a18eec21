package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweep defaults applied by NewSweeper when the config leaves them zero.
const (
	DefaultSweepInterval    = 30 * time.Second
	DefaultSweepBatchSize   = 100
	DefaultSweepConcurrency = 4
	// DefaultSyncBackoffCap bounds the retry delay growth.
	DefaultSyncBackoffCap = time.Hour
	// DefaultMaxSyncAttempts is the retry budget before escalation.
	DefaultMaxSyncAttempts = 8
)

// SweeperConfig holds the configuration for a Sweeper.
type SweeperConfig struct {
	// Interval between sweep passes in Run. Default: 30 seconds.
	Interval time.Duration
	// BatchSize caps orders scanned per pass. Default: 100.
	BatchSize int
	// Concurrency caps parallel provisioning calls. Default: 4.
	Concurrency int
	// BackoffBase is the first retry delay. Default: 30 seconds.
	BackoffBase time.Duration
	// BackoffCap bounds the exponential delay. Default: 1 hour.
	BackoffCap time.Duration
	// MaxAttempts is the retry budget before escalation. Default: 8.
	MaxAttempts int
	// LeaseTTL guards each per-order retry. Default: 2 minutes.
	LeaseTTL time.Duration
	// Broadcaster receives the status event when a retry converges.
	Broadcaster Broadcaster
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock defaults to time.Now. Tests override it.
	Clock func() time.Time
}

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	Scanned     int
	Succeeded   int
	Rescheduled int
	Escalated   int
	Skipped     int
}

// Sweeper retries provisioning for orders parked in SYNC_PENDING.
//
// Each pass scans due orders, re-acquires the transaction lease per order
// (skipping any under live processing), and re-invokes the provisioner.
// Success converges the order to SUCCESS and broadcasts exactly one
// additional status event. Exhausted retry budgets escalate: the order
// is flagged and reported through hooks, then stays out of the scan
// set until an operator clears it. No order is ever silently dropped.
type Sweeper struct {
	mu sync.RWMutex

	orders      OrderStore
	locks       Locker
	provisioner Provisioner
	broadcaster Broadcaster

	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	concurrency int
	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int
	leaseTTL    time.Duration
	now         func() time.Time

	escalationHooks []EscalationHook
}

// NewSweeper creates a sweeper over the given collaborators. A nil config
// uses all defaults.
func NewSweeper(orders OrderStore, locks Locker, provisioner Provisioner, config *SweeperConfig) *Sweeper {
	if config == nil {
		config = &SweeperConfig{}
	}
	s := &Sweeper{
		orders:      orders,
		locks:       locks,
		provisioner: provisioner,
		broadcaster: config.Broadcaster,
		logger:      config.Logger,
		interval:    config.Interval,
		batchSize:   config.BatchSize,
		concurrency: config.Concurrency,
		backoffBase: config.BackoffBase,
		backoffCap:  config.BackoffCap,
		maxAttempts: config.MaxAttempts,
		leaseTTL:    config.LeaseTTL,
		now:         config.Clock,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultSweepBatchSize
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultSweepConcurrency
	}
	if s.backoffBase <= 0 {
		s.backoffBase = DefaultSyncBackoffBase
	}
	if s.backoffCap <= 0 {
		s.backoffCap = DefaultSyncBackoffCap
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxSyncAttempts
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = DefaultLeaseTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// OnEscalation registers a hook invoked when an order exhausts its retry
// budget.
func (s *Sweeper) OnEscalation(hook EscalationHook) *Sweeper {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalationHooks = append(s.escalationHooks, hook)
	return s
}

// Run sweeps on the configured interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("provisioning sweep started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("provisioning sweep stopped")
			return ctx.Err()
		case <-ticker.C:
			stats, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Warn("sweep pass failed", "error", err)
				continue
			}
			if stats.Scanned > 0 {
				s.logger.Info("sweep pass finished",
					"scanned", stats.Scanned,
					"succeeded", stats.Succeeded,
					"rescheduled", stats.Rescheduled,
					"escalated", stats.Escalated,
					"skipped", stats.Skipped,
				)
			}
		}
	}
}

// RunOnce performs a single sweep pass and reports what it did.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	due, err := s.orders.ListSyncPending(ctx, s.now(), s.batchSize)
	if err != nil {
		return SweepStats{}, fmt.Errorf("list sync pending orders: %w", err)
	}

	stats := SweepStats{Scanned: len(due)}
	var statsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, order := range due {
		order := order
		g.Go(func() error {
			outcome := s.sweepOrder(gctx, order)
			statsMu.Lock()
			switch outcome {
			case sweepSucceeded:
				stats.Succeeded++
			case sweepRescheduled:
				stats.Rescheduled++
			case sweepEscalated:
				stats.Escalated++
			default:
				stats.Skipped++
			}
			statsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

type sweepOutcome int

const (
	sweepSkipped sweepOutcome = iota
	sweepSucceeded
	sweepRescheduled
	sweepEscalated
)

// sweepOrder retries provisioning for one order under its transaction
// lease. Contention means a live processor owns the order; skip it.
func (s *Sweeper) sweepOrder(ctx context.Context, order *Order) sweepOutcome {
	lease, err := s.locks.Acquire(ctx, "tran:"+order.TranID, s.leaseTTL)
	if err != nil {
		if !errors.Is(err, ErrLeaseHeld) {
			s.logger.Warn("sweep lease acquire failed", "order_id", order.ID, "error", err)
		}
		return sweepSkipped
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			s.logger.Warn("sweep lease release failed", "key", lease.Key(), "error", err)
		}
	}()

	// Re-read under the lease; the scan snapshot may be stale.
	fresh, err := s.orders.Get(ctx, order.ID)
	if err != nil {
		s.logger.Warn("sweep reload failed", "order_id", order.ID, "error", err)
		return sweepSkipped
	}
	if fresh.Status != StatusSyncPending || fresh.SyncEscalated || fresh.NextSyncAt.After(s.now()) {
		return sweepSkipped
	}

	response, perr := s.provisioner.Provision(ctx, fresh)
	if perr == nil {
		fresh.ExternalAPIResponse = response
		fresh.LastSyncError = ""
		fresh.Status = StatusSuccess
		fresh.UpdatedAt = s.now()
		if err := s.orders.Update(ctx, fresh); err != nil {
			s.logger.Warn("sweep commit failed", "order_id", fresh.ID, "error", err)
			return sweepSkipped
		}
		s.logger.Info("provisioning retry converged",
			"order_id", fresh.ID,
			"tran_id", fresh.TranID,
			"attempts", fresh.SyncAttempts,
		)
		s.publish(fresh)
		return sweepSucceeded
	}

	fresh.SyncAttempts++
	fresh.LastSyncError = perr.Error()
	fresh.UpdatedAt = s.now()

	if fresh.SyncAttempts >= s.maxAttempts {
		fresh.SyncEscalated = true
		if err := s.orders.Update(ctx, fresh); err != nil {
			s.logger.Warn("sweep escalation commit failed", "order_id", fresh.ID, "error", err)
			return sweepSkipped
		}
		s.logger.Error("provisioning retries exhausted, escalating",
			"order_id", fresh.ID,
			"tran_id", fresh.TranID,
			"attempts", fresh.SyncAttempts,
			"last_error", fresh.LastSyncError,
		)
		s.runEscalationHooks(EscalationContext{
			Ctx:       ctx,
			Order:     fresh,
			Attempts:  fresh.SyncAttempts,
			LastError: fresh.LastSyncError,
			Timestamp: s.now(),
		})
		return sweepEscalated
	}

	fresh.NextSyncAt = s.now().Add(backoffDelay(s.backoffBase, s.backoffCap, fresh.SyncAttempts))
	if err := s.orders.Update(ctx, fresh); err != nil {
		s.logger.Warn("sweep reschedule commit failed", "order_id", fresh.ID, "error", err)
		return sweepSkipped
	}
	s.logger.Warn("provisioning retry failed, rescheduled",
		"order_id", fresh.ID,
		"tran_id", fresh.TranID,
		"attempts", fresh.SyncAttempts,
		"next_sync_at", fresh.NextSyncAt,
		"error", perr,
	)
	return sweepRescheduled
}

func (s *Sweeper) publish(order *Order) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(order.SessionID, StatusEvent{
		SessionID: order.SessionID,
		TranID:    order.TranID,
		Status:    order.Status,
	})
}

func (s *Sweeper) runEscalationHooks(ec EscalationContext) {
	s.mu.RLock()
	hooks := s.escalationHooks
	s.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ec); err != nil {
			s.logger.Warn("escalation hook failed", "order_id", ec.Order.ID, "error", err)
		}
	}
}

// backoffDelay computes the delay before retry number attempts+1:
// base doubled per completed attempt, bounded by limit.
func backoffDelay(base, limit time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
