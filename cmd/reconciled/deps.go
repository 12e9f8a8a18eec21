package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/resolvepay/reconcile"
	"github.com/resolvepay/reconcile/internal/config"
	"github.com/resolvepay/reconcile/lease"
	"github.com/resolvepay/reconcile/store/gormstore"
	"github.com/resolvepay/reconcile/store/memstore"
	"github.com/resolvepay/reconcile/store/redisstore"
)

// backends bundles the storage and coordination implementations selected
// by configuration.
type backends struct {
	orders   reconcile.OrderStore
	sessions reconcile.SessionStore
	locks    reconcile.Locker

	// gormSessions is set when sessions persist in the database, so the
	// server can purge expired rows periodically.
	gormSessions *gormstore.SessionStore

	redis *redis.Client
}

func (b *backends) Close() {
	if b.redis != nil {
		b.redis.Close()
	}
}

// openBackends wires stores and locks per cfg. Memory backends serve a
// single replica. The sqlite driver makes orders and sessions durable.
// Redis takes over sessions and transaction leases when configured, which
// is required as soon as more than one replica runs.
func openBackends(cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.Store.Driver {
	case "", "memory":
		b.orders = memstore.NewOrderStore()
		b.sessions = memstore.NewSessionStore()
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.Store.DSN), &gorm.Config{
			TranslateError: true,
			Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		orders := gormstore.NewOrderStore(db)
		if err := orders.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate order schema: %w", err)
		}
		sessions := gormstore.NewSessionStore(db)
		if err := sessions.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate session schema: %w", err)
		}
		b.orders = orders
		b.sessions = sessions
		b.gormSessions = sessions
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		b.redis = client
		b.sessions = redisstore.NewSessionStore(client)
		b.gormSessions = nil
		b.locks = lease.NewRedisLocker(client)
		logger.Info("using redis for sessions and leases", "addr", cfg.Redis.Addr)
	} else {
		b.locks = lease.NewMemoryLocker()
	}

	return b, nil
}
