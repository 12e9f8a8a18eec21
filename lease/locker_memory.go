package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resolvepay/reconcile"
)

// MemoryLocker provides an in-memory implementation of reconcile.Locker.
//
// This implementation is suitable for single-instance deployments where
// lease state doesn't need to be shared across processes. For distributed
// deployments (load-balanced clusters, etc.), use RedisLocker or another
// shared backend.
//
// Features:
//   - Thread-safe with mutex protection
//   - Per-acquire TTL with lazy cleanup of expired leases
//   - Holder-checked release via per-lease tokens
type MemoryLocker struct {
	mu      sync.Mutex
	holders map[string]memoryHolder
	now     func() time.Time
}

type memoryHolder struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLocker creates a new in-memory locker.
func NewMemoryLocker(opts ...Option) *MemoryLocker {
	cfg := config{clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &MemoryLocker{
		holders: make(map[string]memoryHolder),
		now:     cfg.clock,
	}
}

// Acquire claims key exclusively for ttl. A live holder on the same key
// yields reconcile.ErrLeaseHeld; an expired holder is evicted and the key
// granted to the caller.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (reconcile.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if holder, exists := l.holders[key]; exists {
		if now.Before(holder.expiresAt) {
			return nil, reconcile.ErrLeaseHeld
		}
		// Expired - clean it up
		delete(l.holders, key)
	}

	token := uuid.NewString()
	l.holders[key] = memoryHolder{token: token, expiresAt: now.Add(ttl)}
	l.cleanupExpiredLocked(now)

	return &memoryLease{locker: l, key: key, token: token}, nil
}

// release frees key if token still owns it. Releasing an expired or stolen
// lease is a no-op.
func (l *MemoryLocker) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if holder, exists := l.holders[key]; exists && holder.token == token {
		delete(l.holders, key)
	}
}

// cleanupExpiredLocked removes expired leases. Must be called with lock held.
func (l *MemoryLocker) cleanupExpiredLocked(now time.Time) {
	for key, holder := range l.holders {
		if now.After(holder.expiresAt) {
			delete(l.holders, key)
		}
	}
}

// memoryLease is a claim granted by MemoryLocker.
type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (ml *memoryLease) Key() string {
	return ml.key
}

func (ml *memoryLease) Release(ctx context.Context) error {
	ml.locker.release(ml.key, ml.token)
	return nil
}

// Ensure MemoryLocker implements reconcile.Locker
var _ reconcile.Locker = (*MemoryLocker)(nil)
