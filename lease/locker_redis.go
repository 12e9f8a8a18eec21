package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/resolvepay/reconcile"
)

// releaseScript deletes a lease key only while the caller's token still owns
// it, so a holder whose lease expired cannot free a successor's claim.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements reconcile.Locker on a shared Redis, making lease
// exclusivity hold across a load-balanced cluster.
//
// Acquisition is a single SET NX PX, release a compare-and-delete script.
// Expiry is enforced server-side, so a crashed holder stops blocking once
// the TTL elapses even if its process never comes back.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a locker on the given client.
func NewRedisLocker(client redis.UniversalClient, opts ...Option) *RedisLocker {
	cfg := config{prefix: "reconcile:lease:"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RedisLocker{client: client, prefix: cfg.prefix}
}

// Acquire claims key exclusively for ttl. Another live holder yields
// reconcile.ErrLeaseHeld.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (reconcile.Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, reconcile.ErrLeaseHeld
	}
	return &redisLease{locker: l, key: key, token: token}, nil
}

// redisLease is a claim granted by RedisLocker.
type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
}

func (rl *redisLease) Key() string {
	return rl.key
}

func (rl *redisLease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, rl.locker.client, []string{rl.locker.prefix + rl.key}, rl.token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis release %s: %w", rl.key, err)
	}
	return nil
}

// Ensure RedisLocker implements reconcile.Locker
var _ reconcile.Locker = (*RedisLocker)(nil)
