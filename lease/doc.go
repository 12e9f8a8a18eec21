// Package lease provides exclusive TTL leases for serializing notification
// processing per payment transaction.
//
// # Overview
//
// Gateway notifications arrive duplicated and concurrently: the same
// transaction can be reported by several deliveries racing each other and
// racing the buyer's browser redirect. The reconciliation engine takes an
// exclusive lease on the transaction and validation keys before touching an
// order, so exactly one processor finalizes a payment while the others
// observe the persisted result.
//
// A lease is not a mutex. Contention is an expected signal, surfaced as
// reconcile.ErrLeaseHeld, and the losing processor answers from stored
// state instead of waiting. The TTL is the crash safety net: a holder that
// dies without releasing stops blocking once the lease expires.
//
// # Backends
//
// MemoryLocker keeps leases in process memory. It is suitable for
// single-instance deployments and tests. For load-balanced clusters use
// RedisLocker, which implements the same contract with SET NX PX and a
// compare-and-delete release so only the current holder can free a key.
//
// # Usage
//
//	locker := lease.NewMemoryLocker()
//	engine := reconcile.New(orders, sessions, locker, validator, provisioner)
//
// Distributed:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	locker := lease.NewRedisLocker(client)
package lease
