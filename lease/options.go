package lease

import "time"

// config holds the configuration shared by locker constructors.
type config struct {
	clock  func() time.Time
	prefix string
}

// Option configures a locker.
type Option func(*config)

// WithClock sets the time source used for expiry decisions.
//
// Only applies to MemoryLocker; RedisLocker expiry is enforced by the
// server. Tests use this to step through lease lifetimes deterministically.
//
// Default: time.Now
func WithClock(clock func() time.Time) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithKeyPrefix sets the key namespace prepended to every lease key.
//
// Only applies to RedisLocker, where lease keys share the keyspace with
// other tenants of the server.
//
// Default: "reconcile:lease:"
func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}
