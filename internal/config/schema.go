package config

import "time"

// Config represents the full reconciled daemon configuration
type Config struct {
	// Listen is the address the HTTP API binds to
	Listen string `yaml:"listen" mapstructure:"listen"`

	// APIKeys authorize merchant-facing endpoints. Empty disables auth,
	// which is only acceptable behind a trusted proxy.
	APIKeys []string `yaml:"api_keys" mapstructure:"api_keys"`

	// SessionTTL bounds how long an initiated payment stays resolvable
	SessionTTL time.Duration `yaml:"session_ttl" mapstructure:"session_ttl"`

	// Store configuration (order persistence)
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Redis configuration (sessions and transaction leases)
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// Gateway configuration (payment gateway credentials)
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// Fulfilment configuration (downstream provisioning service)
	Fulfilment FulfilmentConfig `yaml:"fulfilment" mapstructure:"fulfilment"`

	// Sweep configuration (SYNC_PENDING retry loop)
	Sweep SweepConfig `yaml:"sweep" mapstructure:"sweep"`

	// Log configuration
	Log LogConfig `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects the order store backend
type StoreConfig struct {
	// Driver is "memory" or "sqlite"
	Driver string `yaml:"driver" mapstructure:"driver"`

	// DSN is the database source name for the sqlite driver
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// RedisConfig configures the shared redis instance. A non-empty Addr moves
// sessions and transaction leases to redis so multiple daemon replicas can
// coordinate; an empty Addr keeps both in process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// GatewayConfig holds payment gateway credentials
type GatewayConfig struct {
	// URL is the base URL of the gateway API
	URL string `yaml:"url" mapstructure:"url"`

	// StoreID and StorePassword authenticate this merchant
	StoreID       string `yaml:"store_id" mapstructure:"store_id"`
	StorePassword string `yaml:"store_password" mapstructure:"store_password"`

	// IPNSecret verifies notification signatures. Empty disables the
	// signature check; server-to-server validation still runs.
	IPNSecret string `yaml:"ipn_secret" mapstructure:"ipn_secret"`

	// Timeout for gateway requests
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// FulfilmentConfig points at the downstream provisioning service
type FulfilmentConfig struct {
	URL     string        `yaml:"url" mapstructure:"url"`
	APIKey  string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// SweepConfig tunes the provisioning retry sweeper
type SweepConfig struct {
	// Interval between sweep passes
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// BatchSize caps orders scanned per pass
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`

	// Concurrency caps parallel provisioning calls
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`

	// MaxAttempts is the retry budget before an order is escalated
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// LogConfig configures structured logging
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level" mapstructure:"level"`

	// Format is text or json
	Format string `yaml:"format" mapstructure:"format"`
}
