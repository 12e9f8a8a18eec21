package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:     ":8488",
		SessionTTL: 15 * time.Minute,
		Store: StoreConfig{
			Driver: "memory",
			DSN:    "file:reconcile.db",
		},
		Gateway: GatewayConfig{
			Timeout: 15 * time.Second,
		},
		Fulfilment: FulfilmentConfig{
			Timeout: 30 * time.Second,
		},
		Sweep: SweepConfig{
			Interval:    30 * time.Second,
			BatchSize:   100,
			Concurrency: 4,
			MaxAttempts: 8,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefault writes a commented starter configuration to a file
func WriteDefault(path string) error {
	content := `# reconciled configuration

# Address the HTTP API binds to
listen: ":8488"

# API keys accepted on merchant-facing endpoints. An empty list disables
# auth, which is only acceptable behind a trusted proxy.
api_keys: []

# How long an initiated payment stays resolvable by session id
session_ttl: 15m

# Order persistence. driver is "memory" (single process, lost on restart)
# or "sqlite".
store:
  driver: memory
  dsn: "file:reconcile.db"

# Shared redis for sessions and transaction leases. Required when running
# more than one replica; leave addr empty to keep both in process memory.
redis:
  addr: ""
  password: ""
  db: 0

# Payment gateway credentials
gateway:
  url: "https://sandbox.gateway.example.com"
  store_id: ""
  store_password: ""
  # Verifies notification signatures when set. Server-to-server
  # validation runs either way.
  ipn_secret: ""
  timeout: 15s

# Downstream provisioning service
fulfilment:
  url: "http://localhost:9090"
  api_key: ""
  timeout: 30s

# Retry loop for orders stuck in SYNC_PENDING
sweep:
  interval: 30s
  batch_size: 100
  concurrency: 4
  max_attempts: 8

log:
  level: info   # debug, info, warn, error
  format: text  # text or json
`

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
