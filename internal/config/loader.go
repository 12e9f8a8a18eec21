package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the given YAML file, if any, and applies
// RECONCILE_* environment variable overrides on top. An empty path loads
// defaults plus environment only, so the daemon can run without a config
// file at all.
//
// Environment keys mirror the YAML structure with underscores, e.g.
// RECONCILE_GATEWAY_STORE_ID overrides gateway.store_id.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("RECONCILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key with viper. Registration is what makes
// environment-only overrides visible to Unmarshal, so keys listed here and
// the Config schema must stay in sync.
func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("listen", def.Listen)
	v.SetDefault("api_keys", def.APIKeys)
	v.SetDefault("session_ttl", def.SessionTTL)

	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.dsn", def.Store.DSN)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.password", def.Redis.Password)
	v.SetDefault("redis.db", def.Redis.DB)

	v.SetDefault("gateway.url", def.Gateway.URL)
	v.SetDefault("gateway.store_id", def.Gateway.StoreID)
	v.SetDefault("gateway.store_password", def.Gateway.StorePassword)
	v.SetDefault("gateway.ipn_secret", def.Gateway.IPNSecret)
	v.SetDefault("gateway.timeout", def.Gateway.Timeout)

	v.SetDefault("fulfilment.url", def.Fulfilment.URL)
	v.SetDefault("fulfilment.api_key", def.Fulfilment.APIKey)
	v.SetDefault("fulfilment.timeout", def.Fulfilment.Timeout)

	v.SetDefault("sweep.interval", def.Sweep.Interval)
	v.SetDefault("sweep.batch_size", def.Sweep.BatchSize)
	v.SetDefault("sweep.concurrency", def.Sweep.Concurrency)
	v.SetDefault("sweep.max_attempts", def.Sweep.MaxAttempts)

	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
}
