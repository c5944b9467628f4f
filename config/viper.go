package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// NewViper constructs a viper instance bound to the config file and the
// SATMETER_* environment namespace. Environment variables override file
// values key for key (SATMETER_PAYMENTS_DEV_MODE=true etc.).
func NewViper(configPath string) *viper.Viper {
	v := viper.New()

	if configPath == "" {
		configPath = getDefaultConfigPath()
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SATMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	return v
}

// setDefaults registers every config key with viper. AutomaticEnv only
// consults the environment for keys viper knows about, so without this
// an env override for a key absent from the file would never reach the
// unmarshaled struct.
func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.timeout", defaults.Server.Timeout)

	v.SetDefault("payments.cost_per_operation", defaults.Payments.CostPerOperation)
	v.SetDefault("payments.default_topup", defaults.Payments.DefaultTopUp)
	v.SetDefault("payments.dev_mode", defaults.Payments.DevMode)
	v.SetDefault("payments.allow_unmetered", defaults.Payments.AllowUnmetered)
	v.SetDefault("payments.max_operations", defaults.Payments.MaxOperations)

	v.SetDefault("wallet.url", defaults.Wallet.URL)
	v.SetDefault("wallet.mint_url", defaults.Wallet.MintURL)
	v.SetDefault("wallet.db_path", defaults.Wallet.DBPath)
	v.SetDefault("wallet.timeout", defaults.Wallet.Timeout)

	v.SetDefault("storage.type", defaults.Storage.Type)
	v.SetDefault("storage.sqlite.path", defaults.Storage.SQLite.Path)
	v.SetDefault("storage.postgres.host", defaults.Storage.Postgres.Host)
	v.SetDefault("storage.postgres.port", defaults.Storage.Postgres.Port)
	v.SetDefault("storage.postgres.database", defaults.Storage.Postgres.Database)
	v.SetDefault("storage.postgres.username", defaults.Storage.Postgres.Username)
	v.SetDefault("storage.postgres.password", defaults.Storage.Postgres.Password)
	v.SetDefault("storage.postgres.ssl_mode", defaults.Storage.Postgres.SSLMode)
	v.SetDefault("storage.redis.host", defaults.Storage.Redis.Host)
	v.SetDefault("storage.redis.port", defaults.Storage.Redis.Port)
	v.SetDefault("storage.redis.database", defaults.Storage.Redis.Database)
	v.SetDefault("storage.redis.password", defaults.Storage.Redis.Password)
	v.SetDefault("storage.redis.username", defaults.Storage.Redis.Username)
	v.SetDefault("storage.redis.ttl", defaults.Storage.Redis.TTL)

	v.SetDefault("recovery.path", defaults.Recovery.Path)

	v.SetDefault("llm.gateway_url", defaults.LLM.GatewayURL)
	v.SetDefault("llm.api_key", defaults.LLM.APIKey)
	v.SetDefault("llm.model", defaults.LLM.Model)
	v.SetDefault("llm.timeout", defaults.LLM.Timeout)
}

// LoadWithViper reads configuration through viper so that environment
// overrides apply, falling back to defaults when no file exists.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(v.ConfigFileUsed()); os.IsNotExist(statErr) {
			// No file is fine; env vars and defaults still apply
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
