package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sveltereader/satmeter/internal/logger"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the conventional location of the config file
const DefaultConfigPath = ".satmeter/config.yaml"

// Config represents the satmeter configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Payments PaymentsConfig `yaml:"payments" mapstructure:"payments"`
	Wallet   WalletConfig   `yaml:"wallet" mapstructure:"wallet"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Recovery RecoveryConfig `yaml:"recovery" mapstructure:"recovery"`
	LLM      LLMConfig      `yaml:"llm" mapstructure:"llm"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host    string `yaml:"host" mapstructure:"host"`
	Port    int    `yaml:"port" mapstructure:"port"`
	Timeout int    `yaml:"timeout" mapstructure:"timeout"`
}

// PaymentsConfig contains the metering knobs.
//
// AllowUnmetered deserves a note: a session started without a token runs
// with an unlimited budget and never settles anything. That is a
// deliberate escape hatch for development, and it is off unless this
// flag is set explicitly.
type PaymentsConfig struct {
	CostPerOperation int64 `yaml:"cost_per_operation" mapstructure:"cost_per_operation"`
	DefaultTopUp     int64 `yaml:"default_topup" mapstructure:"default_topup"`
	DevMode          bool  `yaml:"dev_mode" mapstructure:"dev_mode"`
	AllowUnmetered   bool  `yaml:"allow_unmetered" mapstructure:"allow_unmetered"`
	MaxOperations    int   `yaml:"max_operations" mapstructure:"max_operations"`
}

// WalletConfig contains hot wallet settings
type WalletConfig struct {
	// URL is the wallet service endpoint used by the redemption client
	URL string `yaml:"url" mapstructure:"url"`
	// MintURL is the default mint backing received tokens
	MintURL string `yaml:"mint_url" mapstructure:"mint_url"`
	// DBPath is the proof store location for the local wallet service
	DBPath  string `yaml:"db_path" mapstructure:"db_path"`
	Timeout int    `yaml:"timeout" mapstructure:"timeout"`
}

// StorageConfig selects the session record backend
type StorageConfig struct {
	// Type specifies the storage backend type (sqlite, postgres, redis, memory)
	Type     string         `yaml:"type" mapstructure:"type"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
	Redis    RedisConfig    `yaml:"redis,omitempty" mapstructure:"redis"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains Postgres-specific configuration
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Database string `yaml:"database" mapstructure:"database"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// RedisConfig contains Redis-specific configuration
type RedisConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Database int    `yaml:"database" mapstructure:"database"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	Username string `yaml:"username,omitempty" mapstructure:"username"`
	// TTL in seconds applied to terminal records only, 0 means keep forever
	TTL int `yaml:"ttl,omitempty" mapstructure:"ttl"`
}

// RecoveryConfig contains the operator recovery log settings
type RecoveryConfig struct {
	// Path of the append-only recovery log (JSONL)
	Path string `yaml:"path" mapstructure:"path"`
}

// LLMConfig contains the inference gateway connection used by metered chat steps
type LLMConfig struct {
	GatewayURL string `yaml:"gateway_url" mapstructure:"gateway_url"`
	APIKey     string `yaml:"api_key" mapstructure:"api_key"`
	Model      string `yaml:"model" mapstructure:"model"`
	Timeout    int    `yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    8787,
			Timeout: 30,
		},
		Payments: PaymentsConfig{
			CostPerOperation: 10,
			DefaultTopUp:     100,
			DevMode:          false,
			AllowUnmetered:   false,
			MaxOperations:    10,
		},
		Wallet: WalletConfig{
			URL:     "http://localhost:8787",
			MintURL: "https://mint.minibits.cash/Bitcoin",
			DBPath:  ".satmeter/wallet.db",
			Timeout: 15,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: ".satmeter/sessions.db",
			},
		},
		Recovery: RecoveryConfig{
			Path: ".satmeter/recovery.jsonl",
		},
		LLM: LLMConfig{
			GatewayURL: "http://localhost:8080",
			Model:      "",
			Timeout:    120,
		},
	}
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
		logger.Debug("Using default config path", "path", configPath)
	} else {
		logger.Debug("Using custom config path", "path", configPath)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		logger.Debug("Config file not found, using default configuration", "path", configPath)
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		logger.Error("Failed to read config file", "path", configPath, "error", err)
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		logger.Error("Failed to parse config file", "path", configPath, "error", err)
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	logger.Debug("Successfully loaded config", "path", configPath, "wallet_url", config.Wallet.URL)
	return config, nil
}

// SaveConfig saves configuration to file
func (c *Config) SaveConfig(configPath string) error {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	defer func() {
		if err := encoder.Close(); err != nil {
			logger.Error("Failed to close YAML encoder", "error", err)
		}
	}()

	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func getDefaultConfigPath() string {
	wd, err := os.Getwd()
	if err != nil {
		return DefaultConfigPath
	}
	return filepath.Join(wd, DefaultConfigPath)
}
