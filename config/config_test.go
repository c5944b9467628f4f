package config

import (
	"os"
	"path/filepath"
	"testing"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, int64(10), cfg.Payments.CostPerOperation)
	assert.Equal(t, int64(100), cfg.Payments.DefaultTopUp)
	assert.False(t, cfg.Payments.DevMode)
	assert.False(t, cfg.Payments.AllowUnmetered, "unmetered sessions must be opt-in")
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.NotEmpty(t, cfg.Recovery.Path)
	assert.NotEmpty(t, cfg.Wallet.MintURL)
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := LoadConfig("/nonexistent/config.yaml")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		tempDir := t.TempDir()
		path := filepath.Join(tempDir, "config.yaml")

		content := `
payments:
  cost_per_operation: 25
  dev_mode: true
storage:
  type: memory
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, int64(25), cfg.Payments.CostPerOperation)
		assert.True(t, cfg.Payments.DevMode)
		assert.Equal(t, "memory", cfg.Storage.Type)

		// Untouched sections keep their defaults.
		assert.Equal(t, int64(100), cfg.Payments.DefaultTopUp)
		assert.Equal(t, 8787, cfg.Server.Port)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		tempDir := t.TempDir()
		path := filepath.Join(tempDir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("payments: ["), 0644))

		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestSaveConfigRoundTrip(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Payments.CostPerOperation = 42
	cfg.Wallet.URL = "http://wallet.internal:9999"
	require.NoError(t, cfg.SaveConfig(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(42), loaded.Payments.CostPerOperation)
	assert.Equal(t, "http://wallet.internal:9999", loaded.Wallet.URL)
}

func TestLoadWithViper(t *testing.T) {
	t.Run("no file uses defaults", func(t *testing.T) {
		v := NewViper(filepath.Join(t.TempDir(), "absent.yaml"))
		cfg, err := LoadWithViper(v)
		require.NoError(t, err)
		assert.Equal(t, int64(10), cfg.Payments.CostPerOperation)
	})

	t.Run("file plus environment override", func(t *testing.T) {
		tempDir := t.TempDir()
		path := filepath.Join(tempDir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("payments:\n  cost_per_operation: 25\n"), 0644))

		// Neither key appears in the file; both must still land in the
		// unmarshaled struct.
		t.Setenv("SATMETER_PAYMENTS_DEV_MODE", "true")
		t.Setenv("SATMETER_SERVER_PORT", "9191")

		v := NewViper(path)
		cfg, err := LoadWithViper(v)
		require.NoError(t, err)
		assert.Equal(t, int64(25), cfg.Payments.CostPerOperation)
		assert.True(t, cfg.Payments.DevMode)
		assert.Equal(t, 9191, cfg.Server.Port)
	})

	t.Run("environment overrides a file value", func(t *testing.T) {
		tempDir := t.TempDir()
		path := filepath.Join(tempDir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("payments:\n  cost_per_operation: 25\n"), 0644))

		t.Setenv("SATMETER_PAYMENTS_COST_PER_OPERATION", "7")

		v := NewViper(path)
		cfg, err := LoadWithViper(v)
		require.NoError(t, err)
		assert.Equal(t, int64(7), cfg.Payments.CostPerOperation)
	})
}
