package storage

import (
	"fmt"

	"github.com/sveltereader/satmeter/config"
)

// NewStorage creates a new session store based on the provided configuration
func NewStorage(cfg config.StorageConfig) (SessionStore, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite)
	case "postgres":
		return NewPostgresStore(cfg.Postgres)
	case "redis":
		return NewRedisStore(cfg.Redis)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
