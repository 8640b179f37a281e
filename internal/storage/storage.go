// Package storage selects the storage backend from configuration.
package storage

import (
	"fmt"

	"github.com/tjfontaine/autonomic-gateway/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
	"github.com/tjfontaine/autonomic-gateway/internal/pkg/config"
	"github.com/tjfontaine/autonomic-gateway/internal/storage/memory"
)

// Open returns the provider named by cfg.Type.
func Open(cfg config.StorageConfig) (ports.StorageProvider, error) {
	switch cfg.Type {
	case "sqlite":
		p, err := sqlite.NewProvider(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
