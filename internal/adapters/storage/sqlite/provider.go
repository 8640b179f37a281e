// Package sqlite provides the SQLite storage adapter.
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
	"github.com/tjfontaine/autonomic-gateway/internal/storage/sqldb"
)

// Provider implements ports.StorageProvider using SQLite.
// It wraps the sqldb implementation.
type Provider struct {
	*sqldb.Store
}

// NewProvider opens (or creates) the database at path. The parent directory
// is created when missing. ":memory:" and "file:" DSNs are passed through.
func NewProvider(path string) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
	}

	store, err := sqldb.NewSQLite(path)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Store: store,
	}, nil
}

// Ensure Provider implements ports.StorageProvider at compile time.
var _ ports.StorageProvider = (*Provider)(nil)
