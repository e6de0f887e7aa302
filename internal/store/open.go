package store

import (
	"fmt"

	"github.com/tOgg1/pigeon/internal/config"
)

// Open builds the backend selected by configuration.
func Open(cfg *config.Config) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	switch cfg.Storage.Backend {
	case config.StorageBackendSQLite:
		return OpenSQLite(cfg.DatabasePath(), cfg.Storage.BusyTimeoutMs)
	case config.StorageBackendFile, "":
		return NewFileBackend(cfg.RecordsDir())
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
