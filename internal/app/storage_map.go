package app

import (
	"strings"
	"time"

	"botgate/internal/config"
	"botgate/internal/errs"
	"botgate/internal/storage"
)

// mapStorageConfig turns the storage section into a driver config. No
// section means the in-memory store.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory", "none":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, errs.Config("storage.path", "required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errs.Config("storage.path", "required when storage.driver=sqlite")
		}
		busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, errs.Config("storage.driver", "unknown driver %q", sc.Driver)
	}
}

func driverName(sc storage.Config) string {
	if sc.Driver == "" {
		return "memory"
	}
	return sc.Driver
}

func storageChanged(prev, next *config.Config) bool {
	switch {
	case prev.Storage == nil && next.Storage == nil:
		return false
	case prev.Storage == nil || next.Storage == nil:
		return true
	default:
		return *prev.Storage != *next.Storage
	}
}
