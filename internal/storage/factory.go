package storage

import (
	"fmt"

	"tally/internal/log"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Options selects and configures a token store backend.
type Options struct {
	Backend      string
	FilePath     string
	SQLiteDBPath string
}

// Result bundles the opened store with its cleanup function.
type Result struct {
	Store   TokenStore
	Cleanup func() error
}

// Open builds the token store named by opts.Backend.
func Open(opts Options, logger *log.Logger) (*Result, error) {
	if logger == nil {
		logger = log.Discard()
	}

	switch opts.Backend {
	case BackendMemory:
		logger.Info("Initialized memory token store", log.FieldBackend, opts.Backend)
		return &Result{Store: NewMemoryStore(), Cleanup: noCleanup}, nil
	case BackendFile:
		logger.Info("Initialized file token store", log.FieldBackend, opts.Backend, "path", opts.FilePath)
		return &Result{Store: NewFileStore(opts.FilePath, logger), Cleanup: noCleanup}, nil
	case BackendSQLite:
		s, err := NewSQLiteStore(opts.SQLiteDBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite token store: %w", err)
		}
		logger.Info("Initialized SQLite token store", log.FieldBackend, opts.Backend, "db_path", opts.SQLiteDBPath)
		return &Result{Store: s, Cleanup: s.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported token store backend: %s", opts.Backend)
	}
}

func noCleanup() error { return nil }
