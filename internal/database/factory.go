package database

import (
	"fmt"
	"os"
	"time"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/config"
)

// Storage bundles the database-backed services built from one database
// configuration.
type Storage struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration

	Checker     *IntegrityChecker
	Schema      *SchemaManager
	Snapshotter *Snapshotter
}

// NewStorageFromConfig creates the storage services for cfg. Nothing is
// opened or created on disk.
func NewStorageFromConfig(cfg config.DatabaseConfig) (*Storage, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = config.DefaultDriver
	}
	switch driver {
	case DriverMattn, DriverModernc:
	default:
		return nil, fmt.Errorf("unknown database driver: %s", driver)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path required")
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}

	return &Storage{
		Driver:      driver,
		Path:        cfg.Path,
		BusyTimeout: timeout,
		Checker:     NewIntegrityChecker(driver, timeout),
		Schema:      NewSchemaManager(driver, timeout, nil),
		Snapshotter: NewSnapshotter(driver, timeout),
	}, nil
}

// OpenRegistry opens the document registry on an existing database. It
// never creates the database file.
func (s *Storage) OpenRegistry() (*DocumentRegistry, error) {
	if _, err := os.Stat(s.Path); err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	db, err := OpenConnection(s.Driver, s.Path, s.BusyTimeout)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewDocumentRegistry(db), nil
}
