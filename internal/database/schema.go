package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/database/migrations"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

// SchemaManager reads and migrates the schema of an application database
// using a versioned migration set.
type SchemaManager struct {
	driver      string
	busyTimeout time.Duration
	files       fs.FS
}

// NewSchemaManager returns a manager for files. A nil files uses the
// embedded application migrations.
func NewSchemaManager(driver string, busyTimeout time.Duration, files fs.FS) *SchemaManager {
	if files == nil {
		files = migrations.Files()
	}
	return &SchemaManager{driver: driver, busyTimeout: busyTimeout, files: files}
}

func (s *SchemaManager) RequiredVersion() (uint, error) {
	return migrations.LatestVersion(s.files)
}

// ReadVersion reads schema_migrations over a read-only connection. A database
// without the table, or with an empty one, has no known version. Failures are
// *glr.Error values classified by ClassifyError, so a locked file is
// distinguishable from a corrupt one.
func (s *SchemaManager) ReadVersion(ctx context.Context, dbPath string) (glr.SchemaVersion, error) {
	db, err := OpenReadOnly(s.driver, dbPath, s.busyTimeout)
	if err != nil {
		return glr.SchemaVersion{}, &glr.Error{Kind: ClassifyError(err), Op: "reading schema version", Path: dbPath, Err: err}
	}
	defer db.Close()

	var (
		version int64
		dirty   bool
	)
	err = db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return glr.SchemaVersion{}, nil
	case err != nil && strings.Contains(err.Error(), "no such table"):
		return glr.SchemaVersion{}, nil
	case err != nil:
		return glr.SchemaVersion{}, &glr.Error{Kind: ClassifyError(err), Op: "reading schema version", Path: dbPath, Err: err}
	}
	if version < 0 {
		return glr.SchemaVersion{}, nil
	}
	return glr.SchemaVersion{Version: uint(version), Dirty: dirty, Known: true}, nil
}

// Migrate opens dbPath read-write, creating it if needed, and applies every
// pending migration.
func (s *SchemaManager) Migrate(ctx context.Context, dbPath string, logger glr.Logger) (uint, error) {
	db, err := OpenConnection(s.driver, dbPath, s.busyTimeout)
	if err != nil {
		return 0, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return 0, fmt.Errorf("failed to open database: %w", err)
	}

	mg, err := migrations.New(db, s.driver, s.files)
	if err != nil {
		db.Close()
		return 0, err
	}
	defer mg.Close()

	version, err := mg.Up(logger)
	if err != nil {
		return version, err
	}
	if err := migrations.CheckDBMigrationStatus(mg, s.files); err != nil {
		return version, fmt.Errorf("verifying schema after migration: %w", err)
	}
	return version, nil
}

var _ glr.SchemaManager = (*SchemaManager)(nil)
