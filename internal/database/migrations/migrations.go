package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// Files returns the embedded migration set, rooted at its directory.
func Files() fs.FS {
	sub, err := fs.Sub(migrationFiles, "files")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

// Migrator applies migrations from files to an open database one step at a
// time. Each step runs in its own transaction.
type Migrator struct {
	m      *migrate.Migrate
	source source.Driver
}

// New creates a migrator for db. driver is the database/sql driver name the
// connection was opened with ("sqlite3" or "sqlite").
func New(db *sql.DB, driver string, files fs.FS) (*Migrator, error) {
	var (
		dbDriver database.Driver
		err      error
	)
	switch driver {
	case "sqlite3":
		dbDriver, err = migratesqlite3.WithInstance(db, &migratesqlite3.Config{})
	case "sqlite":
		dbDriver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		return nil, fmt.Errorf("unsupported migration driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	migrateSource, err := iofs.New(files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", migrateSource, driver, dbDriver)
	if err != nil {
		migrateSource.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	// A second source walks versions without disturbing the one migrate owns.
	walker, err := iofs.New(files, ".")
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	return &Migrator{m: m, source: walker}, nil
}

// Close releases the migrator. It also closes the database connection.
func (mg *Migrator) Close() error {
	srcErr := mg.source.Close()
	errSrc, errDB := mg.m.Close()
	return errors.Join(srcErr, errSrc, errDB)
}

// Version returns the recorded schema version. known is false when no
// migration has ever been applied.
func (mg *Migrator) Version() (version uint, known, dirty bool, err error) {
	version, dirty, err = mg.m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, false, nil
		}
		return 0, false, false, fmt.Errorf("failed to get database version: %w", err)
	}
	return version, true, dirty, nil
}

// Up applies every pending migration in order and returns the version
// reached. When a step fails the recorded version is reset to the last step
// that completed and a *glr.MigrationError is returned.
func (mg *Migrator) Up(logger glr.Logger) (uint, error) {
	if logger == nil {
		logger = glr.NewNopLogger()
	}

	from, known, dirty, err := mg.Version()
	if err != nil {
		return 0, err
	}
	if dirty {
		return from, &glr.MigrationError{From: from, Reached: from, Failed: from,
			Err: fmt.Errorf("database is in dirty state at version %d (migration failed previously)", from)}
	}

	cur := from
	for {
		var next uint
		if known {
			next, err = mg.source.Next(cur)
		} else {
			next, err = mg.source.First()
		}
		if errors.Is(err, fs.ErrNotExist) {
			return cur, nil
		}
		if err != nil {
			return cur, fmt.Errorf("reading migration after version %d: %w", cur, err)
		}

		logger.Info("applying migration", "from", cur, "to", next)
		if err := mg.m.Steps(1); err != nil {
			logger.Error("migration step failed", "version", next, "error", err)
			if ferr := mg.forceBack(cur, known); ferr != nil {
				logger.Error("resetting schema version failed", "version", cur, "error", ferr)
				err = errors.Join(err, ferr)
			}
			return cur, &glr.MigrationError{From: from, Reached: cur, Failed: next, Err: err}
		}
		logger.Info("migration applied", "version", next)
		cur, known = next, true
	}
}

// forceBack clears the dirty flag left by a failed step. The step's own
// transaction has already been rolled back by the driver.
func (mg *Migrator) forceBack(version uint, known bool) error {
	if !known {
		return mg.m.Force(database.NilVersion)
	}
	return mg.m.Force(int(version))
}

// LatestVersion returns the highest version available in files.
func LatestVersion(files fs.FS) (uint, error) {
	src, err := iofs.New(files, ".")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()
	return getLatestVersion(src)
}

// CheckDBMigrationStatus verifies that the database schema is up-to-date.
// Returns nil if the database is at the latest version.
func CheckDBMigrationStatus(mg *Migrator, files fs.FS) error {
	version, known, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("database has no schema version (needs migration)")
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", version)
	}

	latestVersion, err := LatestVersion(files)
	if err != nil {
		return fmt.Errorf("failed to determine latest version: %w", err)
	}

	if version < latestVersion {
		return fmt.Errorf("database is at version %d but latest is %d (%d migrations behind)",
			version, latestVersion, latestVersion-version)
	}
	if version > latestVersion {
		return fmt.Errorf("database version %d is ahead of binary version %d (binary needs update)",
			version, latestVersion)
	}
	return nil
}

// getLatestVersion returns the highest version number available in the source.
func getLatestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}

	latestVersion := version
	for {
		nextVersion, err := src.Next(latestVersion)
		if err != nil {
			// Any error from Next() means we've reached the end
			break
		}
		latestVersion = nextVersion
	}

	return latestVersion, nil
}
