package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/database"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

// BusyTimeout keeps lock waits short in tests.
const BusyTimeout = 2 * time.Second

// NewTestStorage returns mattn-backed storage services for dbPath.
func NewTestStorage(t *testing.T, dbPath string) *database.Storage {
	t.Helper()
	s, err := database.NewStorageFromConfig(configFor(dbPath))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return s
}

// NewChecker returns the real integrity checker.
func NewChecker() glr.IntegrityChecker {
	return database.NewIntegrityChecker(database.DriverMattn, BusyTimeout)
}

// NewSampleDatabase writes a database at path holding rows member records
// and returns its SHA-256.
func NewSampleDatabase(t *testing.T, path string, rows int) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	db, err := database.OpenConnection(database.DriverMattn, path, BusyTimeout)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS soci (id INTEGER PRIMARY KEY, nominativo TEXT NOT NULL, note TEXT)`); err != nil {
		db.Close()
		t.Fatalf("failed to create table: %v", err)
	}
	for i := 0; i < rows; i++ {
		if _, err := db.Exec(`INSERT INTO soci (nominativo, note) VALUES (?, ?)`,
			fmt.Sprintf("IZ0AB%03d", i), fmt.Sprintf("socio numero %d", i)); err != nil {
			db.Close()
			t.Fatalf("failed to insert row: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}
	return FileSHA256(t, path)
}

// AddRows appends rows to a database created by NewSampleDatabase.
func AddRows(t *testing.T, path string, rows int) {
	t.Helper()
	NewSampleDatabase(t, path, rows)
}

// CountRows returns the number of member records in path.
func CountRows(t *testing.T, path string) int {
	t.Helper()
	db, err := database.OpenReadOnly(database.DriverMattn, path, BusyTimeout)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM soci`).Scan(&n); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return n
}

// NewMigratedDatabase creates a database at path with the full application
// schema applied.
func NewMigratedDatabase(t *testing.T, path string) {
	t.Helper()
	sm := database.NewSchemaManager(database.DriverMattn, BusyTimeout, nil)
	if _, err := sm.Migrate(context.Background(), path, nil); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
}

// NewTestRegistry returns a document registry on a freshly migrated
// database. It is closed when the test completes.
func NewTestRegistry(t *testing.T) glr.DocumentRegistry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	NewMigratedDatabase(t, path)
	reg, err := NewTestStorage(t, path).OpenRegistry()
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() {
		reg.Close()
	})
	return reg
}
