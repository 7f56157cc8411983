package migrations

import (
	"database/sql"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

func TestMigrator_Up_FreshDatabase(t *testing.T) {
	mg := newTestMigrator(t, Files())

	version, err := mg.Up(nil)
	if err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	latest, err := LatestVersion(Files())
	if err != nil {
		t.Fatalf("LatestVersion() failed: %v", err)
	}
	if version != latest {
		t.Errorf("Up() = %d, want %d", version, latest)
	}

	tables := []string{"soci", "documenti", "cd_riunioni", "cd_delibere", "ponti",
		"magazzino_items", "magazzino_loans", "section_documents", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := mg.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestCheckDBMigrationStatus_FreshDatabase(t *testing.T) {
	mg := newTestMigrator(t, Files())

	err := CheckDBMigrationStatus(mg.Migrator, Files())
	if err == nil {
		t.Fatal("CheckDBMigrationStatus() expected error for fresh database, got nil")
	}
	if err.Error() != "database has no schema version (needs migration)" {
		t.Errorf("CheckDBMigrationStatus() error = %q, want error about needing migration", err.Error())
	}
}

func TestCheckDBMigrationStatus_AfterMigration(t *testing.T) {
	mg := newTestMigrator(t, Files())

	if _, err := mg.Up(nil); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := CheckDBMigrationStatus(mg.Migrator, Files()); err != nil {
		t.Errorf("CheckDBMigrationStatus() after migration returned error: %v", err)
	}
}

func TestMigrator_Up_Idempotent(t *testing.T) {
	mg := newTestMigrator(t, Files())

	first, err := mg.Up(nil)
	if err != nil {
		t.Fatalf("First Up() failed: %v", err)
	}
	second, err := mg.Up(nil)
	if err != nil {
		t.Errorf("Second Up() failed: %v (should be idempotent)", err)
	}
	if first != second {
		t.Errorf("second Up() = %d, want %d", second, first)
	}
}

func TestMigrator_Up_FailedStepLeavesLastGoodVersion(t *testing.T) {
	files := fstest.MapFS{
		"1_create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"1_create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"2_broken.up.sql":     {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY); THIS IS NOT SQL;")},
		"2_broken.down.sql":   {Data: []byte("DROP TABLE b;")},
	}
	mg := newTestMigrator(t, files)

	version, err := mg.Up(nil)
	if err == nil {
		t.Fatal("Up() expected error for broken migration, got nil")
	}
	var merr *glr.MigrationError
	if !errors.As(err, &merr) {
		t.Fatalf("Up() error = %T, want *glr.MigrationError", err)
	}
	if version != 1 || merr.Reached != 1 || merr.Failed != 2 {
		t.Errorf("Up() = %d, Reached=%d Failed=%d; want 1, 1, 2", version, merr.Reached, merr.Failed)
	}

	got, known, dirty, err := mg.Version()
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if !known || dirty || got != 1 {
		t.Errorf("Version() = %d known=%v dirty=%v, want 1 known clean", got, known, dirty)
	}

	// The failed step ran in a transaction, so its first statement is gone too.
	var n int
	if err := mg.db.QueryRow("SELECT count(*) FROM sqlite_master WHERE name='b'").Scan(&n); err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	if n != 0 {
		t.Error("table b exists after a failed migration step")
	}
}

func TestMigrator_Up_FirstStepFails(t *testing.T) {
	files := fstest.MapFS{
		"1_broken.up.sql": {Data: []byte("NOT SQL AT ALL;")},
	}
	mg := newTestMigrator(t, files)

	if _, err := mg.Up(nil); err == nil {
		t.Fatal("Up() expected error, got nil")
	}
	_, known, dirty, err := mg.Version()
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if known || dirty {
		t.Errorf("Version() known=%v dirty=%v, want no version recorded", known, dirty)
	}
}

func TestCheckDBMigrationStatus_Behind(t *testing.T) {
	files := fstest.MapFS{
		"1_a.up.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"2_b.up.sql": {Data: []byte("CREATE TABLE b (id INTEGER);")},
	}
	older := fstest.MapFS{
		"1_a.up.sql": files["1_a.up.sql"],
	}

	path := filepath.Join(t.TempDir(), "test.db")
	mg := openMigrator(t, path, older)
	if _, err := mg.Up(nil); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	err := CheckDBMigrationStatus(mg.Migrator, files)
	if err == nil || !strings.Contains(err.Error(), "1 migrations behind") {
		t.Errorf("CheckDBMigrationStatus() = %v, want a behind error", err)
	}
}

func TestLatestVersion(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
		want  uint
	}{
		{
			name: "single",
			files: fstest.MapFS{
				"1_a.up.sql": {Data: []byte("SELECT 1;")},
			},
			want: 1,
		},
		{
			name: "gaps",
			files: fstest.MapFS{
				"1_a.up.sql":  {Data: []byte("SELECT 1;")},
				"5_b.up.sql":  {Data: []byte("SELECT 1;")},
				"12_c.up.sql": {Data: []byte("SELECT 1;")},
			},
			want: 12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LatestVersion(tt.files)
			if err != nil {
				t.Fatalf("LatestVersion() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("LatestVersion() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFiles_Embedded(t *testing.T) {
	latest, err := LatestVersion(Files())
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if latest < 3 {
		t.Errorf("LatestVersion(Files()) = %d, want at least 3", latest)
	}
}

type testMigrator struct {
	*Migrator
	db *sql.DB
}

func newTestMigrator(t *testing.T, files fs.FS) *testMigrator {
	t.Helper()
	return openMigrator(t, filepath.Join(t.TempDir(), "test.db"), files)
}

func openMigrator(t *testing.T, path string, files fs.FS) *testMigrator {
	t.Helper()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)

	mg, err := New(db, "sqlite3", files)
	if err != nil {
		db.Close()
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		mg.Close()
	})
	return &testMigrator{Migrator: mg, db: db}
}
