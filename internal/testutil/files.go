package testutil

import (
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/config"
)

func configFor(dbPath string) config.DatabaseConfig {
	return config.DatabaseConfig{Driver: "sqlite3", Path: dbPath, BusyTimeout: BusyTimeout.String()}
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// ReadFile returns the contents of path.
func ReadFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return data
}

// CorruptHeader overwrites the first n bytes of path, destroying the SQLite
// magic string.
func CorruptHeader(t *testing.T, path string, n int) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()
	garbage := make([]byte, n)
	for i := range garbage {
		garbage[i] = 'X'
	}
	if _, err := f.WriteAt(garbage, 0); err != nil {
		t.Fatalf("failed to corrupt %s: %v", path, err)
	}
}

// CorruptPage overwrites the first n bytes of SQLite page number page with
// seeded random bytes. The file header stays intact so the database still
// opens; the leading zero byte is never a valid b-tree page type, so
// PRAGMA integrity_check reports the damaged tree.
func CorruptPage(t *testing.T, path string, page int, n int, seed int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	header := make([]byte, 18)
	if _, err := f.ReadAt(header, 0); err != nil {
		t.Fatalf("failed to read header of %s: %v", path, err)
	}
	pageSize := int64(binary.BigEndian.Uint16(header[16:18]))
	if pageSize == 1 {
		pageSize = 65536
	}

	garbage := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(garbage)
	garbage[0] = 0
	if _, err := f.WriteAt(garbage, int64(page-1)*pageSize); err != nil {
		t.Fatalf("failed to corrupt %s: %v", path, err)
	}
}

// Truncate cuts path to size bytes.
func Truncate(t *testing.T, path string, size int64) {
	t.Helper()
	if err := os.Truncate(path, size); err != nil {
		t.Fatalf("failed to truncate %s: %v", path, err)
	}
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
