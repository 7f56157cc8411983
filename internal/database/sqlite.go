package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver "sqlite3" (cgo)
	_ "modernc.org/sqlite"          // SQLite driver "sqlite" (pure Go)
)

const (
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

var pathEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

// dsn builds a URI filename for path with the connection options each driver
// understands. busy_timeout bounds how long a locked file is waited for.
func dsn(driver, path string, readOnly bool, busyTimeout time.Duration) (string, error) {
	ms := busyTimeout.Milliseconds()
	var params []string
	if readOnly {
		params = append(params, "mode=ro")
	}
	switch driver {
	case DriverMattn:
		params = append(params, fmt.Sprintf("_busy_timeout=%d", ms), "_foreign_keys=on")
	case DriverModernc:
		params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", ms), "_pragma=foreign_keys(1)")
	default:
		return "", fmt.Errorf("unknown sqlite driver: %s", driver)
	}
	return "file:" + pathEscaper.Replace(path) + "?" + strings.Join(params, "&"), nil
}

// OpenConnection opens a read-write SQLite connection with foreign keys
// enabled and a bounded busy timeout. The file is created if missing.
func OpenConnection(driver, path string, busyTimeout time.Duration) (*sql.DB, error) {
	return open(driver, path, false, busyTimeout)
}

// OpenReadOnly opens path so that nothing, including journal recovery, can
// modify it. A missing file is an error.
func OpenReadOnly(driver, path string, busyTimeout time.Duration) (*sql.DB, error) {
	return open(driver, path, true, busyTimeout)
}

func open(driver, path string, readOnly bool, busyTimeout time.Duration) (*sql.DB, error) {
	name, err := dsn(driver, path, readOnly, busyTimeout)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps per-connection pragmas and locks predictable.
	db.SetMaxOpenConns(1)
	return db, nil
}
