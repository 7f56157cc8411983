package database

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

// IntegrityChecker runs PRAGMA integrity_check over a read-only connection.
type IntegrityChecker struct {
	driver      string
	busyTimeout time.Duration
}

func NewIntegrityChecker(driver string, busyTimeout time.Duration) *IntegrityChecker {
	return &IntegrityChecker{driver: driver, busyTimeout: busyTimeout}
}

// Check never returns an error; every failure is folded into the result.
func (c *IntegrityChecker) Check(ctx context.Context, path string) glr.CheckResult {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return glr.CheckResult{Detail: "file not found", Kind: glr.KindNotFound}
		}
		return glr.CheckResult{Detail: err.Error(), Kind: glr.KindUnreadable}
	}
	if info.IsDir() {
		return glr.CheckResult{Detail: "is a directory", Kind: glr.KindUnreadable}
	}
	// SQLite accepts a zero-length file as an empty database.
	if info.Size() == 0 {
		return glr.CheckResult{Detail: "file is empty", Kind: glr.KindCorrupt}
	}

	db, err := OpenReadOnly(c.driver, path, c.busyTimeout)
	if err != nil {
		return glr.CheckResult{Detail: err.Error(), Kind: ClassifyError(err)}
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return glr.CheckResult{Detail: err.Error(), Kind: ClassifyError(err)}
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return glr.CheckResult{Detail: err.Error(), Kind: ClassifyError(err)}
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return glr.CheckResult{Detail: err.Error(), Kind: ClassifyError(err)}
	}

	if len(lines) == 1 && lines[0] == "ok" {
		return glr.CheckResult{Valid: true}
	}
	if len(lines) == 0 {
		return glr.CheckResult{Detail: "integrity check returned no result", Kind: glr.KindCorrupt}
	}
	return glr.CheckResult{Detail: strings.Join(lines, "; "), Kind: glr.KindCorrupt}
}

var _ glr.IntegrityChecker = (*IntegrityChecker)(nil)
