package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

// Snapshotter writes a transactionally consistent copy of a live database
// with VACUUM INTO, so archives never capture a half-written page.
type Snapshotter struct {
	driver      string
	busyTimeout time.Duration
}

func NewSnapshotter(driver string, busyTimeout time.Duration) *Snapshotter {
	return &Snapshotter{driver: driver, busyTimeout: busyTimeout}
}

// SnapshotTo writes the contents of dbPath to dest. dest must not exist.
func (s *Snapshotter) SnapshotTo(ctx context.Context, dbPath, dest string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("snapshot source: %w", err)
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot destination already exists: %s", dest)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("snapshot destination: %w", err)
	}

	db, err := OpenConnection(s.driver, dbPath, s.busyTimeout)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		os.Remove(dest)
		return fmt.Errorf("snapshot of %s: %w", dbPath, err)
	}
	return nil
}

var _ glr.Snapshotter = (*Snapshotter)(nil)
