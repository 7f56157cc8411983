package glr

import (
	"context"
	"errors"
	"io"
	"time"
)

// VaultObject describes one snapshot held by a vault.
type VaultObject struct {
	Name     string
	Size     int64
	Modified time.Time
}

// Vault is an offsite store for snapshot files. Transfers stream through
// io.Reader/io.Writer so large databases are never held in memory.
type Vault interface {
	// Name identifies the vault in logs and CLI output.
	Name() string

	// PutSnapshot stores r under name, replacing any previous object.
	// size is the number of bytes that will be read from r.
	PutSnapshot(ctx context.Context, name string, r io.Reader, size int64) error

	// GetSnapshot writes the named object to w. A missing object is a
	// KindNotFound error.
	GetSnapshot(ctx context.Context, name string, w io.Writer) error

	// ListSnapshots returns every stored object sorted by name.
	ListSnapshots(ctx context.Context) ([]VaultObject, error)

	// ValidateSetup verifies that the vault is reachable and writable.
	ValidateSetup(ctx context.Context) error
}

// NotFoundError builds the error vaults return for a missing object.
func NotFoundError(op, name string) error {
	return newError(KindNotFound, op, name, errObjectNotFound)
}

var errObjectNotFound = errors.New("object not found")
