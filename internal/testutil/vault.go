package testutil

import (
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/fs"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/vault"
)

// NewTestVault creates a new in-memory vault for testing.
func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault("test-vault")
}

// NewFilesystemManager returns the real filesystem walker.
func NewFilesystemManager() glr.FilesystemManager {
	return fs.NewOSFilesystemManager()
}
