// Package fs walks directory trees for archiving and document reindexing.
package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

// IgnoreFileName is read from the walked root and adds to the caller's
// ignore patterns.
const IgnoreFileName = ".glrignore"

// OSFilesystemManager is the real filesystem implementation of FilesystemManager.
type OSFilesystemManager struct{}

func NewOSFilesystemManager() *OSFilesystemManager {
	return &OSFilesystemManager{}
}

// FindFiles returns the regular files under root sorted by relative path.
// Patterns are matched against directories too, so an ignored directory is
// not descended into. Symlinks, devices, pipes and sockets are skipped.
func (m *OSFilesystemManager) FindFiles(root string, ignore []string) ([]glr.FileEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root)
	}

	extra, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	patterns := append(append([]string(nil), ignore...), extra...)
	matcher := NewIgnoreMatcher(patterns)

	var files []glr.FileEntry
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if matcher.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		files = append(files, glr.FileEntry{
			Path:    p,
			RelPath: filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// Compile-time check that OSFilesystemManager implements glr.FilesystemManager interface
var _ glr.FilesystemManager = (*OSFilesystemManager)(nil)
