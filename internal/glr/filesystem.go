package glr

import "time"

// FileEntry is a regular file discovered under a root directory.
type FileEntry struct {
	// Path is the absolute path of the file.
	Path string
	// RelPath is relative to the walked root, slash-separated.
	RelPath string
	Size    int64
	ModTime time.Time
}

// FilesystemManager provides directory traversal for the archive and the
// document reindexer. It abstracts file discovery so ignore rules are
// applied in one place.
type FilesystemManager interface {
	// FindFiles returns every regular file under root, skipping entries
	// that match any of the ignore patterns. Symlinks and special files
	// are skipped. A missing root yields no files.
	FindFiles(root string, ignore []string) ([]FileEntry, error)
}
