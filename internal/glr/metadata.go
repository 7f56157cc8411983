package glr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// MetadataFileName is the fixed name of the backup metadata record inside
// the backup directory.
const MetadataFileName = ".backup_meta.json"

var errMalformedMetadata = errors.New("malformed backup metadata")

// BackupMetadata records the last successful backup. The zero value means
// "no backup yet" and forces the next backup to run.
type BackupMetadata struct {
	LastBackupHash string     `json:"last_backup_hash"`
	LastBackupTime *time.Time `json:"last_backup_time"`
	LastBackupFile string     `json:"last_backup_file"`
}

// IsZero reports whether no backup has been recorded.
func (m BackupMetadata) IsZero() bool {
	return m.LastBackupHash == "" && m.LastBackupTime == nil && m.LastBackupFile == ""
}

// readMetadata loads the record at path. A missing file yields the zero value.
func readMetadata(path string) (BackupMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return BackupMetadata{}, nil
		}
		return BackupMetadata{}, fmt.Errorf("reading backup metadata: %w", err)
	}

	var m BackupMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return BackupMetadata{}, fmt.Errorf("%w: %v", errMalformedMetadata, err)
	}
	return m, nil
}

func writeMetadata(path string, m BackupMetadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding backup metadata: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	return writeFileAtomic(path, data, 0o644)
}
