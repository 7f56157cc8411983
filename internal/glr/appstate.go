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

const (
	SentinelFileName = ".initialized"
	AppStateFileName = "app_state.json"
)

// Layout is the set of on-disk locations the lifecycle manages.
type Layout struct {
	DataDir      string
	DBPath       string
	LogDir       string
	BackupDir    string
	DocumentsDir string
}

func (l Layout) SentinelPath() string { return filepath.Join(l.DataDir, SentinelFileName) }
func (l Layout) AppStatePath() string { return filepath.Join(l.DataDir, AppStateFileName) }

// AppState is the machine-readable record of the last known lifecycle state.
type AppState struct {
	State         State     `json:"state"`
	AppVersion    string    `json:"app_version"`
	SchemaVersion uint      `json:"schema_version"`
	InstallID     string    `json:"install_id"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// ReadAppState loads the record at path. It returns nil, nil when the file
// does not exist.
func ReadAppState(path string) (*AppState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading app state: %w", err)
	}
	var st AppState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing app state: %w", err)
	}
	return &st, nil
}

func writeAppState(path string, st AppState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding app state: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'), 0o644)
}
