package glr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	snapshotPrefix     = "glr_backup_"
	snapshotExt        = ".db"
	snapshotTimeLayout = "2006-01-02_15-04-05"
	maxSameSecondSeq   = 99
)

var snapshotNameRe = regexp.MustCompile(`^glr_backup_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})(?:_(\d{2}))?\.db$`)

// SnapshotInfo describes one snapshot file in the backup directory.
type SnapshotInfo struct {
	Filename string
	Path     string
	Size     int64
	Created  time.Time
	Valid    bool
	// Detail is the integrity diagnostic when Valid is false.
	Detail string
}

// snapshotName is a parsed snapshot file name.
type snapshotName struct {
	name    string
	created time.Time
	seq     int
}

func parseSnapshotName(name string) (snapshotName, bool) {
	m := snapshotNameRe.FindStringSubmatch(name)
	if m == nil {
		return snapshotName{}, false
	}
	created, err := time.ParseInLocation(snapshotTimeLayout, m[1], time.Local)
	if err != nil {
		return snapshotName{}, false
	}
	seq := 0
	if m[2] != "" {
		seq, _ = strconv.Atoi(m[2])
	}
	return snapshotName{name: name, created: created, seq: seq}, true
}

func formatSnapshotName(t time.Time, seq int) string {
	base := snapshotPrefix + t.In(time.Local).Format(snapshotTimeLayout)
	if seq == 0 {
		return base + snapshotExt
	}
	return fmt.Sprintf("%s_%02d%s", base, seq, snapshotExt)
}

// BackupStore manages a directory of timestamped database snapshots plus the
// metadata record used to skip unchanged databases.
type BackupStore struct {
	dir        string
	maxBackups int
	checker    IntegrityChecker
	logger     Logger
	clock      Clock

	mu sync.Mutex
}

// NewBackupStore creates a store rooted at dir. maxBackups <= 0 disables pruning.
func NewBackupStore(dir string, maxBackups int, checker IntegrityChecker, logger Logger, clock Clock) *BackupStore {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &BackupStore{
		dir:        dir,
		maxBackups: maxBackups,
		checker:    checker,
		logger:     logger,
		clock:      clock,
	}
}

// Dir returns the backup directory.
func (s *BackupStore) Dir() string {
	return s.dir
}

func (s *BackupStore) metadataPath() string {
	return filepath.Join(s.dir, MetadataFileName)
}

// Metadata returns the last backup record. An absent record is the zero value.
// An unparsable record is logged and also treated as the zero value, which
// forces the next backup.
func (s *BackupStore) Metadata() (BackupMetadata, error) {
	m, err := readMetadata(s.metadataPath())
	if errors.Is(err, errMalformedMetadata) {
		s.logger.Warn("ignoring malformed backup metadata", "path", s.metadataPath(), "error", err)
		return BackupMetadata{}, nil
	}
	if err != nil {
		return BackupMetadata{}, err
	}
	return m, nil
}

// Backup snapshots the database at dbPath unless its digest matches the last
// recorded backup and force is false. The live database is never snapshotted
// when it fails the integrity check.
func (s *BackupStore) Backup(ctx context.Context, dbPath string, force bool) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := fileExists(dbPath)
	if err != nil {
		return failed(KindUnreadable, "cannot access database %s: %v", dbPath, err)
	}
	if !exists {
		return failed(KindNotFound, "database not found: %s", dbPath)
	}

	digest, err := HashFile(dbPath)
	if err != nil {
		return failed(KindOf(err), "cannot read database: %v", err)
	}

	if !force {
		meta, err := s.Metadata()
		if err != nil {
			return failed(KindUnreadable, "%v", err)
		}
		if meta.LastBackupHash == digest {
			s.logger.Info("backup skipped, database unchanged", "hash", digest, "last_backup", meta.LastBackupFile)
			return Outcome{Success: true, Skipped: true, Message: "no changes since last backup"}
		}
	}

	res := s.checker.Check(ctx, dbPath)
	if !res.Valid {
		kind := res.Kind
		if kind == KindNone {
			kind = KindCorrupt
		}
		s.logger.Error("refusing to back up database that failed integrity check", "path", dbPath, "detail", res.Detail)
		return failed(kind, "integrity check failed: %s", res.Detail)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return failed(KindUnreadable, "creating backup directory: %v", err)
	}

	now := s.clock.Now()
	name, err := s.nextSnapshotName(now)
	if err != nil {
		return failed(KindInternal, "%v", err)
	}
	dst := filepath.Join(s.dir, name)

	if _, err := copyFileAtomic(dbPath, dst, digest); err != nil {
		return failed(KindUnreadable, "copying database: %v", err)
	}

	created := now.UTC()
	meta := BackupMetadata{
		LastBackupHash: digest,
		LastBackupTime: &created,
		LastBackupFile: name,
	}
	if err := writeMetadata(s.metadataPath(), meta); err != nil {
		// The snapshot stays; without a record the next run backs up again.
		out := failed(KindUnreadable, "writing backup metadata: %v", err)
		out.Snapshot, out.Path = name, dst
		return out
	}

	s.logger.Info("backup created", "snapshot", name, "hash", digest, "forced", force)

	out := Outcome{Success: true, Message: "backup created: " + name, Snapshot: name, Path: dst}
	if err := s.prune(); err != nil {
		s.logger.Warn("pruning old snapshots failed", "error", err)
		out.Warnings = append(out.Warnings, fmt.Sprintf("pruning old snapshots: %v", err))
	}
	return out
}

// nextSnapshotName returns the first free name for t, appending _01.._99 on
// same-second collisions.
func (s *BackupStore) nextSnapshotName(t time.Time) (string, error) {
	for seq := 0; seq <= maxSameSecondSeq; seq++ {
		name := formatSnapshotName(t, seq)
		exists, err := fileExists(filepath.Join(s.dir, name))
		if err != nil {
			return "", fmt.Errorf("checking snapshot name: %w", err)
		}
		if !exists {
			return name, nil
		}
	}
	return "", fmt.Errorf("too many snapshots within one second at %s", t.Format(snapshotTimeLayout))
}

// snapshots returns the parsed snapshot names in the directory, oldest first.
func (s *BackupStore) snapshots() ([]snapshotName, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var out []snapshotName
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if sn, ok := parseSnapshotName(e.Name()); ok {
			out = append(out, sn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].created.Equal(out[j].created) {
			return out[i].created.Before(out[j].created)
		}
		return out[i].seq < out[j].seq
	})
	return out, nil
}

// prune deletes the oldest snapshots beyond maxBackups.
func (s *BackupStore) prune() error {
	if s.maxBackups <= 0 {
		return nil
	}
	snaps, err := s.snapshots()
	if err != nil {
		return err
	}
	excess := len(snaps) - s.maxBackups
	var errs []error
	for i := 0; i < excess; i++ {
		path := filepath.Join(s.dir, snaps[i].name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		s.logger.Info("pruned snapshot", "snapshot", snaps[i].name)
	}
	return errors.Join(errs...)
}

// ListBackups returns every snapshot newest first, each validated by the
// integrity checker. A missing backup directory yields an empty list.
func (s *BackupStore) ListBackups(ctx context.Context) ([]SnapshotInfo, error) {
	snaps, err := s.snapshots()
	if err != nil {
		return nil, err
	}

	out := make([]SnapshotInfo, 0, len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		sn := snaps[i]
		path := filepath.Join(s.dir, sn.name)
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat snapshot %s: %w", sn.name, err)
		}
		res := s.checker.Check(ctx, path)
		out = append(out, SnapshotInfo{
			Filename: sn.name,
			Path:     path,
			Size:     info.Size(),
			Created:  sn.created,
			Valid:    res.Valid,
			Detail:   res.Detail,
		})
	}
	return out, nil
}

// Resolve maps a snapshot file name or path to a path inside the backup
// directory. Bare names are looked up in the directory.
func (s *BackupStore) Resolve(snapshot string) string {
	if filepath.IsAbs(snapshot) || filepath.Base(snapshot) != snapshot {
		return snapshot
	}
	return filepath.Join(s.dir, snapshot)
}
