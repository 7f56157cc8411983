package glr

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const archiveTimeLayout = "20060102_150405"

// ManifestFileName is the name of the manifest entry inside an archive.
const ManifestFileName = "backup_manifest.json"

// Snapshotter writes a transactionally consistent copy of a live database.
type Snapshotter interface {
	SnapshotTo(ctx context.Context, dbPath, dest string) error
}

// ArchiveManifest describes the contents of a full archive.
type ArchiveManifest struct {
	CreatedAt  time.Time `json:"created_at"`
	DataSource string    `json:"data_source"`
	DBSource   string    `json:"db_source"`
	DBHash     string    `json:"db_hash"`
	Items      []string  `json:"items"`
}

// Archiver writes zip archives holding the data directory and a consistent
// copy of the database.
type Archiver struct {
	dir      string
	ignore   []string
	checker  IntegrityChecker
	snapshot Snapshotter
	fsmgr    FilesystemManager
	logger   Logger
	clock    Clock
}

func NewArchiver(dir string, ignore []string, checker IntegrityChecker, snapshot Snapshotter, fsmgr FilesystemManager, logger Logger, clock Clock) *Archiver {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Archiver{
		dir:      dir,
		ignore:   ignore,
		checker:  checker,
		snapshot: snapshot,
		fsmgr:    fsmgr,
		logger:   logger,
		clock:    clock,
	}
}

// Archive writes <dir>/YYYYMMDD_HHMMSS_backup.zip containing data/ (the data
// directory without the database, its journals and the archive directory),
// db/<name> (a consistent copy of the database) and the manifest.
func (a *Archiver) Archive(ctx context.Context, dataDir, dbPath string) Outcome {
	exists, err := fileExists(dbPath)
	if err != nil {
		return failed(KindUnreadable, "cannot access database %s: %v", dbPath, err)
	}
	if !exists {
		return failed(KindNotFound, "database not found: %s", dbPath)
	}
	if res := a.checker.Check(ctx, dbPath); !res.Valid {
		kind := res.Kind
		if kind == KindNone {
			kind = KindCorrupt
		}
		return failed(kind, "integrity check failed: %s", res.Detail)
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return failed(KindUnreadable, "creating archive directory: %v", err)
	}

	workDir, err := os.MkdirTemp("", "glr-archive-*")
	if err != nil {
		return failed(KindInternal, "creating work directory: %v", err)
	}
	defer os.RemoveAll(workDir)

	dbCopy := filepath.Join(workDir, filepath.Base(dbPath))
	if err := a.snapshot.SnapshotTo(ctx, dbPath, dbCopy); err != nil {
		return failed(KindOf(err), "copying database: %v", err)
	}
	dbHash, err := HashFile(dbCopy)
	if err != nil {
		return failed(KindOf(err), "hashing database copy: %v", err)
	}

	files, err := a.fsmgr.FindFiles(dataDir, a.ignore)
	if err != nil {
		return failed(KindUnreadable, "scanning data directory: %v", err)
	}
	files = a.excludeManaged(files, dbPath)

	now := a.clock.Now()
	name, err := a.nextName(now)
	if err != nil {
		return failed(KindInternal, "%v", err)
	}
	dst := filepath.Join(a.dir, name)

	manifest := ArchiveManifest{
		CreatedAt:  now.UTC(),
		DataSource: dataDir,
		DBSource:   dbPath,
		DBHash:     dbHash,
	}
	if err := a.writeZip(dst, files, dbCopy, &manifest); err != nil {
		a.logger.Error("archive failed", "archive", name, "error", err)
		return failed(KindUnreadable, "writing archive: %v", err)
	}

	a.logger.Info("archive created", "archive", name, "items", len(manifest.Items), "db_hash", dbHash)
	return Outcome{Success: true, Message: "archive created: " + name, Snapshot: name, Path: dst}
}

// excludeManaged drops the live database, its side files and anything under
// the archive directory from the data listing.
func (a *Archiver) excludeManaged(files []FileEntry, dbPath string) []FileEntry {
	dbAbs, _ := filepath.Abs(dbPath)
	dirAbs, _ := filepath.Abs(a.dir)
	out := files[:0]
	for _, f := range files {
		p, _ := filepath.Abs(f.Path)
		if p == dbAbs || strings.HasPrefix(p, dbAbs+"-") {
			continue
		}
		if p == dirAbs || strings.HasPrefix(p, dirAbs+string(filepath.Separator)) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (a *Archiver) nextName(t time.Time) (string, error) {
	base := t.Format(archiveTimeLayout) + "_backup"
	for seq := 0; seq <= maxSameSecondSeq; seq++ {
		name := base + ".zip"
		if seq > 0 {
			name = fmt.Sprintf("%s_%02d.zip", base, seq)
		}
		ok, err := fileExists(filepath.Join(a.dir, name))
		if err != nil {
			return "", err
		}
		if !ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("too many archives within one second at %s", t.Format(archiveTimeLayout))
}

func (a *Archiver) writeZip(dst string, files []FileEntry, dbCopy string, manifest *ArchiveManifest) error {
	return writeZipAtomic(dst, func(zw *zip.Writer) error {
		for _, f := range files {
			entry := path.Join("data", f.RelPath)
			if err := addZipFile(zw, entry, f.Path); err != nil {
				return err
			}
			manifest.Items = append(manifest.Items, entry)
		}

		dbEntry := path.Join("db", filepath.Base(dbCopy))
		if err := addZipFile(zw, dbEntry, dbCopy); err != nil {
			return err
		}
		manifest.Items = append(manifest.Items, dbEntry)

		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding manifest: %w", err)
		}
		w, err := zw.Create(ManifestFileName)
		if err != nil {
			return fmt.Errorf("adding manifest: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("writing manifest: %w", err)
		}
		return nil
	})
}

// writeZipAtomic builds a zip through fill in a temp file beside dst and
// renames it into place. On error nothing is left behind.
func writeZipAtomic(dst string, fill func(zw *zip.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	if err := fill(zw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing zip: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("renaming archive: %w", err)
	}
	return nil
}

func addZipFile(zw *zip.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip header for %s: %w", src, err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("adding %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("compressing %s: %w", name, err)
	}
	return nil
}
