package glr

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"
)

// DocumentsManifestName is the manifest each incremental run compares against.
const DocumentsManifestName = "last_documents_manifest.json"

// bundleManifestName is the manifest entry inside a mirrored documents bundle.
const bundleManifestName = "documents_manifest.json"

// DocumentsBackupMode selects which files a documents backup copies.
type DocumentsBackupMode string

const (
	// DocumentsIncremental copies files that are new or changed since the
	// last run.
	DocumentsIncremental DocumentsBackupMode = "incremental"
	// DocumentsFull copies every file.
	DocumentsFull DocumentsBackupMode = "full"
)

// DocumentSource is a directory of document files, backed up under Name.
type DocumentSource struct {
	Name string
	Dir  string
}

// DocumentsManifest records the SHA-256 of every file seen by a run, keyed
// by "<source>/<relative path>".
type DocumentsManifest struct {
	CreatedAt time.Time           `json:"created_at"`
	Mode      DocumentsBackupMode `json:"mode"`
	Files     map[string]string   `json:"files"`
}

// DocumentsBackupResult is the outcome of one documents backup run.
// Snapshot is the run label and Path the run directory.
type DocumentsBackupResult struct {
	Outcome
	Mode         DocumentsBackupMode
	ManifestPath string
	// Files is the number of files in the manifest, Copied how many of them
	// were written to the run directory.
	Files  int
	Copied int
}

// DocumentsBackup copies document directories into the backup directory,
// either in full or only the files whose digest changed since the last run:
//
//	<dir>/
//	  last_documents_manifest.json
//	  incremental_documents_20250115_103000/<source>/<relative path>
//	  incremental_documents_20250115_103000_manifest.json
type DocumentsBackup struct {
	dir     string
	sources []DocumentSource
	fsmgr   FilesystemManager
	logger  Logger
	clock   Clock
}

func NewDocumentsBackup(dir string, sources []DocumentSource, fsmgr FilesystemManager, logger Logger, clock Clock) *DocumentsBackup {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &DocumentsBackup{dir: dir, sources: sources, fsmgr: fsmgr, logger: logger, clock: clock}
}

// LastManifest returns the manifest written by the most recent run. A missing
// file yields an empty manifest; a malformed one is logged and treated the
// same way, so the next incremental run copies everything.
func (b *DocumentsBackup) LastManifest() (DocumentsManifest, error) {
	p := filepath.Join(b.dir, DocumentsManifestName)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DocumentsManifest{}, nil
		}
		return DocumentsManifest{}, fmt.Errorf("reading documents manifest: %w", err)
	}
	var m DocumentsManifest
	if err := json.Unmarshal(data, &m); err != nil {
		b.logger.Warn("documents manifest unreadable, next run copies every file", "path", p, "error", err)
		return DocumentsManifest{}, nil
	}
	return m, nil
}

// Run performs one backup. Every file is hashed; in incremental mode only
// files whose digest differs from the last manifest are copied. A run that
// copies nothing is reported as skipped but still records a manifest.
// On failure the partial run directory is removed and the last manifest
// is left as it was.
func (b *DocumentsBackup) Run(ctx context.Context, mode DocumentsBackupMode) DocumentsBackupResult {
	res := DocumentsBackupResult{Mode: mode}
	fail := func(out Outcome) DocumentsBackupResult {
		b.logger.Error("documents backup failed", "mode", string(mode), "error", out.Message)
		res.Outcome = out
		return res
	}

	if mode != DocumentsIncremental && mode != DocumentsFull {
		return fail(failed(KindConfig, "unknown documents backup mode %q", mode))
	}
	prev, err := b.LastManifest()
	if err != nil {
		return fail(failed(KindUnreadable, "%v", err))
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fail(failed(KindUnreadable, "creating backup directory: %v", err))
	}

	now := b.clock.Now()
	label, err := b.nextLabel(mode, now)
	if err != nil {
		return fail(failed(KindInternal, "%v", err))
	}
	runDir := filepath.Join(b.dir, label)
	done := false
	defer func() {
		if !done {
			os.RemoveAll(runDir)
		}
	}()

	manifest := DocumentsManifest{CreatedAt: now.UTC(), Mode: mode, Files: make(map[string]string)}
	for _, src := range b.sources {
		files, err := b.fsmgr.FindFiles(src.Dir, documentIgnore)
		if err != nil {
			return fail(failed(KindUnreadable, "scanning %s: %v", src.Dir, err))
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return fail(failed(KindInternal, "documents backup interrupted: %v", err))
			}
			key := path.Join(src.Name, f.RelPath)
			digest, err := HashFile(f.Path)
			if err != nil {
				return fail(failed(KindOf(err), "hashing %s: %v", key, err))
			}
			manifest.Files[key] = digest
			if mode == DocumentsIncremental && prev.Files[key] == digest {
				continue
			}

			dest := filepath.Join(runDir, filepath.FromSlash(key))
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fail(failed(KindUnreadable, "creating %s: %v", filepath.Dir(dest), err))
			}
			if _, err := copyFileAtomic(f.Path, dest, digest); err != nil {
				return fail(failed(KindUnreadable, "copying %s: %v", key, err))
			}
			res.Copied++
		}
	}
	res.Files = len(manifest.Files)

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fail(failed(KindInternal, "encoding documents manifest: %v", err))
	}
	res.ManifestPath = filepath.Join(b.dir, label+"_manifest.json")
	if err := writeFileAtomic(res.ManifestPath, data, 0o644); err != nil {
		return fail(failed(KindUnreadable, "writing run manifest: %v", err))
	}
	if err := writeFileAtomic(filepath.Join(b.dir, DocumentsManifestName), data, 0o644); err != nil {
		os.Remove(res.ManifestPath)
		return fail(failed(KindUnreadable, "writing documents manifest: %v", err))
	}
	done = true

	res.Success = true
	res.Snapshot = label
	if res.Copied == 0 {
		res.Skipped = true
		res.Message = "no document changes since last backup"
		b.logger.Info("documents backup skipped, nothing changed", "mode", string(mode), "files", res.Files)
		return res
	}
	res.Path = runDir
	res.Message = fmt.Sprintf("%s documents backup: %d of %d files copied to %s", mode, res.Copied, res.Files, label)
	b.logger.Info("documents backup created", "mode", string(mode), "run", label, "copied", res.Copied, "files", res.Files)
	return res
}

// nextLabel returns <mode>_documents_YYYYMMDD_HHMMSS, with a _NN suffix when
// a run with that label already exists.
func (b *DocumentsBackup) nextLabel(mode DocumentsBackupMode, t time.Time) (string, error) {
	base := fmt.Sprintf("%s_documents_%s", mode, t.Format(archiveTimeLayout))
	for seq := 0; seq <= maxSameSecondSeq; seq++ {
		label := base
		if seq > 0 {
			label = fmt.Sprintf("%s_%02d", base, seq)
		}
		dirTaken, err := fileExists(filepath.Join(b.dir, label))
		if err != nil {
			return "", err
		}
		manifestTaken, err := fileExists(filepath.Join(b.dir, label+"_manifest.json"))
		if err != nil {
			return "", err
		}
		if !dirTaken && !manifestTaken {
			return label, nil
		}
	}
	return "", fmt.Errorf("too many documents backups within one second at %s", t.Format(archiveTimeLayout))
}

// Bundle writes the files copied by res and its manifest into the zip dst,
// so a run can be mirrored as a single vault object.
func (b *DocumentsBackup) Bundle(res DocumentsBackupResult, dst string) error {
	if !res.Success || res.Path == "" {
		return fmt.Errorf("documents backup %s copied no files", res.Snapshot)
	}
	files, err := b.fsmgr.FindFiles(res.Path, nil)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", res.Path, err)
	}
	return writeZipAtomic(dst, func(zw *zip.Writer) error {
		for _, f := range files {
			if err := addZipFile(zw, f.RelPath, f.Path); err != nil {
				return err
			}
		}
		return addZipFile(zw, bundleManifestName, res.ManifestPath)
	})
}

// checkBundle reads every entry of a zip so truncated or damaged downloads
// fail their checksum before being kept.
func checkBundle(p string) CheckResult {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return CheckResult{Detail: err.Error(), Kind: KindCorrupt}
	}
	defer zr.Close()

	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return CheckResult{Detail: fmt.Sprintf("%s: %v", f.Name, err), Kind: KindCorrupt}
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return CheckResult{Detail: fmt.Sprintf("%s: %v", f.Name, err), Kind: KindCorrupt}
		}
	}
	return CheckResult{Valid: true}
}
