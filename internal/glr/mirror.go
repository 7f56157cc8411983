package glr

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// EncryptedSuffix is appended to the names of encrypted mirror objects.
const EncryptedSuffix = ".age"

// Mirror copies local snapshots to an offsite vault and fetches them back.
// The local backup directory stays authoritative.
type Mirror struct {
	vault     Vault
	encryptor Encryptor
	checker   IntegrityChecker
	logger    Logger
}

// NewMirror creates a mirror. A nil encryptor uploads snapshots as-is.
func NewMirror(vault Vault, encryptor Encryptor, checker IntegrityChecker, logger Logger) *Mirror {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Mirror{vault: vault, encryptor: encryptor, checker: checker, logger: logger}
}

// Vault returns the destination vault.
func (m *Mirror) Vault() Vault {
	return m.vault
}

// Push uploads the snapshot at snapshotPath and returns the object name.
func (m *Mirror) Push(ctx context.Context, snapshotPath string) (string, error) {
	src, err := os.Open(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("opening snapshot: %w", err)
	}
	defer src.Close()

	name := filepath.Base(snapshotPath)
	body := src

	if m.encryptor != nil {
		if !m.encryptor.IsConfigured() {
			return "", newError(KindConfig, "mirror push", name, fmt.Errorf("encryption keys are not set up"))
		}
		tmp, err := os.CreateTemp("", "glr-mirror-*")
		if err != nil {
			return "", fmt.Errorf("creating temp file: %w", err)
		}
		defer func() {
			tmp.Close()
			os.Remove(tmp.Name())
		}()
		if err := m.encryptor.Encrypt(src, tmp); err != nil {
			return "", fmt.Errorf("encrypting snapshot: %w", err)
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("rewinding encrypted snapshot: %w", err)
		}
		body = tmp
		name += EncryptedSuffix
	}

	info, err := body.Stat()
	if err != nil {
		return "", fmt.Errorf("stat upload: %w", err)
	}
	if err := m.vault.PutSnapshot(ctx, name, body, info.Size()); err != nil {
		return "", fmt.Errorf("uploading to vault %s: %w", m.vault.Name(), err)
	}

	m.logger.Info("snapshot mirrored", "vault", m.vault.Name(), "object", name, "size", info.Size())
	return name, nil
}

// List returns the objects held by the vault.
func (m *Mirror) List(ctx context.Context) ([]VaultObject, error) {
	objs, err := m.vault.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing vault %s: %w", m.vault.Name(), err)
	}
	return objs, nil
}

// Fetch downloads the named object into destDir, decrypting it with dec when
// the object is encrypted. The result must pass verification (the integrity
// check for snapshots, zip checksums for documents bundles) and never
// replaces an existing file.
func (m *Mirror) Fetch(ctx context.Context, name, destDir string, dec DecryptionContext) Outcome {
	encrypted := strings.HasSuffix(name, EncryptedSuffix)
	if encrypted && dec == nil {
		return failed(KindConfig, "object %s is encrypted and no key was unlocked", name)
	}

	target := filepath.Base(strings.TrimSuffix(name, EncryptedSuffix))
	dest := filepath.Join(destDir, target)
	if ok, err := fileExists(dest); err != nil {
		return failed(KindUnreadable, "checking destination: %v", err)
	} else if ok {
		return failed(KindInternal, "refusing to overwrite existing file %s", dest)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return failed(KindUnreadable, "creating destination: %v", err)
	}

	out, err := os.CreateTemp(destDir, ".tmp-"+target+"-*")
	if err != nil {
		return failed(KindUnreadable, "creating temp file: %v", err)
	}
	tmpPath := out.Name()
	success := false
	defer func() {
		if !success {
			out.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := m.download(ctx, name, out, dec); err != nil {
		m.logger.Error("mirror fetch failed", "object", name, "error", err)
		return failed(KindOf(err), "fetching %s: %v", name, err)
	}
	if err := out.Sync(); err != nil {
		return failed(KindUnreadable, "syncing download: %v", err)
	}
	if err := out.Close(); err != nil {
		return failed(KindUnreadable, "closing download: %v", err)
	}

	res := m.verify(ctx, target, tmpPath)
	if !res.Valid {
		m.logger.Error("fetched snapshot failed integrity check", "object", name, "detail", res.Detail)
		return failed(KindCorrupt, "fetched snapshot failed integrity check: %s", res.Detail)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return failed(KindUnreadable, "renaming download: %v", err)
	}
	success = true

	m.logger.Info("snapshot fetched", "vault", m.vault.Name(), "object", name, "path", dest)
	return Outcome{Success: true, Message: "fetched " + target, Snapshot: target, Path: dest}
}

// verify checks a download before it is kept: documents bundles by their zip
// checksums, everything else as a database.
func (m *Mirror) verify(ctx context.Context, name, p string) CheckResult {
	if strings.HasSuffix(name, ".zip") {
		return checkBundle(p)
	}
	return m.checker.Check(ctx, p)
}

func (m *Mirror) download(ctx context.Context, name string, w io.Writer, dec DecryptionContext) error {
	if dec == nil || !strings.HasSuffix(name, EncryptedSuffix) {
		return m.vault.GetSnapshot(ctx, name, w)
	}

	tmp, err := os.CreateTemp("", "glr-fetch-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := m.vault.GetSnapshot(ctx, name, tmp); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding download: %w", err)
	}
	if err := dec.Decrypt(tmp, w); err != nil {
		return fmt.Errorf("decrypting: %w", err)
	}
	return nil
}
