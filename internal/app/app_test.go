package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/config"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/testutil"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig(t.TempDir())
	cfg.Database.BusyTimeout = testutil.BusyTimeout.String()
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, "test", "1.0.0")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestApp_Start(t *testing.T) {
	t.Run("first install bootstraps and backs up", func(t *testing.T) {
		cfg := newTestConfig(t)
		a := newTestApp(t, cfg)

		res, err := a.Start(context.Background())
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if res.Report.Initial != glr.StateFirstInstall || res.Report.State != glr.StateNormalRun {
			t.Errorf("report = %+v", res.Report)
		}
		if res.Backup == nil || !res.Backup.Success || res.Backup.Skipped {
			t.Errorf("startup backup = %+v, want created", res.Backup)
		}
		if len(res.MissingDocuments) != 0 {
			t.Errorf("MissingDocuments = %v", res.MissingDocuments)
		}

		for _, name := range []string{mainLogName, bootstrapLogName} {
			if !testutil.Exists(filepath.Join(cfg.LogDir, name)) {
				t.Errorf("%s not written", name)
			}
		}
		boot := string(testutil.ReadFile(t, filepath.Join(cfg.LogDir, bootstrapLogName)))
		if !strings.Contains(boot, "bootstrap completed") {
			t.Errorf("bootstrap.log = %q", boot)
		}
		main := string(testutil.ReadFile(t, filepath.Join(cfg.LogDir, mainLogName)))
		if !strings.Contains(main, "bootstrap completed") {
			t.Error("bootstrap lines missing from glr.log")
		}
	})

	t.Run("second start skips an unchanged backup", func(t *testing.T) {
		cfg := newTestConfig(t)
		if _, err := newTestApp(t, cfg).Start(context.Background()); err != nil {
			t.Fatalf("first Start() error = %v", err)
		}

		res, err := newTestApp(t, cfg).Start(context.Background())
		if err != nil {
			t.Fatalf("second Start() error = %v", err)
		}
		if res.Report.Initial != glr.StateNormalRun {
			t.Errorf("Initial = %s", res.Report.Initial)
		}
		if res.Backup == nil || !res.Backup.Skipped {
			t.Errorf("startup backup = %+v, want skipped", res.Backup)
		}
	})

	t.Run("startup backup can be disabled", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Backup.OnStartup = false

		res, err := newTestApp(t, cfg).Start(context.Background())
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if res.Backup != nil {
			t.Errorf("Backup = %+v, want none", res.Backup)
		}
	})
}

func TestApp_BlockedInstallation(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.ApplyDefaults()
	// A database with no sentinel: setup never completed.
	testutil.NewSampleDatabase(t, cfg.Database.Path, 1)
	before := testutil.FileSHA256(t, cfg.Database.Path)
	a := newTestApp(t, cfg)

	var blocked *glr.BlockedError
	if _, err := a.Start(context.Background()); !errors.As(err, &blocked) || blocked.State != glr.StatePartialInstall {
		t.Fatalf("Start() error = %v, want PARTIAL_INSTALL", err)
	}
	if _, err := a.Backup(context.Background(), true); !errors.As(err, &blocked) {
		t.Errorf("Backup() error = %v, want blocked", err)
	}
	if _, err := a.Archive(context.Background()); !errors.As(err, &blocked) {
		t.Errorf("Archive() error = %v, want blocked", err)
	}
	if _, err := a.Documents(context.Background()); !errors.As(err, &blocked) {
		t.Errorf("Documents() error = %v, want blocked", err)
	}

	if testutil.FileSHA256(t, cfg.Database.Path) != before {
		t.Error("blocked installation modified the database")
	}
	if testutil.Exists(cfg.Backup.Dir) {
		t.Error("blocked installation created the backup directory")
	}
}

func TestApp_BackupMirrorsToVaults(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Backup.OnStartup = false
	cfg.Encryption = config.EncryptionConfig{Enabled: true, Type: "test"}
	vaultRoot := filepath.Join(t.TempDir(), "usb")
	cfg.Vaults = []config.VaultConfig{{Type: "filesystem", Name: "usb", FSVaultRoot: vaultRoot}}
	a := newTestApp(t, cfg)

	out, err := a.Backup(context.Background(), false)
	if err != nil || !out.Success {
		t.Fatalf("Backup() = %+v, %v", out, err)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("Warnings = %v", out.Warnings)
	}
	object := out.Snapshot + glr.EncryptedSuffix
	if !testutil.Exists(filepath.Join(vaultRoot, "snapshots", object)) {
		t.Fatalf("%s not mirrored", object)
	}

	objs, err := a.MirrorList(context.Background(), "")
	if err != nil {
		t.Fatalf("MirrorList() error = %v", err)
	}
	if len(objs) != 1 || objs[0].Name != object {
		t.Errorf("MirrorList() = %+v", objs)
	}
	if err := a.MirrorCheck(context.Background(), "usb"); err != nil {
		t.Errorf("MirrorCheck() error = %v", err)
	}

	if err := os.Remove(out.Path); err != nil {
		t.Fatal(err)
	}
	fetched := a.MirrorFetch(context.Background(), "usb", object, func() (string, error) { return "unused", nil })
	if !fetched.Success {
		t.Fatalf("MirrorFetch() = %+v", fetched)
	}
	if fetched.Path != out.Path {
		t.Errorf("fetched to %s, want %s", fetched.Path, out.Path)
	}
}

func TestApp_MirrorFailureIsAWarning(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Backup.OnStartup = false
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	testutil.WriteFile(t, blocker, "file")
	cfg.Vaults = []config.VaultConfig{{Type: "filesystem", Name: "broken", FSVaultRoot: filepath.Join(blocker, "vault")}}
	a := newTestApp(t, cfg)

	out, err := a.Backup(context.Background(), false)
	if err != nil || !out.Success {
		t.Fatalf("Backup() = %+v, %v", out, err)
	}
	if len(out.Warnings) != 1 || !strings.Contains(out.Warnings[0], "broken") {
		t.Errorf("Warnings = %v, want one for vault broken", out.Warnings)
	}
	if !testutil.Exists(out.Path) {
		t.Error("local snapshot missing after mirror failure")
	}
}

func TestApp_RestoreRoundTrip(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Backup.OnStartup = false
	a := newTestApp(t, cfg)
	ctx := context.Background()

	first, err := a.Backup(ctx, false)
	if err != nil || !first.Success {
		t.Fatalf("Backup() = %+v, %v", first, err)
	}

	docs, err := a.Documents(ctx)
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	src := filepath.Join(t.TempDir(), "verbale.pdf")
	testutil.WriteFile(t, src, "verbale assemblea")
	if _, _, err := docs.Add(ctx, src, "Verbali CD", ""); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	b := newTestApp(t, cfg)
	out := b.Restore(ctx, first.Snapshot, true)
	if !out.Success {
		t.Fatalf("Restore() = %+v", out)
	}
	if !testutil.Exists(out.SafetyBackup) {
		t.Errorf("safety backup %s missing", out.SafetyBackup)
	}
	if got := testutil.FileSHA256(t, cfg.Database.Path); got != testutil.FileSHA256(t, first.Path) {
		t.Error("live database differs from restored snapshot")
	}

	c := newTestApp(t, cfg)
	docs, err = c.Documents(ctx)
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	entries, err := docs.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List() = %d documents after restore, want 0", len(entries))
	}
}

func TestApp_CheckAndArchive(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Backup.OnStartup = false
	a := newTestApp(t, cfg)
	ctx := context.Background()

	if _, err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if res := a.Check(ctx, ""); !res.Valid {
		t.Errorf("Check() = %+v, want valid", res)
	}
	if res := a.Check(ctx, filepath.Join(cfg.DataDir, "missing.db")); res.Valid || res.Kind != glr.KindNotFound {
		t.Errorf("Check(missing) = %+v", res)
	}

	out, err := a.Archive(ctx)
	if err != nil || !out.Success {
		t.Fatalf("Archive() = %+v, %v", out, err)
	}
	if filepath.Dir(out.Path) != cfg.Backup.Dir {
		t.Errorf("archive written to %s, want %s", out.Path, cfg.Backup.Dir)
	}
}

func TestApp_EncryptedFetchNeedsThePassphrase(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Backup.OnStartup = false
	cfg.Encryption.Enabled = true
	cfg.Vaults = []config.VaultConfig{{Type: "filesystem", Name: "nas", FSVaultRoot: filepath.Join(t.TempDir(), "nas")}}
	a := newTestApp(t, cfg)
	ctx := context.Background()

	if err := a.SetupKeys("short"); err == nil {
		t.Error("SetupKeys() accepted a short passphrase")
	}
	if err := a.SetupKeys("correct horse battery"); err != nil {
		t.Fatalf("SetupKeys() error = %v", err)
	}
	if err := a.SetupKeys("correct horse battery"); err == nil {
		t.Error("SetupKeys() overwrote existing keys")
	}

	out, err := a.Backup(ctx, false)
	if err != nil || !out.Success || len(out.Warnings) != 0 {
		t.Fatalf("Backup() = %+v, %v", out, err)
	}
	if err := os.Remove(out.Path); err != nil {
		t.Fatal(err)
	}
	object := out.Snapshot + glr.EncryptedSuffix

	wrong := a.MirrorFetch(ctx, "", object, func() (string, error) { return "wrong passphrase", nil })
	if wrong.Success {
		t.Fatal("MirrorFetch() succeeded with a wrong passphrase")
	}

	right := a.MirrorFetch(ctx, "", object, func() (string, error) { return "correct horse battery", nil })
	if !right.Success {
		t.Fatalf("MirrorFetch() = %+v", right)
	}
	if res := a.Check(ctx, right.Path); !res.Valid {
		t.Errorf("fetched snapshot invalid: %s", res.Detail)
	}
}

func TestApp_BackupDocumentsMirrorsABundle(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Backup.OnStartup = false
	vaultRoot := filepath.Join(t.TempDir(), "usb")
	cfg.Vaults = []config.VaultConfig{{Type: "filesystem", Name: "usb", FSVaultRoot: vaultRoot}}
	testutil.WriteFile(t, filepath.Join(cfg.DataDir, "documents", "soci", "IZ1ABC.pdf"), "tessera")
	testutil.WriteFile(t, filepath.Join(cfg.Documents.Root, "verbali_cd", "2025-01.pdf"), "verbale")
	a := newTestApp(t, cfg)

	res, err := a.BackupDocuments(context.Background(), false)
	if err != nil || !res.Success {
		t.Fatalf("BackupDocuments() = %+v, %v", res.Outcome, err)
	}
	if res.Copied != 2 || len(res.Warnings) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if !testutil.Exists(filepath.Join(cfg.Backup.Dir, glr.DocumentsManifestName)) {
		t.Error("last documents manifest not written")
	}
	if !testutil.Exists(filepath.Join(vaultRoot, "snapshots", res.Snapshot+".zip")) {
		t.Errorf("%s.zip not mirrored", res.Snapshot)
	}

	again, err := a.BackupDocuments(context.Background(), false)
	if err != nil || !again.Success || !again.Skipped {
		t.Errorf("second BackupDocuments() = %+v, %v", again.Outcome, err)
	}
}
