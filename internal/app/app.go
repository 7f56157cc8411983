package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/config"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/database"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/encryption"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/fs"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/vault"
)

// App is the application layer between the CLI and the glr core.
// It constructs all components from config, runs the lifecycle before any
// command that touches the live database, and owns the log files.
// The caller must call Close when done.
type App struct {
	cfg        *config.Config
	appVersion string
	clock      glr.Clock

	storage   *database.Storage
	fsmgr     glr.FilesystemManager
	backups   *glr.BackupStore
	restorer  *glr.RestoreCoordinator
	lifecycle *glr.Lifecycle
	archiver  *glr.Archiver
	docBackup *glr.DocumentsBackup

	logger   glr.Logger
	op       *Operation
	logFiles []*os.File

	started  *glr.StartupReport
	registry *database.DocumentRegistry
	docs     *glr.DocumentStore
}

// StartupResult is what the startup hook did beyond the lifecycle.
type StartupResult struct {
	Report *glr.StartupReport
	// Backup is set when a startup backup was attempted.
	Backup *glr.Outcome
	// MissingDocuments lists registered documents whose file is gone.
	MissingDocuments []glr.DocumentEntry
}

// New creates a fully wired App from cfg. operation names the CLI command
// being run and appears in every log line.
func New(cfg *config.Config, operation, appVersion string) (*App, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	storage, err := database.NewStorageFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating storage: %w", err)
	}

	clock := glr.RealClock{}
	op := NewOperation(operation, "", clock.Now())
	a := &App{
		cfg:        cfg,
		appVersion: appVersion,
		clock:      clock,
		storage:    storage,
		fsmgr:      fs.NewOSFilesystemManager(),
		op:         op,
	}

	mainLog, mainFile, err := newLogger(cfg.LogDir, mainLogName, op.ID, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a.logFiles = append(a.logFiles, mainFile)

	bootLog, bootFile, err := newLogger(cfg.LogDir, bootstrapLogName, op.ID, mainFile, os.Stderr)
	if err != nil {
		a.closeLogs()
		return nil, fmt.Errorf("creating bootstrap logger: %w", err)
	}
	a.logFiles = append(a.logFiles, bootFile)

	migLog, migFile, err := newLogger(cfg.LogDir, migrationLogName, op.ID, mainFile, os.Stderr)
	if err != nil {
		a.closeLogs()
		return nil, fmt.Errorf("creating migration logger: %w", err)
	}
	a.logFiles = append(a.logFiles, migFile)

	a.logger = &slogAdapter{l: mainLog}
	a.backups = glr.NewBackupStore(cfg.Backup.Dir, cfg.Backup.MaxBackups, storage.Checker, a.logger, clock)
	a.restorer = glr.NewRestoreCoordinator(storage.Checker, a.logger, clock)
	a.archiver = glr.NewArchiver(cfg.Backup.Dir, cfg.Archive.Ignore, storage.Checker, storage.Snapshotter,
		a.fsmgr, a.logger, clock)
	a.docBackup = glr.NewDocumentsBackup(cfg.Backup.Dir, documentSources(cfg), a.fsmgr, a.logger, clock)

	deps := glr.LifecycleDeps{
		Schema:       storage.Schema,
		Logger:       a.logger,
		BootstrapLog: &slogAdapter{l: bootLog},
		MigrationLog: &slogAdapter{l: migLog},
		Clock:        clock,
		IDGen:        glr.UUIDGenerator{},
	}
	if cfg.Backup.BeforeMigration {
		deps.Backups = a.backups
	}
	a.lifecycle = glr.NewLifecycle(a.Layout(), appVersion, deps)

	a.logger.Debug("operation started", "operation", operation, "data_dir", cfg.DataDir, "db", cfg.Database.Path)
	return a, nil
}

// Config returns the effective configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Layout returns the locations managed by the lifecycle.
func (a *App) Layout() glr.Layout {
	return glr.Layout{
		DataDir:      a.cfg.DataDir,
		DBPath:       a.cfg.Database.Path,
		LogDir:       a.cfg.LogDir,
		BackupDir:    a.cfg.Backup.Dir,
		DocumentsDir: a.cfg.Documents.Root,
	}
}

// State classifies the installation without acting on it.
func (a *App) State(ctx context.Context) (glr.State, glr.Inputs, error) {
	return a.lifecycle.State(ctx)
}

// Start is the startup hook: it runs the lifecycle, then the startup backup
// when enabled, then reports registered documents whose file is missing.
func (a *App) Start(ctx context.Context) (*StartupResult, error) {
	report, err := a.ready(ctx)
	res := &StartupResult{Report: report}
	if err != nil {
		return res, err
	}

	if a.cfg.Backup.OnStartup {
		out, err := a.Backup(ctx, false)
		if err != nil {
			return res, err
		}
		res.Backup = &out
	}

	missing, err := a.MissingDocuments(ctx)
	if err != nil {
		a.logger.Warn("checking section documents failed", "error", err)
	} else {
		res.MissingDocuments = missing
	}
	return res, nil
}

// ready runs the lifecycle once per App. Commands that read or write the
// live database call it first, so a blocked installation is never touched.
func (a *App) ready(ctx context.Context) (*glr.StartupReport, error) {
	if a.started != nil {
		return a.started, nil
	}
	report, err := a.lifecycle.Start(ctx)
	if err != nil {
		a.op.Fail()
		return report, err
	}
	a.started = report
	return report, nil
}

// Backup snapshots the live database and mirrors a new snapshot to every
// configured vault. Mirror failures are warnings. The error is non-nil only
// when startup is blocked; backup failures are reported in the Outcome.
func (a *App) Backup(ctx context.Context, force bool) (glr.Outcome, error) {
	if _, err := a.ready(ctx); err != nil {
		return glr.Outcome{Kind: glr.KindOf(err), Message: err.Error()}, err
	}

	out := a.backups.Backup(ctx, a.cfg.Database.Path, force)
	if !out.Success {
		a.op.Fail()
		return out, nil
	}
	if !out.Skipped {
		out.Warnings = append(out.Warnings, a.mirrorAll(ctx, out.Path)...)
	}
	return out, nil
}

// mirrorAll pushes snapshotPath to each configured vault and returns one
// warning per failure.
func (a *App) mirrorAll(ctx context.Context, snapshotPath string) []string {
	var warnings []string
	for _, vc := range a.cfg.Vaults {
		m, err := a.mirrorFor(ctx, vc)
		if err == nil {
			_, err = m.Push(ctx, snapshotPath)
		}
		if err != nil {
			a.logger.Warn("mirroring snapshot failed", "vault", vc.Name, "error", err)
			warnings = append(warnings, fmt.Sprintf("mirror %s: %v", vc.Name, err))
		}
	}
	return warnings
}

// ListBackups lists local snapshots, newest first.
func (a *App) ListBackups(ctx context.Context) ([]glr.SnapshotInfo, error) {
	return a.backups.ListBackups(ctx)
}

// Restore replaces the live database with snapshot, a file name in the
// backup directory or a path. It does not run the lifecycle first: restoring
// is how a blocked installation is repaired.
func (a *App) Restore(ctx context.Context, snapshot string, safetyBackup bool) glr.Outcome {
	out := a.restorer.Restore(ctx, a.backups.Resolve(snapshot), a.cfg.Database.Path, safetyBackup)
	if !out.Success {
		a.op.Fail()
	}
	return out
}

// Check runs the integrity check on path, or on the live database when path
// is empty.
func (a *App) Check(ctx context.Context, path string) glr.CheckResult {
	if path == "" {
		path = a.cfg.Database.Path
	}
	return a.storage.Checker.Check(ctx, path)
}

// Archive writes a zip of the data directory and a consistent database copy
// into the backup directory.
func (a *App) Archive(ctx context.Context) (glr.Outcome, error) {
	if _, err := a.ready(ctx); err != nil {
		return glr.Outcome{Kind: glr.KindOf(err), Message: err.Error()}, err
	}
	out := a.archiver.Archive(ctx, a.cfg.DataDir, a.cfg.Database.Path)
	if !out.Success {
		a.op.Fail()
	}
	return out, nil
}

// documentSources are the directories a documents backup covers: member
// documents under data/documents and the section documents root.
func documentSources(cfg *config.Config) []glr.DocumentSource {
	sources := []glr.DocumentSource{{Name: "section_docs", Dir: cfg.Documents.Root}}
	members := filepath.Join(cfg.DataDir, "documents")
	if filepath.Clean(members) != filepath.Clean(cfg.Documents.Root) {
		sources = append([]glr.DocumentSource{{Name: "documents", Dir: members}}, sources...)
	}
	return sources
}

// BackupDocuments copies new and changed document files (every file when
// full is set) into the backup directory, then mirrors the run as one zip
// bundle to every configured vault. Mirror failures are warnings.
func (a *App) BackupDocuments(ctx context.Context, full bool) (glr.DocumentsBackupResult, error) {
	if _, err := a.ready(ctx); err != nil {
		return glr.DocumentsBackupResult{Outcome: glr.Outcome{Kind: glr.KindOf(err), Message: err.Error()}}, err
	}

	mode := glr.DocumentsIncremental
	if full {
		mode = glr.DocumentsFull
	}
	res := a.docBackup.Run(ctx, mode)
	if !res.Success {
		a.op.Fail()
		return res, nil
	}
	if !res.Skipped && len(a.cfg.Vaults) > 0 {
		res.Warnings = append(res.Warnings, a.mirrorDocuments(ctx, res)...)
	}
	return res, nil
}

func (a *App) mirrorDocuments(ctx context.Context, res glr.DocumentsBackupResult) []string {
	work, err := os.MkdirTemp("", "glr-docs-*")
	if err != nil {
		return []string{fmt.Sprintf("bundling documents backup: %v", err)}
	}
	defer os.RemoveAll(work)

	bundle := filepath.Join(work, res.Snapshot+".zip")
	if err := a.docBackup.Bundle(res, bundle); err != nil {
		a.logger.Warn("bundling documents backup failed", "run", res.Snapshot, "error", err)
		return []string{fmt.Sprintf("bundling documents backup: %v", err)}
	}
	return a.mirrorAll(ctx, bundle)
}

// Documents returns the section document store, opening the registry on
// first use.
func (a *App) Documents(ctx context.Context) (*glr.DocumentStore, error) {
	if a.docs != nil {
		return a.docs, nil
	}
	if _, err := a.ready(ctx); err != nil {
		return nil, err
	}
	reg, err := a.storage.OpenRegistry()
	if err != nil {
		return nil, err
	}
	a.registry = reg
	a.docs = glr.NewDocumentStore(a.cfg.Documents.Root, reg, a.fsmgr, a.cfg.Documents.Categories, a.logger, a.clock)
	return a.docs, nil
}

// MissingDocuments lists registered documents whose file is gone.
func (a *App) MissingDocuments(ctx context.Context) ([]glr.DocumentEntry, error) {
	docs, err := a.Documents(ctx)
	if err != nil {
		return nil, err
	}
	return docs.Missing(ctx)
}

// Mirror returns the offsite mirror for the named vault. An empty name
// selects the only configured vault.
func (a *App) Mirror(ctx context.Context, vaultName string) (*glr.Mirror, error) {
	vc, err := vault.Select(a.cfg.Vaults, vaultName)
	if err != nil {
		return nil, err
	}
	return a.mirrorFor(ctx, vc)
}

func (a *App) mirrorFor(ctx context.Context, vc config.VaultConfig) (*glr.Mirror, error) {
	v, err := vault.NewVaultFromConfig(ctx, vc)
	if err != nil {
		return nil, fmt.Errorf("creating vault %s: %w", vc.Name, err)
	}
	enc, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	return glr.NewMirror(v, enc, a.storage.Checker, a.logger), nil
}

// MirrorPush uploads a local snapshot (name or path) to the vault.
func (a *App) MirrorPush(ctx context.Context, vaultName, snapshot string) (string, error) {
	m, err := a.Mirror(ctx, vaultName)
	if err != nil {
		return "", err
	}
	name, err := m.Push(ctx, a.backups.Resolve(snapshot))
	if err != nil {
		a.op.Fail()
	}
	return name, err
}

// MirrorList lists the snapshots held by the vault.
func (a *App) MirrorList(ctx context.Context, vaultName string) ([]glr.VaultObject, error) {
	m, err := a.Mirror(ctx, vaultName)
	if err != nil {
		return nil, err
	}
	return m.List(ctx)
}

// MirrorCheck verifies the vault is reachable and writable.
func (a *App) MirrorCheck(ctx context.Context, vaultName string) error {
	m, err := a.Mirror(ctx, vaultName)
	if err != nil {
		return err
	}
	return m.Vault().ValidateSetup(ctx)
}

// MirrorFetch downloads name into the backup directory. passphrase is only
// called for encrypted objects.
func (a *App) MirrorFetch(ctx context.Context, vaultName, name string, passphrase func() (string, error)) glr.Outcome {
	m, err := a.Mirror(ctx, vaultName)
	if err != nil {
		a.op.Fail()
		return glr.Outcome{Kind: glr.KindConfig, Message: err.Error()}
	}

	var dec glr.DecryptionContext
	if strings.HasSuffix(name, glr.EncryptedSuffix) {
		dec, err = a.unlock(passphrase)
		if err != nil {
			a.op.Fail()
			return glr.Outcome{Kind: glr.KindConfig, Message: err.Error()}
		}
	}

	out := m.Fetch(ctx, name, a.backups.Dir(), dec)
	if !out.Success {
		a.op.Fail()
	}
	return out
}

func (a *App) unlock(passphrase func() (string, error)) (glr.DecryptionContext, error) {
	enc, err := a.keyEncryptor()
	if err != nil {
		return nil, err
	}
	if !enc.IsConfigured() {
		return nil, errors.New("encryption keys are not set up (run 'glr keys init')")
	}
	pass, err := passphrase()
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return enc.Unlock(pass)
}

// keyEncryptor returns the configured encryptor even when encryption of new
// uploads is disabled, so existing encrypted objects stay readable.
func (a *App) keyEncryptor() (glr.Encryptor, error) {
	cfg := a.cfg.Encryption
	cfg.Enabled = true
	return encryption.NewEncryptorFromConfig(cfg)
}

// SetupKeys generates the key pair used for mirrored snapshots.
func (a *App) SetupKeys(passphrase string) error {
	enc, err := a.keyEncryptor()
	if err != nil {
		return err
	}
	if err := enc.Setup(passphrase); err != nil {
		return err
	}
	a.logger.Info("encryption keys created", "public_key", a.cfg.Encryption.PublicKeyPath)
	return nil
}

// Fail marks the current operation as failed in the log.
func (a *App) Fail() {
	a.op.Fail()
}

// Close closes the document registry and the log files.
func (a *App) Close() error {
	var firstErr error
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
		a.registry, a.docs = nil, nil
	}

	if a.logFiles != nil {
		a.logger.Debug("operation finished", "operation", a.op.Name, "status", a.op.Status)
	}
	a.closeLogs()
	return firstErr
}

func (a *App) closeLogs() {
	for _, f := range a.logFiles {
		f.Close()
	}
	a.logFiles = nil
}
