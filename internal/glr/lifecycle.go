package glr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// State is the startup classification of the data directory.
type State string

const (
	StateFirstInstall   State = "FIRST_INSTALL"
	StatePartialInstall State = "PARTIAL_INSTALL"
	StateUpgrade        State = "UPGRADE"
	StateNormalRun      State = "NORMAL_RUN"
	StateIncompatible   State = "INCOMPATIBLE"
)

// Blocking reports whether the application must stop in this state.
func (s State) Blocking() bool {
	return s == StatePartialInstall || s == StateIncompatible
}

// SchemaVersion is the migration version recorded inside a database.
type SchemaVersion struct {
	Version uint
	Dirty   bool
	// Known is false when the database carries no version record.
	Known bool
}

// SchemaManager creates and migrates the application schema.
type SchemaManager interface {
	// RequiredVersion is the schema version this build expects.
	RequiredVersion() (uint, error)
	// ReadVersion reads the recorded version without modifying the file.
	ReadVersion(ctx context.Context, dbPath string) (SchemaVersion, error)
	// Migrate creates dbPath if needed and applies every pending step, each
	// in its own transaction. On failure it returns a *MigrationError and the
	// recorded version is the last step that completed.
	Migrate(ctx context.Context, dbPath string, logger Logger) (uint, error)
}

// MigrationError reports the step that failed during Migrate.
type MigrationError struct {
	From    uint
	Reached uint
	Failed  uint
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration to version %d failed (schema left at %d): %v", e.Failed, e.Reached, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Inputs are the on-disk signals the classifier looks at.
type Inputs struct {
	DataDirExists   bool
	DBExists        bool
	SentinelExists  bool
	Schema          SchemaVersion
	RequiredVersion uint
}

// Classify maps inputs to a lifecycle state. Only a completely absent
// installation is FIRST_INSTALL; every inconsistent combination, including an
// unreadable or dirty schema version, is PARTIAL_INSTALL.
func Classify(in Inputs) State {
	if !in.DataDirExists && !in.DBExists && !in.SentinelExists {
		return StateFirstInstall
	}
	if !in.DataDirExists || !in.DBExists || !in.SentinelExists {
		return StatePartialInstall
	}
	if !in.Schema.Known || in.Schema.Dirty {
		return StatePartialInstall
	}
	switch {
	case in.Schema.Version == in.RequiredVersion:
		return StateNormalRun
	case in.Schema.Version < in.RequiredVersion:
		return StateUpgrade
	default:
		return StateIncompatible
	}
}

// BlockedError is returned when startup must not continue.
type BlockedError struct {
	State  State
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("startup blocked (%s): %s", e.State, e.Reason)
}

// StartupReport summarizes what Start did.
type StartupReport struct {
	// Initial is the classification before any action was taken.
	Initial State
	// State is the classification after bootstrap or migration.
	State  State
	Inputs Inputs
	// PreMigrationBackup is the snapshot taken before an upgrade, if any.
	PreMigrationBackup string
}

// LifecycleDeps are the collaborators of a Lifecycle.
type LifecycleDeps struct {
	Schema SchemaManager
	// Backups, when set, takes a forced snapshot before migrations run.
	Backups      *BackupStore
	Logger       Logger
	BootstrapLog Logger
	MigrationLog Logger
	Clock        Clock
	IDGen        IDGenerator
}

// Lifecycle inspects the data directory at startup and runs the actions the
// resulting state permits.
type Lifecycle struct {
	layout     Layout
	appVersion string

	schema  SchemaManager
	backups *BackupStore
	logger  Logger
	bootLog Logger
	migLog  Logger
	clock   Clock
	idgen   IDGenerator
}

func NewLifecycle(layout Layout, appVersion string, deps LifecycleDeps) *Lifecycle {
	l := &Lifecycle{
		layout:     layout,
		appVersion: appVersion,
		schema:     deps.Schema,
		backups:    deps.Backups,
		logger:     deps.Logger,
		bootLog:    deps.BootstrapLog,
		migLog:     deps.MigrationLog,
		clock:      deps.Clock,
		idgen:      deps.IDGen,
	}
	if l.logger == nil {
		l.logger = NewNopLogger()
	}
	if l.bootLog == nil {
		l.bootLog = l.logger
	}
	if l.migLog == nil {
		l.migLog = l.logger
	}
	if l.clock == nil {
		l.clock = RealClock{}
	}
	if l.idgen == nil {
		l.idgen = UUIDGenerator{}
	}
	return l
}

// Layout returns the managed locations.
func (l *Lifecycle) Layout() Layout {
	return l.layout
}

// Inspect gathers classification inputs without modifying anything on disk.
func (l *Lifecycle) Inspect(ctx context.Context) (Inputs, error) {
	var in Inputs
	var err error

	required, err := l.schema.RequiredVersion()
	if err != nil {
		return in, fmt.Errorf("reading required schema version: %w", err)
	}
	in.RequiredVersion = required

	if in.DataDirExists, err = isDir(l.layout.DataDir); err != nil {
		return in, fmt.Errorf("checking data directory: %w", err)
	}
	if in.DBExists, err = fileExists(l.layout.DBPath); err != nil {
		return in, fmt.Errorf("checking database: %w", err)
	}
	if in.SentinelExists, err = fileExists(l.layout.SentinelPath()); err != nil {
		return in, fmt.Errorf("checking sentinel: %w", err)
	}

	if in.DBExists {
		v, err := l.schema.ReadVersion(ctx, l.layout.DBPath)
		switch kind := KindOf(err); {
		case err == nil:
			in.Schema = v
		case kind == KindLocked, kind == KindUnreadable:
			// Contention or I/O trouble says nothing about the install itself.
			return in, err
		default:
			l.logger.Warn("cannot read schema version", "db", l.layout.DBPath, "error", err)
		}
	}
	return in, nil
}

// State classifies the data directory without acting on it.
func (l *Lifecycle) State(ctx context.Context) (State, Inputs, error) {
	in, err := l.Inspect(ctx)
	if err != nil {
		return "", in, err
	}
	return Classify(in), in, nil
}

// Start classifies the data directory and performs the permitted action:
// bootstrap on FIRST_INSTALL, migration on UPGRADE, a state refresh on
// NORMAL_RUN. PARTIAL_INSTALL and INCOMPATIBLE return a *BlockedError and
// leave the disk untouched.
func (l *Lifecycle) Start(ctx context.Context) (*StartupReport, error) {
	state, in, err := l.State(ctx)
	if err != nil {
		return nil, err
	}
	report := &StartupReport{Initial: state, State: state, Inputs: in}
	l.logger.Info("lifecycle state detected", "state", string(state),
		"schema_version", in.Schema.Version, "required_version", in.RequiredVersion)

	switch state {
	case StateFirstInstall:
		if err := l.bootstrap(ctx, in.RequiredVersion); err != nil {
			return report, err
		}
		return l.reclassify(ctx, report)

	case StateUpgrade:
		if err := l.upgrade(ctx, in, report); err != nil {
			return report, err
		}
		return l.reclassify(ctx, report)

	case StateNormalRun:
		if err := l.recordState(StateNormalRun, in.Schema.Version, ""); err != nil {
			l.logger.Warn("updating app state failed", "error", err)
		}
		return report, nil

	default:
		reason := blockingReason(state, in, l.layout)
		l.logger.Error("startup blocked", "state", string(state), "reason", reason)
		return report, &BlockedError{State: state, Reason: reason}
	}
}

func (l *Lifecycle) reclassify(ctx context.Context, report *StartupReport) (*StartupReport, error) {
	state, in, err := l.State(ctx)
	if err != nil {
		return report, err
	}
	report.State, report.Inputs = state, in
	if state != StateNormalRun {
		reason := blockingReason(state, in, l.layout)
		l.logger.Error("unexpected state after startup actions", "state", string(state), "reason", reason)
		return report, &BlockedError{State: state, Reason: reason}
	}
	return report, nil
}

// bootstrap creates a fresh installation. The sentinel is written last and
// only when every earlier step succeeded.
func (l *Lifecycle) bootstrap(ctx context.Context, required uint) error {
	l.bootLog.Info("bootstrap started", "data_dir", l.layout.DataDir, "app_version", l.appVersion)

	for _, dir := range []string{l.layout.DataDir, l.layout.LogDir, l.layout.BackupDir, l.layout.DocumentsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			l.bootLog.Error("bootstrap failed", "step", "directories", "error", err)
			return newError(KindInternal, "bootstrap", dir, err)
		}
	}
	l.bootLog.Info("directories created")

	version, err := l.schema.Migrate(ctx, l.layout.DBPath, l.bootLog)
	if err != nil {
		l.bootLog.Error("bootstrap failed", "step", "schema", "error", err)
		return newError(KindMigration, "bootstrap", l.layout.DBPath, err)
	}
	if version != required {
		err := fmt.Errorf("schema version %d after bootstrap, want %d", version, required)
		l.bootLog.Error("bootstrap failed", "step", "schema", "error", err)
		return newError(KindMigration, "bootstrap", l.layout.DBPath, err)
	}
	l.bootLog.Info("database created", "db", l.layout.DBPath, "schema_version", version)

	if err := l.recordState(StateNormalRun, version, ""); err != nil {
		l.bootLog.Error("bootstrap failed", "step", "app state", "error", err)
		return newError(KindInternal, "bootstrap", l.layout.AppStatePath(), err)
	}
	l.bootLog.Info("app state written", "path", l.layout.AppStatePath())

	if err := writeFileAtomic(l.layout.SentinelPath(), []byte("initialized\n"), 0o644); err != nil {
		l.bootLog.Error("bootstrap failed", "step", "sentinel", "error", err)
		return newError(KindInternal, "bootstrap", l.layout.SentinelPath(), err)
	}
	l.bootLog.Info("bootstrap completed", "sentinel", l.layout.SentinelPath())
	return nil
}

func (l *Lifecycle) upgrade(ctx context.Context, in Inputs, report *StartupReport) error {
	l.migLog.Info("upgrade started", "from", in.Schema.Version, "to", in.RequiredVersion)

	if l.backups != nil {
		out := l.backups.Backup(ctx, l.layout.DBPath, true)
		if !out.Success {
			l.migLog.Error("pre-migration backup failed, migration not attempted", "error", out.Message)
			return newError(KindMigration, "upgrade", l.layout.DBPath,
				fmt.Errorf("pre-migration backup failed: %s", out.Message))
		}
		report.PreMigrationBackup = out.Path
		l.migLog.Info("pre-migration backup created", "snapshot", out.Snapshot)
	}

	version, err := l.schema.Migrate(ctx, l.layout.DBPath, l.migLog)
	if err != nil {
		l.migLog.Error("migration failed", "error", err)
		reached := version
		var merr *MigrationError
		if errors.As(err, &merr) {
			reached = merr.Reached
		}
		if werr := l.recordState(StatePartialInstall, reached, err.Error()); werr != nil {
			l.migLog.Error("recording migration failure failed", "error", werr)
		}
		report.State = StatePartialInstall
		return &BlockedError{
			State:  StatePartialInstall,
			Reason: fmt.Sprintf("schema migration failed: %v", err),
		}
	}

	l.migLog.Info("upgrade completed", "schema_version", version)
	return l.recordState(StateNormalRun, version, "")
}

// recordState rewrites app_state.json, keeping the install id.
func (l *Lifecycle) recordState(state State, schemaVersion uint, lastError string) error {
	prev, err := ReadAppState(l.layout.AppStatePath())
	if err != nil {
		l.logger.Warn("replacing unreadable app state", "error", err)
		prev = nil
	}
	installID := ""
	if prev != nil {
		installID = prev.InstallID
	}
	if installID == "" {
		installID = l.idgen.New()
	}
	return writeAppState(l.layout.AppStatePath(), AppState{
		State:         state,
		AppVersion:    l.appVersion,
		SchemaVersion: schemaVersion,
		InstallID:     installID,
		UpdatedAt:     l.clock.Now().UTC(),
		LastError:     lastError,
	})
}

func blockingReason(state State, in Inputs, layout Layout) string {
	switch state {
	case StateIncompatible:
		return fmt.Sprintf("database schema version %d is newer than this application supports (%d); install a newer release",
			in.Schema.Version, in.RequiredVersion)
	case StatePartialInstall:
		switch {
		case !in.DataDirExists:
			return fmt.Sprintf("data directory %s is missing but installation markers exist", layout.DataDir)
		case !in.DBExists:
			return fmt.Sprintf("database %s is missing from an existing data directory", layout.DBPath)
		case !in.SentinelExists:
			return fmt.Sprintf("database %s exists but setup never completed (no %s marker)", layout.DBPath, SentinelFileName)
		case in.Schema.Dirty:
			return fmt.Sprintf("a previous migration to version %d did not complete", in.Schema.Version)
		case !in.Schema.Known:
			return "the database schema version cannot be read"
		}
		return "the installation is incomplete"
	case StateUpgrade:
		return fmt.Sprintf("schema is at version %d, %d required", in.Schema.Version, in.RequiredVersion)
	}
	return string(state)
}

func isDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}
