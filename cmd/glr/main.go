package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/app"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/config"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes. A blocked installation gets its own code so scripts can tell
// "repair needed" from "upgrade the program".
const (
	exitError        = 1
	exitPartial      = 2
	exitIncompatible = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if hint := retryHint(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(exitCode(err))
	}
}

// retryHint returns advice for failures that may clear up on their own.
func retryHint(err error) string {
	if glr.KindOf(err).Retryable() {
		return "hint: the database is in use by another program; close it and retry later"
	}
	return ""
}

func exitCode(err error) int {
	var blocked *glr.BlockedError
	if errors.As(err, &blocked) {
		if blocked.State == glr.StateIncompatible {
			return exitIncompatible
		}
		return exitPartial
	}
	return exitError
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation names the CLI command being run (e.g. "backup", "restore").
func newApp(operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(cfg, operation, version)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase prompts on the terminal without echo. When stdin is not a
// terminal the first line of stdin is used.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase from stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// report prints an outcome and converts a failure into the command error.
func report(a *app.App, out glr.Outcome) error {
	for _, w := range out.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if !out.Success {
		a.Fail()
		return out.Err()
	}
	fmt.Println(out.Message)
	if out.SafetyBackup != "" {
		fmt.Printf("Safety backup: %s\n", out.SafetyBackup)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:          "glr",
	Short:        "Backup, integrity and restore for the GLR section database",
	Version:      version,
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults.BaseDir)

		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Data Dir: %s\n", cfg.DataDir)
		fmt.Printf("Log Dir:  %s\n", cfg.LogDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		cfg.ApplyDefaults()

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("Data Dir:     %s\n", cfg.DataDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Database:     %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
		fmt.Printf("Backup Dir:   %s (keep %d)\n", cfg.Backup.Dir, cfg.Backup.MaxBackups)
		fmt.Printf("Documents:    %s\n", cfg.Documents.Root)
		fmt.Printf("Encryption:   %v (%s)\n", cfg.Encryption.Enabled, cfg.Encryption.Type)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:        %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

// start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the startup sequence (bootstrap, migrate, startup backup)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("start")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Start(cmd.Context())
		if res != nil && res.Report != nil {
			fmt.Printf("State: %s -> %s\n", res.Report.Initial, res.Report.State)
			if res.Report.PreMigrationBackup != "" {
				fmt.Printf("Pre-migration backup: %s\n", res.Report.PreMigrationBackup)
			}
		}
		if err != nil {
			return err
		}

		if res.Backup != nil {
			if err := report(a, *res.Backup); err != nil {
				fmt.Fprintf(os.Stderr, "startup backup failed: %v\n", err)
				if hint := retryHint(err); hint != "" {
					fmt.Fprintln(os.Stderr, hint)
				}
			}
		}
		for _, d := range res.MissingDocuments {
			fmt.Fprintf(os.Stderr, "missing document #%d: %s\n", d.ID, d.Path)
		}
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the installation state without changing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("state")
		if err != nil {
			return err
		}
		defer a.Close()

		state, in, err := a.State(cmd.Context())
		if err != nil {
			return err
		}

		schema := "none"
		if in.Schema.Known {
			schema = strconv.FormatUint(uint64(in.Schema.Version), 10)
			if in.Schema.Dirty {
				schema += " (dirty)"
			}
		}
		fmt.Printf("State:           %s\n", state)
		fmt.Printf("Data dir:        %v\n", in.DataDirExists)
		fmt.Printf("Database:        %v\n", in.DBExists)
		fmt.Printf("Initialized:     %v\n", in.SentinelExists)
		fmt.Printf("Schema version:  %s (required %d)\n", schema, in.RequiredVersion)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		a, err := newApp("backup")
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.Backup(cmd.Context(), force)
		if err != nil {
			return err
		}
		return report(a, out)
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List local snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("backups")
		if err != nil {
			return err
		}
		defer a.Close()

		snaps, err := a.ListBackups(cmd.Context())
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}

		for _, s := range snaps {
			status := "ok"
			if !s.Valid {
				status = "INVALID: " + s.Detail
			}
			fmt.Printf("%s  %s  %10s  %s\n",
				s.Created.Local().Format("2006-01-02 15:04:05"),
				s.Filename,
				humanize.IBytes(uint64(s.Size)),
				status,
			)
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore SNAPSHOT",
	Short: "Replace the database with a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noSafety, _ := cmd.Flags().GetBool("no-safety-backup")

		a, err := newApp("restore")
		if err != nil {
			return err
		}
		defer a.Close()

		return report(a, a.Restore(cmd.Context(), args[0], !noSafety))
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [PATH]",
	Short: "Run the integrity check on the database or a snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("check")
		if err != nil {
			return err
		}
		defer a.Close()

		path := ""
		if len(args) > 0 {
			if path, err = filepath.Abs(args[0]); err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
		}

		res := a.Check(cmd.Context(), path)
		if !res.Valid {
			a.Fail()
			return fmt.Errorf("integrity check failed (%s): %s", res.Kind, res.Detail)
		}
		fmt.Println("ok")
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Write a zip of the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("archive")
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.Archive(cmd.Context())
		if err != nil {
			return err
		}
		if err := report(a, out); err != nil {
			return err
		}
		fmt.Println(out.Path)
		return nil
	},
}

// docs command
var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage section documents",
}

// withDocuments opens the app and the document store for one docs command.
func withDocuments(ctx context.Context, operation string, fn func(*glr.DocumentStore) error) error {
	a, err := newApp(operation)
	if err != nil {
		return err
	}
	defer a.Close()

	docs, err := a.Documents(ctx)
	if err != nil {
		return err
	}
	if err := fn(docs); err != nil {
		a.Fail()
		return err
	}
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid document id: %s", s)
	}
	return id, nil
}

var docsAddCmd = &cobra.Command{
	Use:   "add FILE",
	Short: "Store a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		description, _ := cmd.Flags().GetString("description")

		src, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		return withDocuments(cmd.Context(), "docs add", func(docs *glr.DocumentStore) error {
			d, dup, err := docs.Add(cmd.Context(), src, category, description)
			if err != nil {
				return err
			}
			if dup {
				fmt.Printf("Already stored as #%d (%s)\n", d.ID, d.RelativePath)
				return nil
			}
			fmt.Printf("Stored #%d: %s\n", d.ID, d.RelativePath)
			return nil
		})
	},
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDocuments(cmd.Context(), "docs list", func(docs *glr.DocumentStore) error {
			entries, err := docs.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No documents.")
				return nil
			}
			for _, e := range entries {
				flag := " "
				if e.Missing {
					flag = "!"
				}
				fmt.Printf("%s #%-4d  %-20s  %s  %s\n", flag, e.ID, e.Category, e.OriginalName, e.Description)
			}
			return nil
		})
	},
}

var docsUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Change a document's category or description",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		category, _ := cmd.Flags().GetString("category")
		description, _ := cmd.Flags().GetString("description")

		return withDocuments(cmd.Context(), "docs update", func(docs *glr.DocumentStore) error {
			entries, err := docs.List(cmd.Context())
			if err != nil {
				return err
			}
			var current *glr.Document
			for _, e := range entries {
				if e.ID == id {
					current = e.Document
				}
			}
			if current == nil {
				return fmt.Errorf("document #%d not found", id)
			}
			if !cmd.Flags().Changed("category") {
				category = current.Category
			}
			if !cmd.Flags().Changed("description") {
				description = current.Description
			}

			d, err := docs.Update(cmd.Context(), id, category, description)
			if err != nil {
				return err
			}
			fmt.Printf("Updated #%d: %s\n", d.ID, d.RelativePath)
			return nil
		})
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withDocuments(cmd.Context(), "docs delete", func(docs *glr.DocumentStore) error {
			if err := docs.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Deleted #%d\n", id)
			return nil
		})
	},
}

var docsReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Reconcile the registry with the files on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		importOrphans, _ := cmd.Flags().GetBool("import-orphans")

		return withDocuments(cmd.Context(), "docs reindex", func(docs *glr.DocumentStore) error {
			rep, err := docs.Reindex(cmd.Context(), glr.ReindexOptions{DryRun: dryRun, ImportOrphans: importOrphans})
			if err != nil {
				return err
			}
			fmt.Printf("Checked %d record(s)\n", rep.Checked)
			for _, m := range rep.Moved {
				fmt.Printf("moved    #%d  %s -> %s\n", m.ID, m.OldPath, m.NewPath)
			}
			for _, d := range rep.Missing {
				fmt.Printf("missing  #%d  %s\n", d.ID, d.RelativePath)
			}
			for _, p := range rep.Orphans {
				fmt.Printf("orphan   %s\n", p)
			}
			for _, d := range rep.Imported {
				fmt.Printf("imported #%d  %s\n", d.ID, d.RelativePath)
			}
			for _, e := range rep.Errors {
				fmt.Fprintf(os.Stderr, "error: %s\n", e)
			}
			if dryRun {
				fmt.Println("(dry run, nothing changed)")
			}
			return nil
		})
	},
}

var docsBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up document files changed since the last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")

		a, err := newApp("docs backup")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.BackupDocuments(cmd.Context(), full)
		if err != nil {
			return err
		}
		if err := report(a, res.Outcome); err != nil {
			return err
		}
		fmt.Printf("Manifest: %s\n", res.ManifestPath)
		return nil
	},
}

// mirror command
var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Copy snapshots to and from offsite vaults",
}

var mirrorPushCmd = &cobra.Command{
	Use:   "push SNAPSHOT",
	Short: "Upload a local snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vaultName, _ := cmd.Flags().GetString("vault")

		a, err := newApp("mirror push")
		if err != nil {
			return err
		}
		defer a.Close()

		name, err := a.MirrorPush(cmd.Context(), vaultName, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Uploaded %s\n", name)
		return nil
	},
}

var mirrorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots in a vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		vaultName, _ := cmd.Flags().GetString("vault")

		a, err := newApp("mirror list")
		if err != nil {
			return err
		}
		defer a.Close()

		objs, err := a.MirrorList(cmd.Context(), vaultName)
		if err != nil {
			return err
		}
		if len(objs) == 0 {
			fmt.Println("No snapshots in vault.")
			return nil
		}
		for _, o := range objs {
			fmt.Printf("%s  %10s  %s\n", o.Modified.Local().Format("2006-01-02 15:04:05"), humanize.IBytes(uint64(o.Size)), o.Name)
		}
		return nil
	},
}

var mirrorFetchCmd = &cobra.Command{
	Use:   "fetch NAME",
	Short: "Download a snapshot into the backup directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vaultName, _ := cmd.Flags().GetString("vault")

		a, err := newApp("mirror fetch")
		if err != nil {
			return err
		}
		defer a.Close()

		out := a.MirrorFetch(cmd.Context(), vaultName, args[0], func() (string, error) {
			return readPassphrase("Passphrase: ")
		})
		if err := report(a, out); err != nil {
			return err
		}
		fmt.Printf("Restore it with: glr restore %s\n", out.Snapshot)
		return nil
	},
}

var mirrorCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify a vault is reachable and writable",
	RunE: func(cmd *cobra.Command, args []string) error {
		vaultName, _ := cmd.Flags().GetString("vault")

		a, err := newApp("mirror check")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.MirrorCheck(cmd.Context(), vaultName); err != nil {
			a.Fail()
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the key pair used for mirrored snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("keys init")
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		if term.IsTerminal(int(os.Stdin.Fd())) {
			again, err := readPassphrase("Repeat passphrase: ")
			if err != nil {
				return err
			}
			if again != pass {
				return errors.New("passphrases do not match")
			}
		}

		if err := a.SetupKeys(pass); err != nil {
			a.Fail()
			return err
		}
		cfg := a.Config()
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s (encrypted with the passphrase)\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// docs subcommands
	docsCmd.AddCommand(docsAddCmd)
	docsAddCmd.Flags().StringP("category", "c", "", "Document category")
	docsAddCmd.Flags().StringP("description", "d", "", "Free-text description")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsUpdateCmd)
	docsUpdateCmd.Flags().StringP("category", "c", "", "New category")
	docsUpdateCmd.Flags().StringP("description", "d", "", "New description")
	docsCmd.AddCommand(docsDeleteCmd)
	docsCmd.AddCommand(docsReindexCmd)
	docsReindexCmd.Flags().Bool("dry-run", false, "Report without changing anything")
	docsReindexCmd.Flags().Bool("import-orphans", false, "Register files that have no record")
	docsCmd.AddCommand(docsBackupCmd)
	docsBackupCmd.Flags().Bool("full", false, "Copy every file, not only the changed ones")

	// mirror subcommands
	for _, c := range []*cobra.Command{mirrorPushCmd, mirrorListCmd, mirrorFetchCmd, mirrorCheckCmd} {
		c.Flags().String("vault", "", "Vault name (may be omitted when only one is configured)")
		mirrorCmd.AddCommand(c)
	}

	keysCmd.AddCommand(keysInitCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().BoolP("force", "f", false, "Snapshot even if the database is unchanged")
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().Bool("no-safety-backup", false, "Do not keep a copy of the replaced database")
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(docsCmd)
	rootCmd.AddCommand(mirrorCmd)
	rootCmd.AddCommand(keysCmd)
}
