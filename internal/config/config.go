package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultMaxBackups  = 20
	DefaultBusyTimeout = "5s"
	DefaultDriver      = "sqlite3"
)

// Config represents the main configuration for glr.
// It is read once at startup and handed to each component constructor.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	DataDir    string           `toml:"data_dir"`
	LogDir     string           `toml:"log_dir"`
	Database   DatabaseConfig   `toml:"database"`
	Backup     BackupConfig     `toml:"backup"`
	Documents  DocumentsConfig  `toml:"documents"`
	Archive    ArchiveConfig    `toml:"archive"`
	Encryption EncryptionConfig `toml:"encryption"`
	Vaults     []VaultConfig    `toml:"vaults"`
}

// DatabaseConfig locates the application database and selects the driver.
type DatabaseConfig struct {
	Driver      string `toml:"driver"` // "sqlite3" (mattn, default) or "sqlite" (modernc)
	Path        string `toml:"path"`
	BusyTimeout string `toml:"busy_timeout"` // Go duration, e.g. "5s"
}

// Timeout parses BusyTimeout, falling back to the default when empty.
func (c DatabaseConfig) Timeout() (time.Duration, error) {
	raw := c.BusyTimeout
	if raw == "" {
		raw = DefaultBusyTimeout
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid busy_timeout %q: %w", c.BusyTimeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("busy_timeout must not be negative: %s", c.BusyTimeout)
	}
	return d, nil
}

// BackupConfig controls the snapshot directory and when snapshots are taken.
type BackupConfig struct {
	Dir             string `toml:"dir"`
	MaxBackups      int    `toml:"max_backups"` // 0 keeps every snapshot
	OnStartup       bool   `toml:"on_startup"`
	BeforeMigration bool   `toml:"before_migration"`
}

// DocumentsConfig holds section document settings.
type DocumentsConfig struct {
	Root       string   `toml:"root"`
	Categories []string `toml:"categories"` // added to the built-in categories
}

// ArchiveConfig holds settings for full zip archives.
type ArchiveConfig struct {
	Ignore []string `toml:"ignore"`
}

// EncryptionConfig holds paths to the age key pair used for mirrored snapshots.
type EncryptionConfig struct {
	Enabled        bool   `toml:"enabled"`
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// VaultConfig represents configuration for an offsite vault backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // S3-compatible services

	// Static credentials; when empty the AWS default chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// NewConfig creates a Config rooted at baseDir with every default filled in.
func NewConfig(baseDir string) *Config {
	cfg := &Config{
		BaseDir: baseDir,
		Backup: BackupConfig{
			MaxBackups:      DefaultMaxBackups,
			OnStartup:       true,
			BeforeMigration: true,
		},
		Archive: ArchiveConfig{
			Ignore: []string{"*.tmp", ".trash"},
		},
		Encryption: EncryptionConfig{Type: "age"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills empty paths and settings from BaseDir.
// Logs default to a sibling of the data directory, never a child of it.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.BaseDir, "data")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.BaseDir, "logs")
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "glr.db")
	}
	if c.Database.BusyTimeout == "" {
		c.Database.BusyTimeout = DefaultBusyTimeout
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.DataDir, "backup")
	}
	if c.Documents.Root == "" {
		c.Documents.Root = filepath.Join(c.DataDir, "section_docs")
	}
	if c.Encryption.Type == "" {
		c.Encryption.Type = "age"
	}
	if c.Encryption.PublicKeyPath == "" {
		c.Encryption.PublicKeyPath = filepath.Join(c.BaseDir, "keys", "glr.pub")
	}
	if c.Encryption.PrivateKeyPath == "" {
		c.Encryption.PrivateKeyPath = filepath.Join(c.BaseDir, "keys", "glr.key")
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.BaseDir == "" && c.DataDir == "" {
		errs = append(errs, errors.New("base_dir or data_dir is required"))
	}
	switch c.Database.Driver {
	case "", "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver: %s", c.Database.Driver))
	}
	if _, err := c.Database.Timeout(); err != nil {
		errs = append(errs, err)
	}
	if c.Backup.MaxBackups < 0 {
		errs = append(errs, fmt.Errorf("max_backups must not be negative: %d", c.Backup.MaxBackups))
	}
	switch c.Encryption.Type {
	case "", "age", "test":
	default:
		errs = append(errs, fmt.Errorf("unknown encryption type: %s", c.Encryption.Type))
	}
	names := make(map[string]bool)
	for i, v := range c.Vaults {
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("vault %d: name is required", i))
		} else if names[v.Name] {
			errs = append(errs, fmt.Errorf("vault %s: duplicate name", v.Name))
		}
		names[v.Name] = true
		switch v.Type {
		case "memory":
		case "filesystem":
			if v.FSVaultRoot == "" {
				errs = append(errs, fmt.Errorf("vault %s: fs_vault_root is required", v.Name))
			}
		case "s3":
			if v.S3Bucket == "" {
				errs = append(errs, fmt.Errorf("vault %s: s3_bucket is required", v.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("vault %s: unknown type %q", v.Name, v.Type))
		}
	}
	return errors.Join(errs...)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
