package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		BaseDir: "/home/user/.glr",
		DataDir: "/home/user/.glr/data",
		LogDir:  "/home/user/.glr/logs",
		Database: DatabaseConfig{
			Driver:      "sqlite",
			Path:        "/home/user/.glr/data/glr.db",
			BusyTimeout: "2s",
		},
		Backup: BackupConfig{
			Dir:             "/home/user/.glr/data/backup",
			MaxBackups:      7,
			OnStartup:       true,
			BeforeMigration: true,
		},
		Documents: DocumentsConfig{
			Root:       "/home/user/.glr/data/section_docs",
			Categories: []string{"Contest", "QSL"},
		},
		Archive: ArchiveConfig{Ignore: []string{"*.tmp", ".trash"}},
		Vaults: []VaultConfig{
			{Type: "filesystem", Name: "usb", FSVaultRoot: "/mnt/usb/glr"},
			{Type: "s3", Name: "cloud", S3Bucket: "glr-backups", S3Region: "eu-south-1", S3Endpoint: "http://localhost:9000"},
		},
		Encryption: EncryptionConfig{
			Enabled:        true,
			Type:           "age",
			PublicKeyPath:  "/home/user/.glr/keys/glr.pub",
			PrivateKeyPath: "/home/user/.glr/keys/glr.key",
		},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.BaseDir != original.BaseDir {
		t.Errorf("BaseDir = %q, want %q", got.BaseDir, original.BaseDir)
	}
	if got.Database != original.Database {
		t.Errorf("Database = %+v, want %+v", got.Database, original.Database)
	}
	if got.Backup != original.Backup {
		t.Errorf("Backup = %+v, want %+v", got.Backup, original.Backup)
	}
	if len(got.Documents.Categories) != 2 || got.Documents.Categories[1] != "QSL" {
		t.Errorf("Documents.Categories = %v, want [Contest QSL]", got.Documents.Categories)
	}
	if len(got.Vaults) != 2 {
		t.Fatalf("len(Vaults) = %d, want 2", len(got.Vaults))
	}
	if got.Vaults[1] != original.Vaults[1] {
		t.Errorf("Vaults[1] = %+v, want %+v", got.Vaults[1], original.Vaults[1])
	}
	if got.Encryption != original.Encryption {
		t.Errorf("Encryption = %+v, want %+v", got.Encryption, original.Encryption)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("/srv/glr")

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"DataDir", cfg.DataDir, "/srv/glr/data"},
		{"LogDir", cfg.LogDir, "/srv/glr/logs"},
		{"Database.Path", cfg.Database.Path, "/srv/glr/data/glr.db"},
		{"Database.Driver", cfg.Database.Driver, "sqlite3"},
		{"Backup.Dir", cfg.Backup.Dir, "/srv/glr/data/backup"},
		{"Documents.Root", cfg.Documents.Root, "/srv/glr/data/section_docs"},
		{"Encryption.PublicKeyPath", cfg.Encryption.PublicKeyPath, "/srv/glr/keys/glr.pub"},
		{"Encryption.PrivateKeyPath", cfg.Encryption.PrivateKeyPath, "/srv/glr/keys/glr.key"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
	if cfg.Backup.MaxBackups != DefaultMaxBackups {
		t.Errorf("Backup.MaxBackups = %d, want %d", cfg.Backup.MaxBackups, DefaultMaxBackups)
	}
	if !cfg.Backup.OnStartup || !cfg.Backup.BeforeMigration {
		t.Errorf("Backup = %+v, want OnStartup and BeforeMigration enabled", cfg.Backup)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := &Config{BaseDir: "/srv/glr", DataDir: "/var/lib/glr", Database: DatabaseConfig{Path: "/var/lib/glr/custom.db"}}
	cfg.ApplyDefaults()

	if cfg.Database.Path != "/var/lib/glr/custom.db" {
		t.Errorf("Database.Path = %q, want explicit value kept", cfg.Database.Path)
	}
	if cfg.Backup.Dir != "/var/lib/glr/backup" {
		t.Errorf("Backup.Dir = %q, want it derived from DataDir", cfg.Backup.Dir)
	}
	if cfg.LogDir != "/srv/glr/logs" {
		t.Errorf("LogDir = %q, want it derived from BaseDir", cfg.LogDir)
	}
}

func TestDatabaseConfig_Timeout(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"soon", 0, true},
		{"-1s", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := DatabaseConfig{BusyTimeout: tt.raw}.Timeout()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Timeout() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Timeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, "unknown database driver"},
		{"bad timeout", func(c *Config) { c.Database.BusyTimeout = "forever" }, "busy_timeout"},
		{"negative retention", func(c *Config) { c.Backup.MaxBackups = -1 }, "max_backups"},
		{"unknown encryption", func(c *Config) { c.Encryption.Type = "rot13" }, "unknown encryption type"},
		{"vault without root", func(c *Config) {
			c.Vaults = []VaultConfig{{Type: "filesystem", Name: "usb"}}
		}, "fs_vault_root"},
		{"vault without bucket", func(c *Config) {
			c.Vaults = []VaultConfig{{Type: "s3", Name: "cloud"}}
		}, "s3_bucket"},
		{"duplicate vault", func(c *Config) {
			c.Vaults = []VaultConfig{{Type: "memory", Name: "m"}, {Type: "memory", Name: "m"}}
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("/srv/glr")
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "glr.toml")
		cfg := NewConfig(dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "glr.toml")
		cfg := NewConfig(dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "glr.toml")
		cfg := NewConfig(dir)
		cfg.Database.Driver = "sqlite"

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.Database.Driver != "sqlite" {
			t.Errorf("Database.Driver = %q, want %q", got.Database.Driver, "sqlite")
		}
		if got.DataDir != cfg.DataDir {
			t.Errorf("DataDir = %q, want %q", got.DataDir, cfg.DataDir)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/glr.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
