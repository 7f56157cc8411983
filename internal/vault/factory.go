package vault

import (
	"context"
	"fmt"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/config"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

// NewVaultFromConfig creates a Vault implementation based on the vault config type.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (glr.Vault, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "s3":
		v, err := NewS3Vault(ctx, cfg.Name, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		v, err := NewFileSystemVault(cfg.Name, cfg.FSVaultRoot)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}

// Select returns the configured vault called name, or the only configured
// vault when name is empty.
func Select(vaults []config.VaultConfig, name string) (config.VaultConfig, error) {
	if name == "" {
		switch len(vaults) {
		case 0:
			return config.VaultConfig{}, fmt.Errorf("no vault configured")
		case 1:
			return vaults[0], nil
		default:
			return config.VaultConfig{}, fmt.Errorf("%d vaults configured, choose one with --vault", len(vaults))
		}
	}
	for _, v := range vaults {
		if v.Name == name {
			return v, nil
		}
	}
	return config.VaultConfig{}, fmt.Errorf("no vault named %q", name)
}
