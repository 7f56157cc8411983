package encryption

import (
	"fmt"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/config"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

// NewEncryptorFromConfig returns the configured Encryptor, or nil when
// encryption is disabled and snapshots are mirrored as-is.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (glr.Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
