package testutil

import (
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/encryption"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}
