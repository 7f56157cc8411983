package encryption

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/config"
)

const testPassphrase = "sezione-passphrase"

func newTestAgeEncryptor(t *testing.T) *AgeEncryptor {
	t.Helper()
	dir := t.TempDir()
	return NewAgeEncryptor(config.EncryptionConfig{
		PublicKeyPath:  filepath.Join(dir, "keys", "glr.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "glr.key"),
	})
}

func TestAgeEncryptor_IsConfigured(t *testing.T) {
	t.Parallel()
	e := newTestAgeEncryptor(t)
	if e.IsConfigured() {
		t.Error("IsConfigured() = true before Setup, want false")
	}
	if err := e.Setup(testPassphrase); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.IsConfigured() {
		t.Error("IsConfigured() = false after Setup, want true")
	}

	info, err := os.Stat(e.privateKeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key mode = %o, want 600", perm)
	}
}

func TestAgeEncryptor_Setup_RefusesToOverwrite(t *testing.T) {
	t.Parallel()
	e := newTestAgeEncryptor(t)
	if err := e.Setup(testPassphrase); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	before, err := os.ReadFile(e.publicKeyPath)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Setup("another-passphrase"); err == nil {
		t.Fatal("second Setup() succeeded")
	}
	after, _ := os.ReadFile(e.publicKeyPath)
	if !bytes.Equal(before, after) {
		t.Error("second Setup() replaced the public key")
	}
}

func TestAgeEncryptor_Setup_ShortPassphrase(t *testing.T) {
	t.Parallel()
	e := newTestAgeEncryptor(t)
	if err := e.Setup("short"); err == nil {
		t.Error("Setup() accepted a short passphrase")
	}
	if e.IsConfigured() {
		t.Error("IsConfigured() = true after a rejected Setup")
	}
}

func TestAgeEncryptor_EncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "simple text", input: []byte("hello world")},
		{name: "empty", input: []byte{}},
		{name: "binary data", input: []byte{0x00, 0xff, 0x01, 0xfe}},
		{name: "large data", input: bytes.Repeat([]byte("SQLite format 3\x00"), 20000)},
	}

	e := newTestAgeEncryptor(t)
	if err := e.Setup(testPassphrase); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	dec, err := e.Unlock(testPassphrase)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var encrypted bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &encrypted); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(tt.input) > 0 && bytes.Contains(encrypted.Bytes(), tt.input) {
				t.Error("encrypted output contains the plaintext")
			}

			var decrypted bytes.Buffer
			if err := dec.Decrypt(bytes.NewReader(encrypted.Bytes()), &decrypted); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(decrypted.Bytes(), tt.input) {
				t.Errorf("round-trip failed: got %d bytes, want %d bytes", decrypted.Len(), len(tt.input))
			}
		})
	}
}

func TestAgeEncryptor_UnlockWrongPassphrase(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if err := e.Setup(testPassphrase); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	_, err := e.Unlock("wrong-passphrase")
	if !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Unlock() error = %v, want ErrWrongPassphrase", err)
	}
}

func TestAgeEncryptor_BeforeSetup(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	var buf bytes.Buffer
	if err := e.Encrypt(bytes.NewReader([]byte("data")), &buf); err == nil {
		t.Error("Encrypt() before Setup should return error")
	}
	if _, err := e.Unlock(testPassphrase); err == nil {
		t.Error("Unlock() before Setup should return error")
	}
}

func TestAgeDecryptionContext_TamperedCiphertext(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if err := e.Setup(testPassphrase); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	var encrypted bytes.Buffer
	if err := e.Encrypt(bytes.NewReader(bytes.Repeat([]byte("x"), 4096)), &encrypted); err != nil {
		t.Fatal(err)
	}
	data := encrypted.Bytes()
	data[len(data)-10] ^= 0xff

	dec, err := e.Unlock(testPassphrase)
	if err != nil {
		t.Fatal(err)
	}
	if err := dec.Decrypt(bytes.NewReader(data), &bytes.Buffer{}); err == nil {
		t.Error("Decrypt() accepted tampered ciphertext")
	}
}
