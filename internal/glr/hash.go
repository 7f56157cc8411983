package glr

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// hashChunkSize is the read buffer used when streaming files through the digest.
const hashChunkSize = 64 * 1024

// HashFile returns the lowercase hex SHA-256 digest of the file at path.
// The file is streamed in fixed-size chunks and treated as raw bytes.
//
// A file whose reported size differs from the number of bytes actually read
// (a cloud-sync placeholder, typically) is reported as KindUnreadable rather
// than hashed, so it is never mistaken for an unchanged or empty database.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", newError(KindNotFound, "hash", path, fmt.Errorf("file not found"))
		}
		return "", newError(KindUnreadable, "hash", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", newError(KindUnreadable, "hash", path, err)
	}
	if info.IsDir() {
		return "", newError(KindUnreadable, "hash", path, fmt.Errorf("is a directory"))
	}

	digest, n, err := HashReader(f)
	if err != nil {
		return "", newError(KindUnreadable, "hash", path, err)
	}
	if n != info.Size() {
		return "", newError(KindUnreadable, "hash", path,
			fmt.Errorf("size mismatch: reported %d bytes, read %d", info.Size(), n))
	}

	return digest, nil
}

// HashReader digests everything read from r and returns the digest with
// the number of bytes consumed.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.CopyBuffer(h, r, make([]byte, hashChunkSize))
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
