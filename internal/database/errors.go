package database

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/mattn/go-sqlite3"
	"modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

// ClassifyError maps a raw storage error to a glr.Kind. Driver error codes
// are checked first, then well-known message fragments.
func ClassifyError(err error) glr.Kind {
	if err == nil {
		return glr.KindNone
	}
	if errors.Is(err, fs.ErrNotExist) {
		return glr.KindNotFound
	}

	var mattnErr sqlite3.Error
	if errors.As(err, &mattnErr) {
		if k, ok := kindForCode(int(mattnErr.Code)); ok {
			return k
		}
	}

	var moderncErr *sqlite.Error
	if errors.As(err, &moderncErr) {
		if k, ok := kindForCode(moderncErr.Code() & 0xff); ok {
			return k
		}
	}

	return kindForMessage(err.Error())
}

// kindForCode classifies a primary SQLite result code.
func kindForCode(code int) (glr.Kind, bool) {
	switch code {
	case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
		return glr.KindLocked, true
	case sqlite3lib.SQLITE_CORRUPT, sqlite3lib.SQLITE_NOTADB:
		return glr.KindCorrupt, true
	case sqlite3lib.SQLITE_CANTOPEN, sqlite3lib.SQLITE_IOERR, sqlite3lib.SQLITE_PERM,
		sqlite3lib.SQLITE_AUTH, sqlite3lib.SQLITE_READONLY:
		return glr.KindUnreadable, true
	case sqlite3lib.SQLITE_NOTFOUND:
		return glr.KindNotFound, true
	}
	return glr.KindNone, false
}

func kindForMessage(msg string) glr.Kind {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "locked"), strings.Contains(msg, "busy"):
		return glr.KindLocked
	case strings.Contains(msg, "not a database"), strings.Contains(msg, "malformed"),
		strings.Contains(msg, "corrupt"):
		return glr.KindCorrupt
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "not found"):
		return glr.KindNotFound
	case strings.Contains(msg, "unable to open"), strings.Contains(msg, "disk i/o"),
		strings.Contains(msg, "permission denied"), strings.Contains(msg, "readonly"):
		return glr.KindUnreadable
	}
	return glr.KindInternal
}
