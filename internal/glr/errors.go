package glr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide how to react
// (retry on Locked, block on Corrupt, and so on).
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindUnreadable
	KindCorrupt
	KindLocked
	KindMigration
	KindRestore
	KindConfig
	KindInternal
)

var kindNames = map[Kind]string{
	KindNone:       "none",
	KindNotFound:   "not_found",
	KindUnreadable: "unreadable",
	KindCorrupt:    "corrupt",
	KindLocked:     "locked",
	KindMigration:  "migration",
	KindRestore:    "restore",
	KindConfig:     "config",
	KindInternal:   "internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether the same call may succeed later without
// any intervention. Only lock contention qualifies.
func (k Kind) Retryable() bool {
	return k == KindLocked
}

// Error is a classified failure raised by the core.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
// Unclassified non-nil errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Outcome is the explicit result of a backup, restore or archive call.
// Those operations never return a bare error across the core boundary.
type Outcome struct {
	Success bool
	Skipped bool
	Message string
	Kind    Kind

	// Snapshot is the file name of the snapshot or archive written, if any.
	Snapshot string
	// Path is the full path of Snapshot.
	Path string
	// SafetyBackup is the retained pre-restore copy, if one was kept.
	SafetyBackup string
	// Warnings are non-fatal problems (prune or mirror failures).
	Warnings []string
}

// Err converts a failed outcome into an error for callers that prefer one.
func (o Outcome) Err() error {
	if o.Success {
		return nil
	}
	return &Error{Kind: o.Kind, Op: o.Message}
}

func failed(kind Kind, format string, args ...any) Outcome {
	return Outcome{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
