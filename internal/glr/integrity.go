package glr

import "context"

// CheckResult is the verdict of a structural self-check on a database file.
type CheckResult struct {
	Valid bool
	// Detail is empty on a clean pass and carries the raw diagnostic otherwise.
	Detail string
	Kind   Kind
}

// IntegrityChecker validates a database file without modifying it.
// Implementations must not panic or return errors: a missing file is
// reported as {Valid: false, Detail: "file not found"}.
type IntegrityChecker interface {
	Check(ctx context.Context, path string) CheckResult
}
