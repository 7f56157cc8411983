package app

import (
	"time"

	"github.com/google/uuid"
)

// Operation identifies one CLI invocation in the logs. Its ID is the UTC
// start time plus a short random suffix, so lines from concurrent runs can
// be told apart.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Started    time.Time
	Status     string // "success" or "error"
}

// NewOperation creates an operation that started at now.
func NewOperation(name, parameters string, now time.Time) *Operation {
	return &Operation{
		ID:         now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8],
		Name:       name,
		Parameters: parameters,
		Started:    now,
		Status:     "success",
	}
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = "error"
}

// Failed reports whether Fail was called.
func (op *Operation) Failed() bool {
	return op.Status == "error"
}
