package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantHint bool
	}{
		{"plain error", errors.New("boom"), exitError, false},
		{"corrupt database", &glr.Error{Kind: glr.KindCorrupt, Op: "backup"}, exitError, false},
		{"locked database", fmt.Errorf("start: %w", &glr.Error{Kind: glr.KindLocked, Op: "reading schema version"}), exitError, true},
		{"failed locked outcome", glr.Outcome{Kind: glr.KindLocked, Message: "database is locked"}.Err(), exitError, true},
		{"partial install", &glr.BlockedError{State: glr.StatePartialInstall, Reason: "no sentinel"}, exitPartial, false},
		{"incompatible", fmt.Errorf("start: %w", &glr.BlockedError{State: glr.StateIncompatible}), exitIncompatible, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.wantCode {
				t.Errorf("exitCode() = %d, want %d", got, tt.wantCode)
			}
			if got := retryHint(tt.err) != ""; got != tt.wantHint {
				t.Errorf("retryHint() = %q, want hint %v", retryHint(tt.err), tt.wantHint)
			}
		})
	}
}
