package glr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const safetyTimeLayout = "20060102_150405"

// RestoreCoordinator replaces a live database with a verified snapshot,
// reverting to the pre-restore bytes if the result does not verify.
type RestoreCoordinator struct {
	checker IntegrityChecker
	logger  Logger
	clock   Clock
}

func NewRestoreCoordinator(checker IntegrityChecker, logger Logger, clock Clock) *RestoreCoordinator {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &RestoreCoordinator{checker: checker, logger: logger, clock: clock}
}

// SafetyBackupPath returns the name of the first pre-restore copy taken at t.
// Later copies within the same second get a _01.._99 suffix.
func SafetyBackupPath(targetPath string, t time.Time) string {
	return targetPath + ".pre_restore_" + t.Format(safetyTimeLayout)
}

// freeSidePath returns base, or base with the first free _NN suffix, so an
// earlier copy of the database is never overwritten.
func freeSidePath(base string) (string, error) {
	for seq := 0; seq <= maxSameSecondSeq; seq++ {
		p := base
		if seq > 0 {
			p = fmt.Sprintf("%s_%02d", base, seq)
		}
		exists, err := fileExists(p)
		if err != nil {
			return "", err
		}
		if !exists {
			return p, nil
		}
	}
	return "", fmt.Errorf("too many copies named %s", filepath.Base(base))
}

// Restore copies backupPath over targetPath.
//
// The candidate must pass the integrity check first; otherwise targetPath is
// not touched. The current target is copied aside before the swap (kept as the
// safety backup when createSafetyBackup is set, removed afterwards otherwise)
// and copied back if the swapped-in file fails the post-restore check.
func (r *RestoreCoordinator) Restore(ctx context.Context, backupPath, targetPath string, createSafetyBackup bool) Outcome {
	exists, err := fileExists(backupPath)
	if err != nil {
		return failed(KindUnreadable, "cannot access backup %s: %v", backupPath, err)
	}
	if !exists {
		return failed(KindNotFound, "backup not found: %s", backupPath)
	}

	res := r.checker.Check(ctx, backupPath)
	if !res.Valid {
		kind := res.Kind
		if kind == KindNone {
			kind = KindCorrupt
		}
		r.logger.Error("restore refused, backup failed integrity check", "backup", backupPath, "detail", res.Detail)
		return failed(kind, "backup failed integrity check: %s", res.Detail)
	}

	digest, err := HashFile(backupPath)
	if err != nil {
		return failed(KindOf(err), "cannot read backup: %v", err)
	}

	targetExisted, err := fileExists(targetPath)
	if err != nil {
		return failed(KindUnreadable, "cannot access database %s: %v", targetPath, err)
	}

	now := r.clock.Now()
	var rollback, safety string
	keepRollback := createSafetyBackup
	if targetExisted {
		base := targetPath + ".rollback_" + now.Format(safetyTimeLayout)
		if createSafetyBackup {
			base = SafetyBackupPath(targetPath, now)
		}
		if rollback, err = freeSidePath(base); err != nil {
			r.logger.Error("restore aborted, no free name for the safety copy", "target", targetPath, "error", err)
			return failed(KindRestore, "safety backup failed, restore aborted: %v", err)
		}
		if createSafetyBackup {
			safety = rollback
		}
		if _, err := copyFileAtomic(targetPath, rollback, ""); err != nil {
			r.logger.Error("restore aborted, could not copy current database aside", "target", targetPath, "error", err)
			return failed(KindRestore, "safety backup failed, restore aborted: %v", err)
		}
		defer func() {
			if !keepRollback {
				os.Remove(rollback)
			}
		}()
		r.logger.Info("current database copied aside", "copy", rollback, "kept", createSafetyBackup)
	} else if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return failed(KindRestore, "creating database directory: %v", err)
	}

	if _, err := copyFileAtomic(backupPath, targetPath, digest); err != nil {
		r.logger.Error("restore copy failed", "backup", backupPath, "target", targetPath, "error", err)
		return r.withSafety(failed(KindRestore, "copying backup over database: %v", err), safety)
	}

	post := r.checker.Check(ctx, targetPath)
	if post.Valid {
		r.logger.Info("database restored", "backup", backupPath, "target", targetPath, "safety_backup", safety)
		return Outcome{
			Success:      true,
			Message:      "database restored from " + filepath.Base(backupPath),
			Path:         targetPath,
			SafetyBackup: safety,
		}
	}

	r.logger.Error("restored database failed integrity check, reverting", "target", targetPath, "detail", post.Detail)
	if err := r.revert(rollback, targetPath); err != nil {
		r.logger.Error("revert failed", "target", targetPath, "rollback", rollback, "error", err)
		keepRollback = true
		out := failed(KindRestore, "restored database failed integrity check (%s) and revert failed: %v", post.Detail, err)
		return r.withSafety(out, rollback)
	}
	return r.withSafety(failed(KindRestore, "restored database failed integrity check, previous database reinstated: %s", post.Detail), safety)
}

func (r *RestoreCoordinator) revert(rollback, targetPath string) error {
	if rollback == "" {
		if err := os.Remove(targetPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing restored file: %w", err)
		}
		return nil
	}
	if _, err := copyFileAtomic(rollback, targetPath, ""); err != nil {
		return fmt.Errorf("copying back %s: %w", rollback, err)
	}
	return nil
}

func (r *RestoreCoordinator) withSafety(out Outcome, safety string) Outcome {
	out.SafetyBackup = safety
	return out
}
