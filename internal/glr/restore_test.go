package glr_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/testutil"
)

type restoreEnv struct {
	coord      *glr.RestoreCoordinator
	checker    *testutil.StubChecker
	clock      *testutil.StubClock
	target     string
	snapshot   string
	targetHash string
	snapHash   string
}

// setupRestore creates a live database with 5 rows and a snapshot with 2.
func setupRestore(t *testing.T) *restoreEnv {
	t.Helper()
	dir := t.TempDir()
	env := &restoreEnv{
		checker:  testutil.NewStubChecker(testutil.NewChecker()),
		clock:    testutil.FixedClock(),
		target:   filepath.Join(dir, "data", "glr.db"),
		snapshot: filepath.Join(dir, "backup", "glr_backup_2025-01-14_09-00-00.db"),
	}
	env.targetHash = testutil.NewSampleDatabase(t, env.target, 5)
	env.snapHash = testutil.NewSampleDatabase(t, env.snapshot, 2)
	env.coord = glr.NewRestoreCoordinator(env.checker, glr.NewNopLogger(), env.clock)
	return env
}

func sideFiles(t *testing.T, target string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(target))
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	base := filepath.Base(target)
	for _, e := range entries {
		if e.Name() != base && strings.Contains(e.Name(), base) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestRestoreCoordinator_Restore(t *testing.T) {
	t.Run("restore with safety backup", func(t *testing.T) {
		t.Parallel()
		env := setupRestore(t)

		out := env.coord.Restore(context.Background(), env.snapshot, env.target, true)
		if !out.Success {
			t.Fatalf("Restore() = %+v", out)
		}
		if got := testutil.CountRows(t, env.target); got != 2 {
			t.Errorf("rows after restore = %d, want 2", got)
		}
		if got := testutil.FileSHA256(t, env.target); got != env.snapHash {
			t.Errorf("target hash = %s, want snapshot hash %s", got, env.snapHash)
		}

		wantSafety := glr.SafetyBackupPath(env.target, env.clock.Now())
		if out.SafetyBackup != wantSafety {
			t.Errorf("SafetyBackup = %s, want %s", out.SafetyBackup, wantSafety)
		}
		if got := testutil.FileSHA256(t, wantSafety); got != env.targetHash {
			t.Errorf("safety backup hash = %s, want pre-restore hash %s", got, env.targetHash)
		}
		if !strings.HasSuffix(wantSafety, ".pre_restore_20250115_103000") {
			t.Errorf("safety backup name = %s", wantSafety)
		}
	})

	t.Run("restore without safety backup leaves no side files", func(t *testing.T) {
		t.Parallel()
		env := setupRestore(t)

		out := env.coord.Restore(context.Background(), env.snapshot, env.target, false)
		if !out.Success {
			t.Fatalf("Restore() = %+v", out)
		}
		if out.SafetyBackup != "" {
			t.Errorf("SafetyBackup = %s, want none", out.SafetyBackup)
		}
		if got := sideFiles(t, env.target); len(got) != 0 {
			t.Errorf("side files left: %v", got)
		}
		if got := testutil.CountRows(t, env.target); got != 2 {
			t.Errorf("rows after restore = %d, want 2", got)
		}
	})

	t.Run("corrupt snapshot is refused and target untouched", func(t *testing.T) {
		t.Parallel()
		env := setupRestore(t)
		testutil.CorruptHeader(t, env.snapshot, 10)

		out := env.coord.Restore(context.Background(), env.snapshot, env.target, true)
		if out.Success {
			t.Fatal("Restore() succeeded with a corrupt snapshot")
		}
		if out.Kind != glr.KindCorrupt {
			t.Errorf("Kind = %v, want %v", out.Kind, glr.KindCorrupt)
		}
		if got := testutil.FileSHA256(t, env.target); got != env.targetHash {
			t.Error("target modified by a refused restore")
		}
		if got := sideFiles(t, env.target); len(got) != 0 {
			t.Errorf("side files created: %v", got)
		}
	})

	t.Run("missing snapshot", func(t *testing.T) {
		t.Parallel()
		env := setupRestore(t)

		out := env.coord.Restore(context.Background(), env.snapshot+".nope", env.target, true)
		if out.Success || out.Kind != glr.KindNotFound {
			t.Fatalf("Restore() = %+v, want not found", out)
		}
	})

	t.Run("failed post-restore check reverts the target", func(t *testing.T) {
		t.Parallel()
		env := setupRestore(t)
		env.checker.SetResult(env.target, glr.CheckResult{Detail: "forced failure", Kind: glr.KindCorrupt})

		out := env.coord.Restore(context.Background(), env.snapshot, env.target, true)
		if out.Success {
			t.Fatal("Restore() succeeded despite failed post-check")
		}
		if out.Kind != glr.KindRestore {
			t.Errorf("Kind = %v, want %v", out.Kind, glr.KindRestore)
		}
		if !strings.Contains(out.Message, "previous database reinstated") {
			t.Errorf("Message = %q", out.Message)
		}
		if got := testutil.FileSHA256(t, env.target); got != env.targetHash {
			t.Error("target not reverted to pre-restore bytes")
		}
		if out.SafetyBackup == "" || !testutil.Exists(out.SafetyBackup) {
			t.Errorf("safety backup %q should be kept", out.SafetyBackup)
		}
	})

	t.Run("failed post-restore check without safety backup", func(t *testing.T) {
		t.Parallel()
		env := setupRestore(t)
		env.checker.SetResult(env.target, glr.CheckResult{Detail: "forced failure", Kind: glr.KindCorrupt})

		out := env.coord.Restore(context.Background(), env.snapshot, env.target, false)
		if out.Success {
			t.Fatal("Restore() succeeded despite failed post-check")
		}
		if got := testutil.FileSHA256(t, env.target); got != env.targetHash {
			t.Error("target not reverted to pre-restore bytes")
		}
		if got := sideFiles(t, env.target); len(got) != 0 {
			t.Errorf("rollback copy left behind: %v", got)
		}
	})

	t.Run("absent target is created", func(t *testing.T) {
		t.Parallel()
		env := setupRestore(t)
		target := filepath.Join(filepath.Dir(env.target), "fresh", "glr.db")

		out := env.coord.Restore(context.Background(), env.snapshot, target, true)
		if !out.Success {
			t.Fatalf("Restore() = %+v", out)
		}
		if out.SafetyBackup != "" {
			t.Errorf("SafetyBackup = %s, want none for an absent target", out.SafetyBackup)
		}
		if got := testutil.FileSHA256(t, target); got != env.snapHash {
			t.Error("restored bytes differ from snapshot")
		}
	})

	t.Run("absent target removed when post-check fails", func(t *testing.T) {
		t.Parallel()
		env := setupRestore(t)
		target := filepath.Join(filepath.Dir(env.target), "fresh.db")
		env.checker.SetResult(target, glr.CheckResult{Detail: "forced failure", Kind: glr.KindCorrupt})

		out := env.coord.Restore(context.Background(), env.snapshot, target, true)
		if out.Success {
			t.Fatal("Restore() succeeded despite failed post-check")
		}
		if testutil.Exists(target) {
			t.Error("failed restore left a file at an absent target")
		}
	})

	t.Run("same-second restores keep every safety backup", func(t *testing.T) {
		t.Parallel()
		env := setupRestore(t)
		ctx := context.Background()

		first := env.coord.Restore(ctx, env.snapshot, env.target, true)
		if !first.Success {
			t.Fatalf("first Restore() = %+v", first)
		}
		second := env.coord.Restore(ctx, env.snapshot, env.target, true)
		if !second.Success {
			t.Fatalf("second Restore() = %+v", second)
		}

		if first.SafetyBackup == second.SafetyBackup {
			t.Fatalf("both restores wrote %s", first.SafetyBackup)
		}
		if want := first.SafetyBackup + "_01"; second.SafetyBackup != want {
			t.Errorf("second SafetyBackup = %s, want %s", second.SafetyBackup, want)
		}
		if got := testutil.FileSHA256(t, first.SafetyBackup); got != env.targetHash {
			t.Errorf("first safety backup hash = %s, want original %s", got, env.targetHash)
		}
		if got := testutil.FileSHA256(t, second.SafetyBackup); got != env.snapHash {
			t.Errorf("second safety backup hash = %s, want %s", got, env.snapHash)
		}
	})

	t.Run("checks candidate before and target after", func(t *testing.T) {
		t.Parallel()
		env := setupRestore(t)

		env.coord.Restore(context.Background(), env.snapshot, env.target, false)
		if got := env.checker.Calls(); got != 2 {
			t.Errorf("integrity checks = %d, want 2", got)
		}
	})
}

func TestSafetyBackupPath(t *testing.T) {
	t.Parallel()
	got := glr.SafetyBackupPath("/data/glr.db", testutil.FixedClock().Now())
	if want := "/data/glr.db.pre_restore_20250115_103000"; got != want {
		t.Errorf("SafetyBackupPath() = %s, want %s", got, want)
	}
}
