package recovery

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/persistence"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCleanShutdownNoCrash(t *testing.T) {
	cfg := config.Default(t.TempDir())

	m, err := NewManager(cfg, "", testLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if m.CrashDetected() {
		t.Fatal("fresh directory must not report a crash")
	}
	if err := m.MarkHealthy(); err != nil {
		t.Fatalf("mark healthy: %v", err)
	}
	if err := m.MarkShuttingDown(); err != nil {
		t.Fatalf("mark shutting down: %v", err)
	}

	// Next start after a clean shutdown: no crash.
	m2, err := NewManager(cfg, "", testLogger())
	if err != nil {
		t.Fatalf("second manager: %v", err)
	}
	if m2.CrashDetected() {
		t.Fatal("clean shutdown must not be reported as a crash")
	}
}

func TestCrashDetection(t *testing.T) {
	cfg := config.Default(t.TempDir())

	// First process starts and dies without MarkShuttingDown.
	m1, err := NewManager(cfg, "", testLogger())
	if err != nil {
		t.Fatalf("first manager: %v", err)
	}
	if err := m1.MarkHealthy(); err != nil {
		t.Fatalf("mark healthy: %v", err)
	}

	m2, err := NewManager(cfg, "worker watchdog fired", testLogger())
	if err != nil {
		t.Fatalf("second manager: %v", err)
	}
	if !m2.CrashDetected() {
		t.Fatal("unclean shutdown not detected")
	}
	rec := m2.LastCrash()
	if rec == nil || rec.ID == "" || rec.PrevPID == 0 {
		t.Fatalf("incomplete crash record: %+v", rec)
	}
	if rec.RootCause != "worker watchdog fired" {
		t.Fatalf("root cause not caller-supplied: %q", rec.RootCause)
	}
	if rec.RecoveryState != RecoveryDetected {
		t.Fatalf("new crash record state = %q, want %q", rec.RecoveryState, RecoveryDetected)
	}
	if rec.DataLossDetected {
		t.Fatal("data loss must not be presumed before verification")
	}

	crashes, err := m2.RecentCrashes(10)
	if err != nil {
		t.Fatalf("recent crashes: %v", err)
	}
	if len(crashes) != 1 || crashes[0].ID != rec.ID {
		t.Fatalf("crash record not persisted: %v", crashes)
	}
}

func TestResolveCrashUpdatesRecord(t *testing.T) {
	cfg := config.Default(t.TempDir())

	m1, err := NewManager(cfg, "", testLogger())
	if err != nil {
		t.Fatalf("first manager: %v", err)
	}
	if err := m1.MarkHealthy(); err != nil {
		t.Fatalf("mark healthy: %v", err)
	}

	m2, err := NewManager(cfg, "", testLogger())
	if err != nil {
		t.Fatalf("second manager: %v", err)
	}
	if err := m2.ResolveCrash(RecoveryVerified, false, "integrity check passed"); err != nil {
		t.Fatalf("resolve crash: %v", err)
	}

	crashes, err := m2.RecentCrashes(1)
	if err != nil || len(crashes) != 1 {
		t.Fatalf("recent crashes: %v, %v", crashes, err)
	}
	got := crashes[0]
	if got.RecoveryState != RecoveryVerified {
		t.Fatalf("persisted state = %q, want %q", got.RecoveryState, RecoveryVerified)
	}
	if got.DataLossDetected {
		t.Fatal("data loss recorded on a verified store")
	}
	found := false
	for _, a := range got.RecoveryActions {
		if a == "integrity check passed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("resolution action not appended: %v", got.RecoveryActions)
	}

	// A start without a detected crash has nothing to resolve.
	if err := m1.ResolveCrash(RecoveryVerified, false); err != nil {
		t.Fatalf("resolve without crash must be a no-op: %v", err)
	}
}

func TestSnapshots(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Throttle.Enabled = false
	ctx := context.Background()

	repo, err := persistence.Open(ctx, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer repo.Close()
	for _, g := range []string{"snap-1", "snap-2"} {
		if _, _, err := repo.Create(ctx, persistence.Submission{
			DuplicateGuard: g, Priority: persistence.P1, Message: "snapshot seed",
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	m, err := NewManager(cfg, "", testLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	path, err := m.CreateSnapshot(ctx, repo, map[string]any{"workers": 0}, time.Time{})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if path == "" {
		t.Fatal("expected snapshot path")
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.CreateSnapshot(ctx, repo, nil, time.Now()); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}

	snaps, err := m.RecentSnapshots(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if !snaps[0].TakenAt.After(snaps[1].TakenAt) {
		t.Fatal("snapshots not newest first")
	}
	if snaps[0].Total != 2 || snaps[0].ByPriority[persistence.P1] != 2 {
		t.Fatalf("snapshot stats wrong: %+v", snaps[0])
	}
	if snaps[0].StoreSize == 0 || snaps[0].MemoryUsage == 0 {
		t.Fatalf("process health fields missing: %+v", snaps[0])
	}
	if snaps[0].LastCheckpoint == nil {
		t.Fatal("checkpoint timestamp dropped from second snapshot")
	}
	if snaps[1].LastCheckpoint != nil {
		t.Fatal("zero checkpoint time must be omitted")
	}
	if v, ok := snaps[1].AppState["workers"]; !ok || v != float64(0) {
		t.Fatalf("application state not persisted: %+v", snaps[1].AppState)
	}

	one, err := m.RecentSnapshots(1)
	if err != nil || len(one) != 1 {
		t.Fatalf("limit not honored: %v, %v", one, err)
	}
}
