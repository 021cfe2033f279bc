package robustness

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/persistence"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestManager(t *testing.T) (*Manager, *persistence.Repository, *config.Config) {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Throttle.Enabled = false
	repo, err := persistence.Open(context.Background(), cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return NewManager(repo.Pool(), cfg, nil, testLogger()), repo, cfg
}

func seedTickets(t *testing.T, repo *persistence.Repository, guards ...string) {
	t.Helper()
	for _, g := range guards {
		_, _, err := repo.Create(context.Background(), persistence.Submission{
			DuplicateGuard: g,
			Priority:       persistence.P2,
			Message:        "seed ticket " + g,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", g, err)
		}
	}
}

func TestCheckIntegrityHealthyStore(t *testing.T) {
	m, repo, _ := openTestManager(t)
	seedTickets(t, repo, "r-1", "r-2")

	rep, err := m.CheckIntegrity(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if rep.Severity != SeverityNone {
		t.Fatalf("severity = %s, findings = %v", rep.Severity, rep.Findings)
	}
	if rep.CheckedAt.IsZero() {
		t.Fatal("report missing timestamp")
	}
}

func TestEnforcePragmasRestoresDrift(t *testing.T) {
	m, _, _ := openTestManager(t)
	ctx := context.Background()

	// Simulate a client that turned foreign keys off.
	if _, err := m.pool.Writer().Exec("PRAGMA foreign_keys=OFF"); err != nil {
		t.Fatalf("drift: %v", err)
	}

	drifted, err := m.EnforcePragmas(ctx)
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if len(drifted) == 0 {
		t.Fatal("expected drift to be reported")
	}

	var fk int
	if err := m.pool.Writer().QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("read: %v", err)
	}
	if fk != 1 {
		t.Fatal("foreign_keys not restored")
	}

	// Clean store: nothing to report.
	drifted, err = m.EnforcePragmas(ctx)
	if err != nil || len(drifted) != 0 {
		t.Fatalf("second pass should be clean: %v, %v", drifted, err)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	m, repo, cfg := openTestManager(t)
	ctx := context.Background()
	seedTickets(t, repo, "b-1", "b-2", "b-3")

	path, err := m.Backup(ctx, "")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !strings.HasSuffix(path, "-backup.db") {
		t.Fatalf("unexpected backup name: %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	// Mutate after the snapshot, then restore over it.
	seedTickets(t, repo, "b-after")
	repo.Close()

	if err := Restore(ctx, cfg, path, testLogger()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	reopened, err := persistence.Open(ctx, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	live, err := reopened.List(ctx, persistence.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 3 {
		t.Fatalf("restored store has %d tickets, want 3", len(live))
	}
	for _, tk := range live {
		if tk.DuplicateGuard == "b-after" {
			t.Fatal("post-backup ticket survived the restore")
		}
	}
}

func TestRestoreRefusesCorruptBackup(t *testing.T) {
	_, repo, cfg := openTestManager(t)
	ctx := context.Background()
	seedTickets(t, repo, "keep-1")

	bogus := filepath.Join(t.TempDir(), "bogus-backup.db")
	if err := os.WriteFile(bogus, []byte("this is not a database"), 0o644); err != nil {
		t.Fatalf("write bogus: %v", err)
	}
	repo.Close()

	if err := Restore(ctx, cfg, bogus, testLogger()); err == nil {
		t.Fatal("restore must refuse an unreadable backup")
	}

	// Original store untouched.
	reopened, err := persistence.Open(ctx, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	live, _ := reopened.List(ctx, persistence.Filter{})
	if len(live) != 1 {
		t.Fatalf("original store damaged: %d tickets", len(live))
	}
}

func TestQuarantineFileAndEntry(t *testing.T) {
	m, _, cfg := openTestManager(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "damaged.db")
	if err := os.WriteFile(src, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	id, err := m.QuarantineFile(ctx, src, "failed integrity check")
	if err != nil {
		t.Fatalf("quarantine file: %v", err)
	}
	if id == "" {
		t.Fatal("expected entry ID")
	}
	entries, err := os.ReadDir(cfg.QuarantineDir())
	if err != nil || len(entries) != 1 {
		t.Fatalf("quarantine dir: %v entries, err %v", entries, err)
	}

	if _, err := m.QuarantineEntry(ctx, "import batch 7", "undecodable payload", `{"broken`); err != nil {
		t.Fatalf("quarantine entry: %v", err)
	}
	n, err := m.QuarantineCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("quarantine count = %d, want 2", n)
	}
}

func TestQuarantineStatusLifecycle(t *testing.T) {
	m, repo, _ := openTestManager(t)
	ctx := context.Background()

	id, err := m.QuarantineEntry(ctx, "batch[3]", "schema violation", `{"bad": true}`)
	if err != nil {
		t.Fatalf("quarantine entry: %v", err)
	}

	var status string
	if err := repo.Pool().Reader().QueryRowContext(ctx,
		`SELECT status FROM quarantine WHERE entry_id = ?`, id).Scan(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != QuarantinePending {
		t.Fatalf("new entry status = %q, want %q", status, QuarantinePending)
	}

	ok, err := m.ResolveQuarantine(ctx, id, QuarantineReviewed)
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	n, err := m.QuarantineCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("reviewed entry still counted as pending: %d", n)
	}

	if _, err := m.ResolveQuarantine(ctx, id, "NONSENSE"); err == nil {
		t.Fatal("invalid status must be rejected")
	}
	if ok, err := m.ResolveQuarantine(ctx, "missing-entry", QuarantineDiscarded); err != nil || ok {
		t.Fatalf("resolving a missing entry: ok=%v err=%v", ok, err)
	}
}

func TestPeriodicMaintenanceTimeGating(t *testing.T) {
	m, repo, cfg := openTestManager(t)
	ctx := context.Background()
	seedTickets(t, repo, "m-1")

	cfg.Maintenance.CheckpointInterval = time.Hour
	cfg.Maintenance.VacuumInterval = time.Hour

	// First pass runs both; immediate second pass is a no-op and must
	// not error.
	if err := m.PeriodicMaintenance(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := m.PeriodicMaintenance(ctx); err != nil {
		t.Fatalf("gated pass: %v", err)
	}
}

func TestListBackups(t *testing.T) {
	m, repo, cfg := openTestManager(t)
	ctx := context.Background()
	seedTickets(t, repo, "lb-1")

	if _, err := m.Backup(ctx, ""); err != nil {
		t.Fatalf("backup: %v", err)
	}
	time.Sleep(1100 * time.Millisecond) // distinct second-granular names
	second, err := m.Backup(ctx, "")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	got, err := ListBackups(cfg.BackupDir())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0] != second {
		t.Fatalf("expected newest first, got %v", got)
	}

	none, err := ListBackups(filepath.Join(t.TempDir(), "missing"))
	if err != nil || none != nil {
		t.Fatalf("missing dir should be empty: %v, %v", none, err)
	}
}
