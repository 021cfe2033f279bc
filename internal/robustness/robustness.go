// Package robustness guards the ticket store against corruption: pragma
// drift enforcement, scheduled integrity checks, quarantine of damaged
// artifacts, and verified backup and restore.
package robustness

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gmanldn/actifix/internal/bus"
	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/persistence"
)

// Quarantine entry states. Entries land as PENDING and stay until an
// operator resolves them.
const (
	QuarantinePending   = "PENDING"
	QuarantineReviewed  = "REVIEWED"
	QuarantineDiscarded = "DISCARDED"
)

// Severity grades an integrity report.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityWarning:
		return "warning"
	default:
		return "critical"
	}
}

// Report is the outcome of one integrity sweep.
type Report struct {
	Severity         Severity
	Findings         []string
	ForeignKeyIssues int
	CheckedAt        time.Time
}

// Manager runs the robustness layer over an open store.
type Manager struct {
	pool   *persistence.Pool
	cfg    *config.Config
	events *bus.Bus
	logger *slog.Logger

	mu             sync.Mutex
	lastCheckpoint time.Time
	lastVacuum     time.Time
}

// NewManager wires a manager over an open pool. eventBus may be nil.
func NewManager(pool *persistence.Pool, cfg *config.Config, eventBus *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{pool: pool, cfg: cfg, events: eventBus, logger: logger}
}

// EnforcePragmas re-asserts the durability pragmas and reports any that
// had drifted. Attached tooling or a misbehaving client can silently
// change them between sessions.
func (m *Manager) EnforcePragmas(ctx context.Context) ([]string, error) {
	wantJournal := "delete"
	if m.cfg.Store.WAL {
		wantJournal = "wal"
	}

	var drifted []string
	var journal string
	if err := m.pool.Writer().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal); err != nil {
		return nil, fmt.Errorf("read journal_mode: %w", err)
	}
	if journal != wantJournal {
		drifted = append(drifted, fmt.Sprintf("journal_mode was %s", journal))
		if _, err := m.pool.Writer().ExecContext(ctx, "PRAGMA journal_mode="+wantJournal); err != nil {
			return drifted, fmt.Errorf("restore journal_mode: %w", err)
		}
	}

	var fk int
	if err := m.pool.Writer().QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		return drifted, fmt.Errorf("read foreign_keys: %w", err)
	}
	if fk != 1 {
		drifted = append(drifted, "foreign_keys was off")
		if _, err := m.pool.Writer().ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			return drifted, fmt.Errorf("restore foreign_keys: %w", err)
		}
	}

	if _, err := m.pool.Writer().ExecContext(ctx,
		"PRAGMA synchronous="+m.cfg.Store.Synchronous); err != nil {
		return drifted, fmt.Errorf("restore synchronous: %w", err)
	}

	if len(drifted) > 0 {
		m.logger.Warn("durability pragmas had drifted", "restored", drifted)
	}
	return drifted, nil
}

// CheckIntegrity runs the structural and referential checks. Structural
// damage is critical; dangling foreign keys alone are a warning.
func (m *Manager) CheckIntegrity(ctx context.Context) (*Report, error) {
	rep := &Report{CheckedAt: time.Now().UTC()}

	rows, err := m.pool.Reader().QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return nil, fmt.Errorf("integrity_check: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		if line != "ok" {
			rep.Findings = append(rep.Findings, line)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fkRows, err := m.pool.Reader().QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("foreign_key_check: %w", err)
	}
	defer fkRows.Close()
	for fkRows.Next() {
		rep.ForeignKeyIssues++
	}
	if err := fkRows.Err(); err != nil {
		return nil, err
	}

	switch {
	case len(rep.Findings) > 0:
		rep.Severity = SeverityCritical
		m.logger.Error("store integrity check failed",
			"findings", len(rep.Findings), "first", rep.Findings[0])
	case rep.ForeignKeyIssues > 0:
		rep.Severity = SeverityWarning
		m.logger.Warn("dangling foreign keys", "count", rep.ForeignKeyIssues)
	default:
		rep.Severity = SeverityNone
	}
	return rep, nil
}

// QuarantineFile copies a damaged artifact into the quarantine
// directory and records it, so the original can be replaced without
// destroying the evidence.
func (m *Manager) QuarantineFile(ctx context.Context, srcPath, reason string) (string, error) {
	qdir := m.cfg.QuarantineDir()
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	entryID := uuid.NewString()
	dest := filepath.Join(qdir, fmt.Sprintf("%s-%s%s",
		time.Now().UTC().Format("20060102T150405Z"), entryID[:8], filepath.Ext(srcPath)))
	if err := copyFile(srcPath, dest); err != nil {
		return "", fmt.Errorf("copy to quarantine: %w", err)
	}

	// Recording may fail when the store itself is the damaged artifact;
	// the file copy is the part that must not be lost.
	_, err := m.pool.Writer().ExecContext(ctx, `INSERT INTO quarantine
		(entry_id, original_source, reason, content, quarantined_at, status)
		VALUES (?, ?, ?, '', ?, ?)`,
		entryID, srcPath, reason, time.Now().UTC(), QuarantinePending)
	if err != nil {
		m.logger.Error("quarantine recorded on disk only", "entry_id", entryID, "error", err)
	}

	m.logger.Warn("artifact quarantined", "entry_id", entryID, "source", srcPath, "reason", reason)
	if m.events != nil {
		m.events.Publish(bus.TopicStoreQuarantined, bus.QuarantineEvent{
			EntryID: entryID, Reason: reason, Path: dest,
		})
	}
	return entryID, nil
}

// QuarantineEntry parks an undecodable or malformed payload in the
// quarantine table so a sweep never loses data it cannot parse.
func (m *Manager) QuarantineEntry(ctx context.Context, source, reason, content string) (string, error) {
	entryID := uuid.NewString()
	_, err := m.pool.Writer().ExecContext(ctx, `INSERT INTO quarantine
		(entry_id, original_source, reason, content, quarantined_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entryID, source, reason, content, time.Now().UTC(), QuarantinePending)
	if err != nil {
		return "", fmt.Errorf("quarantine entry: %w", err)
	}
	m.logger.Warn("entry quarantined", "entry_id", entryID, "source", source, "reason", reason)
	if m.events != nil {
		m.events.Publish(bus.TopicStoreQuarantined, bus.QuarantineEvent{
			EntryID: entryID, Reason: reason,
		})
	}
	return entryID, nil
}

// QuarantineCount returns the number of entries still awaiting review.
func (m *Manager) QuarantineCount(ctx context.Context) (int, error) {
	var n int
	err := m.pool.Reader().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM quarantine WHERE status = ?`, QuarantinePending).Scan(&n)
	return n, err
}

// ResolveQuarantine marks a reviewed entry so it stops counting against
// the pending backlog. False means the entry does not exist.
func (m *Manager) ResolveQuarantine(ctx context.Context, entryID, status string) (bool, error) {
	if status != QuarantineReviewed && status != QuarantineDiscarded {
		return false, fmt.Errorf("robustness: invalid quarantine status %q", status)
	}
	res, err := m.pool.Writer().ExecContext(ctx,
		`UPDATE quarantine SET status = ? WHERE entry_id = ?`, status, entryID)
	if err != nil {
		return false, fmt.Errorf("resolve quarantine: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// LastCheckpoint returns when the WAL was last checkpointed, or the
// zero time if no checkpoint has run yet.
func (m *Manager) LastCheckpoint() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheckpoint
}

// PeriodicMaintenance runs the time-gated upkeep pass: WAL checkpoint
// and incremental space reclamation. Cheap enough to call from a tight
// scheduler; each sub-task fires only when its interval has elapsed.
func (m *Manager) PeriodicMaintenance(ctx context.Context) error {
	now := time.Now()
	m.mu.Lock()
	doCheckpoint := now.Sub(m.lastCheckpoint) >= m.cfg.Maintenance.CheckpointInterval
	doVacuum := now.Sub(m.lastVacuum) >= m.cfg.Maintenance.VacuumInterval
	if doCheckpoint {
		m.lastCheckpoint = now
	}
	if doVacuum {
		m.lastVacuum = now
	}
	m.mu.Unlock()

	if doCheckpoint && m.cfg.Store.WAL {
		start := time.Now()
		if _, err := m.pool.Writer().ExecContext(ctx,
			"PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return fmt.Errorf("wal checkpoint: %w", err)
		}
		m.logger.Debug("wal checkpoint", "took_ms", time.Since(start).Milliseconds())
	}
	if doVacuum {
		start := time.Now()
		if _, err := m.pool.Writer().ExecContext(ctx, "PRAGMA incremental_vacuum"); err != nil {
			return fmt.Errorf("incremental vacuum: %w", err)
		}
		m.logger.Info("store vacuumed", "took_ms", time.Since(start).Milliseconds())
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// verifyStoreFile opens path read-only and runs a full integrity check.
func verifyStoreFile(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open for verify: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return fmt.Errorf("verify integrity_check: %w", err)
	}
	defer rows.Close()
	var findings []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return err
		}
		if line != "ok" {
			findings = append(findings, line)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(findings) > 0 {
		return &persistence.IntegrityError{Path: path, Findings: findings}
	}
	return nil
}
