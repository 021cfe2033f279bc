// Package recovery tracks process liveness in a side-channel file next
// to the store, so an unclean shutdown is visible on the next start
// even when the database itself survived intact.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/persistence"
)

const stateFile = "state.json"

type processState struct {
	Running       bool      `json:"running"`
	CleanShutdown bool      `json:"clean_shutdown"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Recovery states a crash record moves through: detected at startup,
// then resolved once the store has been verified or damage confirmed.
const (
	RecoveryDetected = "DETECTED"
	RecoveryVerified = "VERIFIED"
	RecoveryDataLoss = "DATA_LOSS"
)

// CrashRecord describes one detected unclean shutdown and how the
// process recovered from it.
type CrashRecord struct {
	ID               string    `json:"crash_id"`
	DetectedAt       time.Time `json:"detected_at"`
	PrevPID          int       `json:"prev_pid"`
	PrevStartedAt    time.Time `json:"prev_started_at"`
	PrevUpdatedAt    time.Time `json:"prev_updated_at"`
	RootCause        string    `json:"root_cause"`
	RecoveryState    string    `json:"recovery_state"`
	RecoveryActions  []string  `json:"recovery_actions"`
	DataLossDetected bool      `json:"data_loss_detected"`
}

// Snapshot is a point-in-time summary of queue composition and process
// health, written on a schedule so post-crash analysis has a recent
// baseline to compare the store against.
type Snapshot struct {
	TakenAt          time.Time                    `json:"taken_at"`
	AppState         map[string]any               `json:"application_state,omitempty"`
	Total            int                          `json:"total"`
	ByStatus         map[persistence.Status]int   `json:"by_status"`
	ByPriority       map[persistence.Priority]int `json:"by_priority"`
	Deleted          int                          `json:"deleted"`
	ActiveLeases     int                          `json:"active_leases"`
	MemoryUsage      uint64                       `json:"memory_usage"`
	StoreSize        int64                        `json:"store_size"`
	OpenTransactions int                          `json:"open_transactions"`
	PendingWrites    int                          `json:"pending_writes"`
	LastCheckpoint   *time.Time                   `json:"last_checkpoint_timestamp,omitempty"`
	Path             string                       `json:"-"`
}

// Manager owns the recovery directory. Construction performs crash
// detection: a state file left running without a clean shutdown means
// the previous process died mid-flight.
type Manager struct {
	dir       string
	logger    *slog.Logger
	lastCrash *CrashRecord
}

// NewManager reads the prior state, records a crash if one is evident,
// and marks this process as running. rootCause tags the crash record
// with the caller's diagnosis; empty means only the state file
// evidence is available.
func NewManager(cfg *config.Config, rootCause string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if rootCause == "" {
		rootCause = "process exited without a clean shutdown mark"
	}
	m := &Manager{dir: cfg.RecoveryDir(), logger: logger}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recovery dir: %w", err)
	}

	prev, err := m.readState()
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.Running && !prev.CleanShutdown {
		rec := &CrashRecord{
			ID:              uuid.NewString(),
			DetectedAt:      time.Now().UTC(),
			PrevPID:         prev.PID,
			PrevStartedAt:   prev.StartedAt,
			PrevUpdatedAt:   prev.UpdatedAt,
			RootCause:       rootCause,
			RecoveryState:   RecoveryDetected,
			RecoveryActions: []string{"state file reset", "startup integrity check requested"},
		}
		if err := m.writeJSON(fmt.Sprintf("crash-%s.json", rec.ID), rec); err != nil {
			return nil, err
		}
		m.lastCrash = rec
		logger.Warn("unclean shutdown detected",
			"crash_id", rec.ID, "prev_pid", rec.PrevPID,
			"prev_updated_at", rec.PrevUpdatedAt)
	}

	now := time.Now().UTC()
	if err := m.writeState(&processState{
		Running: true, PID: os.Getpid(), StartedAt: now, UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// CrashDetected reports whether construction found an unclean shutdown.
func (m *Manager) CrashDetected() bool { return m.lastCrash != nil }

// LastCrash returns the record written at construction, or nil.
func (m *Manager) LastCrash() *CrashRecord { return m.lastCrash }

// ResolveCrash records the outcome of post-crash verification on the
// crash record written at construction: the new recovery state,
// whether data loss was confirmed, and any further actions taken.
// No-op when construction found no crash.
func (m *Manager) ResolveCrash(state string, dataLoss bool, actions ...string) error {
	if m.lastCrash == nil {
		return nil
	}
	m.lastCrash.RecoveryState = state
	m.lastCrash.DataLossDetected = dataLoss
	m.lastCrash.RecoveryActions = append(m.lastCrash.RecoveryActions, actions...)
	return m.writeJSON(fmt.Sprintf("crash-%s.json", m.lastCrash.ID), m.lastCrash)
}

// MarkHealthy refreshes the liveness timestamp. Called periodically so
// a later crash record shows how stale the dead process was.
func (m *Manager) MarkHealthy() error {
	st, err := m.readState()
	if err != nil {
		return err
	}
	if st == nil {
		st = &processState{Running: true, PID: os.Getpid(), StartedAt: time.Now().UTC()}
	}
	st.Running = true
	st.CleanShutdown = false
	st.UpdatedAt = time.Now().UTC()
	return m.writeState(st)
}

// MarkShuttingDown records a clean shutdown. The next start will not
// report a crash.
func (m *Manager) MarkShuttingDown() error {
	st, err := m.readState()
	if err != nil {
		return err
	}
	if st == nil {
		st = &processState{PID: os.Getpid()}
	}
	st.Running = false
	st.CleanShutdown = true
	st.UpdatedAt = time.Now().UTC()
	return m.writeState(st)
}

// CreateSnapshot writes a queue composition snapshot and returns its
// path. appState carries whatever the caller wants a post-mortem to
// see (job counts, uptime); lastCheckpoint may be the zero time when
// no checkpoint has run yet.
func (m *Manager) CreateSnapshot(ctx context.Context, repo *persistence.Repository,
	appState map[string]any, lastCheckpoint time.Time) (string, error) {
	stats, err := repo.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("snapshot stats: %w", err)
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	var storeSize int64
	if fi, err := os.Stat(repo.Pool().Path()); err == nil {
		storeSize = fi.Size()
	}
	snap := Snapshot{
		TakenAt:          time.Now().UTC(),
		AppState:         appState,
		Total:            stats.Total,
		ByStatus:         stats.ByStatus,
		ByPriority:       stats.ByPriority,
		Deleted:          stats.Deleted,
		ActiveLeases:     stats.ActiveLeases,
		MemoryUsage:      ms.HeapAlloc,
		StoreSize:        storeSize,
		OpenTransactions: repo.Pool().Writer().Stats().InUse,
		PendingWrites:    stats.FallbackPending,
	}
	if !lastCheckpoint.IsZero() {
		cp := lastCheckpoint.UTC()
		snap.LastCheckpoint = &cp
	}
	name := fmt.Sprintf("snapshot-%s.json", snap.TakenAt.Format("20060102T150405.000Z"))
	if err := m.writeJSON(name, snap); err != nil {
		return "", err
	}
	return filepath.Join(m.dir, name), nil
}

// RecentSnapshots returns up to n snapshots, newest first.
func (m *Manager) RecentSnapshots(n int) ([]Snapshot, error) {
	names, err := m.listPrefixed("snapshot-")
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, name := range names {
		if len(out) >= n {
			break
		}
		var s Snapshot
		if err := m.readJSON(name, &s); err != nil {
			m.logger.Warn("skipping unreadable snapshot", "file", name, "error", err)
			continue
		}
		s.Path = filepath.Join(m.dir, name)
		out = append(out, s)
	}
	return out, nil
}

// ListCrashes reads crash records without constructing a manager, so
// diagnostic commands can inspect them while another process owns the
// state file.
func ListCrashes(cfg *config.Config, n int) ([]CrashRecord, error) {
	m := &Manager{dir: cfg.RecoveryDir(), logger: slog.Default()}
	if _, err := os.Stat(m.dir); os.IsNotExist(err) {
		return nil, nil
	}
	return m.RecentCrashes(n)
}

// RecentCrashes returns up to n crash records, newest first.
func (m *Manager) RecentCrashes(n int) ([]CrashRecord, error) {
	names, err := m.listPrefixed("crash-")
	if err != nil {
		return nil, err
	}
	var out []CrashRecord
	for _, name := range names {
		if len(out) >= n {
			break
		}
		var r CrashRecord
		if err := m.readJSON(name, &r); err != nil {
			m.logger.Warn("skipping unreadable crash record", "file", name, "error", err)
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

// listPrefixed returns matching file names sorted newest first by name,
// which works for the timestamp-named snapshot files.
func (m *Manager) listPrefixed(prefix string) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (m *Manager) readState() (*processState, error) {
	var st processState
	err := m.readJSON(stateFile, &st)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		// An unparseable state file is itself evidence of trouble, but
		// it must not block startup.
		m.logger.Warn("discarding unreadable state file", "error", err)
		return nil, nil
	}
	return &st, nil
}

func (m *Manager) writeState(st *processState) error {
	return m.writeJSON(stateFile, st)
}

func (m *Manager) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON writes atomically via a temp file rename so a crash mid
// write never leaves a truncated state file.
func (m *Manager) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(m.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(m.dir, name))
}
