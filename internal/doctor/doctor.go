// Package doctor runs environment diagnostics for the ticket store.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/persistence"
	"github.com/gmanldn/actifix/internal/robustness"
	"github.com/gmanldn/actifix/internal/shared"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDataDir,
		checkStore,
		checkDiskSpace,
		checkQuarantine,
		checkFallback,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	var overrides []string
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, "ACTIFIX_") {
			continue
		}
		overrides = append(overrides, key+"="+shared.RedactEnvValue(key, value))
	}
	detail := ""
	if len(overrides) > 0 {
		detail = "env overrides: " + strings.Join(overrides, ", ")
	}
	return CheckResult{Name: "Config", Status: "PASS",
		Message: fmt.Sprintf("Loaded, data dir %s", cfg.DataDir), Detail: detail}
}

func checkDataDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Data directory", Status: "SKIP", Message: "Config missing"}
	}
	info, err := os.Stat(cfg.DataDir)
	if err != nil {
		return CheckResult{Name: "Data directory", Status: "FAIL",
			Message: "Not accessible", Detail: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Data directory", Status: "FAIL",
			Message: cfg.DataDir + " is not a directory"}
	}
	probe := filepath.Join(cfg.DataDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return CheckResult{Name: "Data directory", Status: "FAIL",
			Message: "Not writable", Detail: err.Error()}
	}
	os.Remove(probe)
	return CheckResult{Name: "Data directory", Status: "PASS", Message: "Writable"}
}

// checkStore opens the store, verifies pragma state and runs a quick
// integrity sweep.
func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		return CheckResult{Name: "Store", Status: "WARN",
			Message: "Store file does not exist yet", Detail: cfg.Store.Path}
	}

	pool, err := persistence.OpenPool(cfg, nil)
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL",
			Message: "Cannot open store", Detail: err.Error()}
	}
	defer pool.Close()

	var journal string
	if err := pool.Reader().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal); err != nil {
		return CheckResult{Name: "Store", Status: "FAIL",
			Message: "Cannot read journal mode", Detail: err.Error()}
	}
	if cfg.Store.WAL && journal != "wal" {
		return CheckResult{Name: "Store", Status: "WARN",
			Message: fmt.Sprintf("journal_mode is %s, expected wal", journal)}
	}

	rep, err := robustness.NewManager(pool, cfg, nil, nil).CheckIntegrity(ctx)
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL",
			Message: "Integrity check could not run", Detail: err.Error()}
	}
	switch rep.Severity {
	case robustness.SeverityCritical:
		return CheckResult{Name: "Store", Status: "FAIL",
			Message: fmt.Sprintf("Integrity check found %d problems", len(rep.Findings)),
			Detail:  rep.Findings[0]}
	case robustness.SeverityWarning:
		return CheckResult{Name: "Store", Status: "WARN",
			Message: fmt.Sprintf("%d dangling foreign keys", rep.ForeignKeyIssues)}
	}

	ver, err := persistence.SchemaVersion(ctx, pool)
	if err != nil {
		return CheckResult{Name: "Store", Status: "WARN",
			Message: "Schema ledger unreadable", Detail: err.Error()}
	}
	return CheckResult{Name: "Store", Status: "PASS",
		Message: fmt.Sprintf("Healthy, schema version %d", ver)}
}

func checkDiskSpace(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Disk space", Status: "SKIP", Message: "Config missing"}
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(cfg.DataDir, &st); err != nil {
		return CheckResult{Name: "Disk space", Status: "WARN",
			Message: "Cannot stat filesystem", Detail: err.Error()}
	}
	freeMB := st.Bavail * uint64(st.Bsize) / (1 << 20)
	if freeMB < 100 {
		return CheckResult{Name: "Disk space", Status: "FAIL",
			Message: fmt.Sprintf("Only %d MiB free", freeMB)}
	}
	if freeMB < 1024 {
		return CheckResult{Name: "Disk space", Status: "WARN",
			Message: fmt.Sprintf("%d MiB free", freeMB)}
	}
	return CheckResult{Name: "Disk space", Status: "PASS",
		Message: fmt.Sprintf("%d MiB free", freeMB)}
}

// checkQuarantine warns when quarantined artifacts are piling up
// without anybody looking at them.
func checkQuarantine(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Quarantine", Status: "SKIP", Message: "Config missing"}
	}
	entries, err := os.ReadDir(cfg.QuarantineDir())
	if os.IsNotExist(err) {
		return CheckResult{Name: "Quarantine", Status: "PASS", Message: "Empty"}
	}
	if err != nil {
		return CheckResult{Name: "Quarantine", Status: "WARN",
			Message: "Unreadable", Detail: err.Error()}
	}
	n := len(entries)
	switch {
	case n == 0:
		return CheckResult{Name: "Quarantine", Status: "PASS", Message: "Empty"}
	case n < 10:
		return CheckResult{Name: "Quarantine", Status: "WARN",
			Message: fmt.Sprintf("%d quarantined artifacts awaiting review", n)}
	default:
		return CheckResult{Name: "Quarantine", Status: "FAIL",
			Message: fmt.Sprintf("%d quarantined artifacts, backlog needs attention", n)}
	}
}

// checkFallback reports pending and exhausted fallback entries.
func checkFallback(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Fallback queue", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		return CheckResult{Name: "Fallback queue", Status: "SKIP", Message: "Store missing"}
	}
	pool, err := persistence.OpenPool(cfg, nil)
	if err != nil {
		return CheckResult{Name: "Fallback queue", Status: "SKIP",
			Message: "Store not openable", Detail: err.Error()}
	}
	defer pool.Close()

	var pending, exhausted int
	if err := pool.Reader().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fallback_queue WHERE status = 'PENDING'`).Scan(&pending); err != nil {
		return CheckResult{Name: "Fallback queue", Status: "WARN",
			Message: "Unreadable", Detail: err.Error()}
	}
	if err := pool.Reader().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fallback_queue WHERE status = 'EXHAUSTED'`).Scan(&exhausted); err != nil {
		return CheckResult{Name: "Fallback queue", Status: "WARN",
			Message: "Unreadable", Detail: err.Error()}
	}
	if exhausted > 0 {
		return CheckResult{Name: "Fallback queue", Status: "WARN",
			Message: fmt.Sprintf("%d exhausted entries need manual review", exhausted)}
	}
	if pending > 0 {
		return CheckResult{Name: "Fallback queue", Status: "WARN",
			Message: fmt.Sprintf("%d entries awaiting replay", pending)}
	}
	return CheckResult{Name: "Fallback queue", Status: "PASS", Message: "Empty"}
}
