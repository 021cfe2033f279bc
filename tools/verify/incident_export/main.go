// Command incident_export assembles a support bundle from a seeded
// store: the audit trail of a ticket, pending fallback entries, the
// tail of the redacted log, and a hash of the active config. It proves
// the bundle stays within its size caps and never includes raw secrets.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gmanldn/actifix/internal/bus"
	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/persistence"
	"github.com/gmanldn/actifix/internal/telemetry"
)

const (
	maxAuditRows = 64
	maxLogs      = 32
)

type bundle struct {
	TicketID    string                      `json:"ticket_id"`
	ExportedAt  time.Time                   `json:"exported_at"`
	ConfigHash  string                      `json:"config_hash"`
	AuditCount  int                         `json:"audit_count"`
	LogCount    int                         `json:"log_count"`
	Audit       []persistence.AuditEntry    `json:"audit"`
	Fallback    []persistence.FallbackEntry `json:"fallback_pending"`
	RedactedLog []string                    `json:"redacted_logs"`
}

func main() {
	ctx := context.Background()
	home, err := os.MkdirTemp("", "actifix-incident-export-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(home)

	cfg := config.Default(home)
	if err := cfg.Save(); err != nil {
		fmt.Printf("write_config_error=%v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := telemetry.NewLogger(home, "info", true)
	if err != nil {
		fmt.Printf("logger_error=%v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	repo, err := persistence.Open(ctx, cfg, bus.New(), logger)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	// Seed a ticket with a full lifecycle so the audit trail has rows,
	// and log something that must come out redacted.
	logger.Warn("api token used", "token", "super-secret-value")

	t, _, err := repo.Create(ctx, persistence.Submission{
		DuplicateGuard: "incident-subject",
		Message:        "incident export drill subject",
		Priority:       persistence.P2,
	})
	if err != nil {
		fmt.Printf("create_error=%v\n", err)
		os.Exit(1)
	}
	owner := "incident-drill"
	if _, err := repo.Update(ctx, t.ID, persistence.Patch{Owner: &owner}); err != nil {
		fmt.Printf("update_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := repo.MarkComplete(ctx, t.ID, persistence.Evidence{
		Notes:       "resolved during the export drill",
		TestSteps:   "reran the failing job",
		TestResults: "job now passes",
		VerifiedBy:  "drill",
	}); err != nil {
		fmt.Printf("complete_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := repo.EnqueueFallback(ctx, "create", persistence.Submission{
		DuplicateGuard: "incident-deferred",
		Message:        "deferred while the store was unavailable",
	}); err != nil {
		fmt.Printf("enqueue_fallback_error=%v\n", err)
		os.Exit(1)
	}

	audit, err := repo.AuditTrail(ctx, t.ID)
	if err != nil {
		fmt.Printf("audit_error=%v\n", err)
		os.Exit(1)
	}
	if len(audit) > maxAuditRows {
		audit = audit[:maxAuditRows]
	}
	pending, err := repo.ListFallback(ctx, persistence.FallbackPending)
	if err != nil {
		fmt.Printf("list_fallback_error=%v\n", err)
		os.Exit(1)
	}
	logs, err := tailLines(filepath.Join(home, "logs", "store.jsonl"), maxLogs)
	if err != nil {
		fmt.Printf("tail_logs_error=%v\n", err)
		os.Exit(1)
	}
	cfgHash, err := sha256File(config.ConfigPath(home))
	if err != nil {
		fmt.Printf("config_hash_error=%v\n", err)
		os.Exit(1)
	}

	b := bundle{
		TicketID:    t.ID,
		ExportedAt:  time.Now().UTC(),
		ConfigHash:  cfgHash,
		AuditCount:  len(audit),
		LogCount:    len(logs),
		Audit:       audit,
		Fallback:    pending,
		RedactedLog: logs,
	}

	bundlePath := filepath.Join(home, "incident_bundle.json")
	encoded, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		fmt.Printf("marshal_bundle_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(bundlePath, encoded, 0o644); err != nil {
		fmt.Printf("write_bundle_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("bundle_path=%s\n", bundlePath)
	fmt.Printf("config_hash=%s\n", cfgHash)
	fmt.Printf("audit_rows=%d max_audit_rows=%d\n", len(audit), maxAuditRows)
	fmt.Printf("logs=%d max_logs=%d\n", len(logs), maxLogs)
	fmt.Printf("fallback_pending=%d\n", len(pending))
	leaked := strings.Contains(string(encoded), "super-secret-value")
	fmt.Printf("secret_leaked=%v\n", leaked)

	if len(audit) == 0 || len(pending) == 0 || len(logs) == 0 ||
		len(logs) > maxLogs || leaked {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func tailLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if limit <= 0 {
		limit = 1
	}
	lines := make([]string, 0, limit)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func sha256File(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
