package robustness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gmanldn/actifix/internal/config"
)

// Backup writes a verified snapshot of the store into destDir and
// returns its path. The WAL is checkpointed first so the snapshot
// carries every committed write, then the copy is re-opened read-only
// and integrity-checked before the path is handed back. A backup that
// fails verification is deleted; no caller ever sees an unverified
// file.
func (m *Manager) Backup(ctx context.Context, destDir string) (string, error) {
	if destDir == "" {
		destDir = m.cfg.BackupDir()
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(m.pool.Path()), filepath.Ext(m.pool.Path()))
	dest := filepath.Join(destDir, fmt.Sprintf("%s-%s-backup.db",
		base, time.Now().UTC().Format("20060102T150405Z")))

	start := time.Now()
	if m.cfg.Store.WAL {
		if _, err := m.pool.Writer().ExecContext(ctx,
			"PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return "", fmt.Errorf("pre-backup checkpoint: %w", err)
		}
	}
	if _, err := m.pool.Writer().ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return "", fmt.Errorf("vacuum into backup: %w", err)
	}

	if err := verifyStoreFile(ctx, dest); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("backup failed verification: %w", err)
	}

	m.logger.Info("backup written", "path", dest, "took_ms", time.Since(start).Milliseconds())
	return dest, nil
}

// ListBackups returns backup files in destDir, newest first by name.
func ListBackups(destDir string) ([]string, error) {
	entries, err := os.ReadDir(destDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), "-backup.db") {
			out = append(out, filepath.Join(destDir, e.Name()))
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Restore replaces the store file with a verified backup. It must run
// with the store closed. The current file is kept as a safety copy
// until the restored one passes its own integrity check; on any
// failure the original is put back.
func Restore(ctx context.Context, cfg *config.Config, backupPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := verifyStoreFile(ctx, backupPath); err != nil {
		return fmt.Errorf("refusing to restore: %w", err)
	}

	dbPath := cfg.Store.Path
	safety := dbPath + ".pre-restore-" + time.Now().UTC().Format("20060102T150405Z")

	hadOriginal := true
	if err := os.Rename(dbPath, safety); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("set aside current store: %w", err)
		}
		hadOriginal = false
	}
	// Sidecar files belong to the old store.
	os.Remove(dbPath + "-wal")
	os.Remove(dbPath + "-shm")

	rollback := func() {
		os.Remove(dbPath)
		if hadOriginal {
			if err := os.Rename(safety, dbPath); err != nil {
				logger.Error("rollback failed, safety copy retained",
					"safety", safety, "error", err)
			}
		}
	}

	if err := copyFile(backupPath, dbPath); err != nil {
		rollback()
		return fmt.Errorf("copy backup into place: %w", err)
	}
	if err := verifyStoreFile(ctx, dbPath); err != nil {
		rollback()
		return fmt.Errorf("restored store failed verification: %w", err)
	}

	logger.Info("store restored", "backup", backupPath, "safety_copy", safety)
	return nil
}
