package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/gmanldn/actifix/internal/importer"
	"github.com/gmanldn/actifix/internal/persistence"
	"github.com/gmanldn/actifix/internal/recovery"
	"github.com/gmanldn/actifix/internal/robustness"
	"github.com/gmanldn/actifix/internal/telemetry"
)

func runStatusCommand(ctx context.Context, dataDir string) int {
	repo, cfg, cleanup, err := openStore(ctx, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer cleanup()

	stats, err := repo.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		return 1
	}

	ver, err := persistence.SchemaVersion(ctx, repo.Pool())
	if err != nil {
		fmt.Fprintf(os.Stderr, "schema: %v\n", err)
		return 1
	}

	fmt.Printf("store:   %s (schema v%d)\n", cfg.Store.Path, ver)
	fmt.Printf("tickets: %d live, %d in trash, %d leases held\n",
		stats.Total, stats.Deleted, stats.ActiveLeases)
	for _, st := range []persistence.Status{
		persistence.StatusOpen, persistence.StatusInProgress, persistence.StatusCompleted,
	} {
		if n := stats.ByStatus[st]; n > 0 {
			fmt.Printf("  %-12s %d\n", st, n)
		}
	}
	var prios []int
	for p := range stats.ByPriority {
		prios = append(prios, int(p))
	}
	sort.Ints(prios)
	for _, p := range prios {
		fmt.Printf("  P%-11d %d\n", p, stats.ByPriority[persistence.Priority(p)])
	}
	if stats.FallbackPending > 0 {
		fmt.Printf("fallback: %d entries awaiting replay\n", stats.FallbackPending)
	}

	if crashes, err := recovery.ListCrashes(cfg, 10); err == nil && len(crashes) > 0 {
		fmt.Printf("crashes: %d recorded, most recent %s\n",
			len(crashes), crashes[0].DetectedAt.Format("2006-01-02 15:04:05"))
	}
	return 0
}

func runBackupCommand(ctx context.Context, dataDir string, args []string) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	dir := fs.String("dir", "", "destination directory (default: <data-dir>/backups)")
	list := fs.Bool("list", false, "list existing backups instead of writing one")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	repo, cfg, cleanup, err := openStore(ctx, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer cleanup()

	if *list {
		target := *dir
		if target == "" {
			target = cfg.BackupDir()
		}
		backups, err := robustness.ListBackups(target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list backups: %v\n", err)
			return 1
		}
		if len(backups) == 0 {
			fmt.Println("no backups")
			return 0
		}
		for _, b := range backups {
			fmt.Println(b)
		}
		return 0
	}

	m := robustness.NewManager(repo.Pool(), cfg, nil, nil)
	path, err := m.Backup(ctx, *dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("verified backup written to %s\n", path)
	return 0
}

func runRestoreCommand(ctx context.Context, dataDir string, args []string) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	backup := fs.String("backup", "", "backup file to restore (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *backup == "" {
		fmt.Fprintln(os.Stderr, "usage: actifix restore -backup <path>")
		return 2
	}

	// The store must not be open during a restore; this command talks
	// to paths only.
	cfg, err := loadConfig(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 1
	}
	defer closer.Close()

	if err := robustness.Restore(ctx, cfg, *backup, logger); err != nil {
		fmt.Fprintf(os.Stderr, "restore: %v\n", err)
		return 1
	}
	fmt.Printf("store restored from %s\n", *backup)
	return 0
}

func runImportCommand(ctx context.Context, dataDir string, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: actifix import <file.json>")
		return 2
	}

	repo, cfg, cleanup, err := openStore(ctx, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer cleanup()

	robust := robustness.NewManager(repo.Pool(), cfg, nil, nil)
	im, err := importer.New(repo, robust, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "importer: %v\n", err)
		return 1
	}

	res, err := im.ImportFile(cliContext(ctx), args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "import: %v\n", err)
		return 1
	}
	fmt.Printf("imported %d, %d duplicates, %d quarantined, %d throttled, %d deferred\n",
		res.Created, res.Duplicates, res.Quarantined, res.Throttled, res.Deferred)
	if res.Quarantined > 0 {
		return 1
	}
	return 0
}
