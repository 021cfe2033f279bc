package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/gmanldn/actifix/internal/bus"
	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/maintenance"
	otelPkg "github.com/gmanldn/actifix/internal/otel"
	"github.com/gmanldn/actifix/internal/persistence"
	"github.com/gmanldn/actifix/internal/recovery"
	"github.com/gmanldn/actifix/internal/robustness"
	"github.com/gmanldn/actifix/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <command>

COMMANDS:
  serve                       Run the store with maintenance and recovery (default)
  status                      Show queue composition and store health
  create [options]            File a ticket
  list [options]              List live tickets in dispatch order
  next -worker <id>           Dispatch and lock the most urgent ticket
  complete -id <id> [options] Complete a ticket with evidence
  delete -id <id> [-hard]     Soft-delete (or hard-delete) a ticket
  recover -id <id>            Restore a soft-deleted ticket
  trash                       List soft-deleted tickets
  backup [-dir <path>]        Write a verified backup
  restore -backup <path>      Replace the store with a verified backup
  import <file.json>          Import a batch of submissions
  doctor [-json]              Run diagnostic checks

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ACTIFIX_HOME            Data directory (default: ~/.actifix)
  ACTIFIX_DB_PATH         Override the store file path
  ACTIFIX_LOG_LEVEL       debug, info, warn or error
`)
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = printUsage
	dataDir := flag.String("data-dir", "", "data directory (overrides ACTIFIX_HOME)")
	quiet := flag.Bool("quiet", false, "suppress console log output")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		return runServe(ctx, *dataDir, *quiet)
	case "status":
		return runStatusCommand(ctx, *dataDir)
	case "create":
		return runCreateCommand(ctx, *dataDir, args)
	case "list":
		return runListCommand(ctx, *dataDir, args)
	case "next":
		return runNextCommand(ctx, *dataDir, args)
	case "complete":
		return runCompleteCommand(ctx, *dataDir, args)
	case "delete":
		return runDeleteCommand(ctx, *dataDir, args)
	case "recover":
		return runRecoverCommand(ctx, *dataDir, args)
	case "trash":
		return runTrashCommand(ctx, *dataDir)
	case "backup":
		return runBackupCommand(ctx, *dataDir, args)
	case "restore":
		return runRestoreCommand(ctx, *dataDir, args)
	case "import":
		return runImportCommand(ctx, *dataDir, args)
	case "doctor":
		return runDoctorCommand(ctx, *dataDir, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		return 2
	}
}

func loadConfig(dataDir string) (*config.Config, error) {
	if dataDir != "" {
		return config.LoadFrom(dataDir)
	}
	return config.Load()
}

// openStore is the shared setup for one-shot commands: config, quiet
// logger, store.
func openStore(ctx context.Context, dataDir string) (*persistence.Repository, *config.Config, func(), error) {
	cfg, err := loadConfig(dataDir)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, true)
	if err != nil {
		return nil, nil, nil, err
	}
	repo, err := persistence.Open(ctx, cfg, nil, logger)
	if err != nil {
		closer.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		repo.Close()
		closer.Close()
	}
	return repo, cfg, cleanup, nil
}

func runServe(ctx context.Context, dataDir string, quiet bool) int {
	cfg, err := loadConfig(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return 1
	}
	defer provider.Shutdown(context.Background())

	events := bus.New()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}
	otelPkg.WatchBus(ctx, events, metrics)

	rec, err := recovery.NewManager(cfg, "liveness mark found running with no clean shutdown", logger)
	if err != nil {
		logger.Error("recovery init failed", "error", err)
		return 1
	}
	if rec.CrashDetected() {
		logger.Warn("previous run ended uncleanly",
			"crash_id", rec.LastCrash().ID, "prev_pid", rec.LastCrash().PrevPID)
	}

	repo, err := persistence.Open(ctx, cfg, events, logger)
	if err != nil {
		logger.Error("store open failed", "error", err)
		return 1
	}
	defer repo.Close()

	robust := robustness.NewManager(repo.Pool(), cfg, events, logger)
	if _, err := robust.EnforcePragmas(ctx); err != nil {
		logger.Error("pragma enforcement failed", "error", err)
	}
	// A crash leaves the WAL and any abandoned leases behind; the
	// startup sweep verifies the file before serving from it.
	if rec.CrashDetected() && cfg.Maintenance.CorruptionCheck {
		rep, err := robust.CheckIntegrity(ctx)
		if err != nil {
			logger.Error("post-crash integrity check failed to run", "error", err)
			return 1
		}
		if rep.Severity == robustness.SeverityCritical {
			if _, qerr := robust.QuarantineFile(ctx, repo.Pool().Path(),
				"post-crash integrity check found structural damage"); qerr != nil {
				logger.Error("quarantine failed", "error", qerr)
			}
			if rerr := rec.ResolveCrash(recovery.RecoveryDataLoss, true,
				"store quarantined after failed integrity check"); rerr != nil {
				logger.Error("crash record update failed", "error", rerr)
			}
			logger.Error("store is structurally damaged, refusing to serve",
				"findings", len(rep.Findings))
			return 1
		}
		if rerr := rec.ResolveCrash(recovery.RecoveryVerified, false,
			"post-crash integrity check passed"); rerr != nil {
			logger.Error("crash record update failed", "error", rerr)
		}
	}

	sup, err := maintenance.NewSupervisor(maintenance.Config{
		Repo:       repo,
		Robustness: robust,
		Recovery:   rec,
		Settings:   cfg,
		Events:     events,
		Tracer:     provider.Tracer,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("maintenance init failed", "error", err)
		return 1
	}
	sup.Start(ctx)
	defer sup.Stop()

	watcher := config.NewWatcher(cfg.DataDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("configuration changed on disk, restart to apply",
					"path", ev.Path)
			}
		}()
	}

	if !quiet && isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("actifix %s serving store at %s\n", Version, cfg.Store.Path)
	}
	logger.Info("store serving", "version", Version, "path", cfg.Store.Path)

	<-ctx.Done()
	logger.Info("shutting down")
	if err := rec.MarkShuttingDown(); err != nil {
		logger.Error("clean shutdown mark failed", "error", err)
	}
	return 0
}
