// Package maintenance runs the store's periodic upkeep: integrity
// sweeps, verified backups, queue snapshots, fallback replay, audit
// retention, and the liveness heartbeat.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/gmanldn/actifix/internal/bus"
	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/otel"
	"github.com/gmanldn/actifix/internal/persistence"
	"github.com/gmanldn/actifix/internal/recovery"
	"github.com/gmanldn/actifix/internal/robustness"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// auditRetention is how long audit rows are kept before the purge job
// removes them.
const auditRetention = 90 * 24 * time.Hour

// Config holds the dependencies for the supervisor.
type Config struct {
	Repo       *persistence.Repository
	Robustness *robustness.Manager
	Recovery   *recovery.Manager
	Settings   *config.Config
	Events     *bus.Bus     // optional; job timings and integrity reports are published here
	Tracer     trace.Tracer // optional; each scheduled job runs in a span
	Logger     *slog.Logger
	Interval   time.Duration // tick interval; defaults to 30 seconds
}

type job struct {
	name    string
	sched   cronlib.Schedule
	nextRun time.Time
	run     func(context.Context)
}

// Supervisor ticks on a fixed interval and fires each scheduled job
// when its cron expression comes due. Fast upkeep (checkpoint,
// heartbeat, fallback replay) runs on every tick; its own time gates
// keep the work bounded.
type Supervisor struct {
	repo     *persistence.Repository
	robust   *robustness.Manager
	recov    *recovery.Manager
	settings *config.Config
	events   *bus.Bus
	tracer   trace.Tracer
	logger   *slog.Logger
	interval time.Duration
	jobs     []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor from cfg. Invalid cron
// expressions are rejected here rather than at fire time.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("actifix/maintenance")
	}
	s := &Supervisor{
		repo:     cfg.Repo,
		robust:   cfg.Robustness,
		recov:    cfg.Recovery,
		settings: cfg.Settings,
		events:   cfg.Events,
		tracer:   tracer,
		logger:   logger,
		interval: interval,
	}

	m := cfg.Settings.Maintenance
	specs := []struct {
		name string
		expr string
		run  func(context.Context)
	}{
		{"integrity_check", m.IntegritySchedule, s.runIntegrityCheck},
		{"backup", m.BackupSchedule, s.runBackup},
		{"snapshot", m.SnapshotSchedule, s.runSnapshot},
	}
	now := time.Now()
	for _, spec := range specs {
		if spec.expr == "" {
			continue
		}
		sched, err := cronParser.Parse(spec.expr)
		if err != nil {
			return nil, err
		}
		s.jobs = append(s.jobs, &job{
			name:    spec.name,
			sched:   sched,
			nextRun: sched.Next(now),
			run:     spec.run,
		})
	}
	return s, nil
}

// Start begins the supervisor loop in a background goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance supervisor started",
		"interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the loop and waits for it to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance supervisor stopped")
}

func (s *Supervisor) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs the fast upkeep and fires any due cron jobs.
func (s *Supervisor) tick(ctx context.Context) {
	if err := s.robust.PeriodicMaintenance(ctx); err != nil {
		s.logger.Error("periodic maintenance failed", "error", err)
	}
	if s.recov != nil {
		if err := s.recov.MarkHealthy(); err != nil {
			s.logger.Error("liveness heartbeat failed", "error", err)
		}
	}
	if _, err := s.repo.ReplayFallback(ctx); err != nil {
		s.logger.Error("fallback replay failed", "error", err)
	}

	now := time.Now()
	for _, j := range s.jobs {
		if now.Before(j.nextRun) {
			continue
		}
		j.nextRun = j.sched.Next(now)
		s.logger.Debug("maintenance job firing", "job", j.name, "next_run", j.nextRun)
		s.runJob(ctx, j)
	}
}

// runJob wraps one job run in a span and publishes its duration.
func (s *Supervisor) runJob(ctx context.Context, j *job) {
	start := time.Now()
	jctx, span := otel.StartSpan(ctx, s.tracer, "maintenance."+j.name, otel.AttrJob.String(j.name))
	defer span.End()

	j.run(jctx)
	if s.events != nil {
		s.events.Publish(bus.TopicMaintenanceJobRun, bus.MaintenanceEvent{
			Job:     j.name,
			Seconds: time.Since(start).Seconds(),
		})
	}
}

func (s *Supervisor) runIntegrityCheck(ctx context.Context) {
	if !s.settings.Maintenance.CorruptionCheck {
		return
	}
	if _, err := s.robust.EnforcePragmas(ctx); err != nil {
		s.logger.Error("pragma enforcement failed", "error", err)
	}
	rep, err := s.robust.CheckIntegrity(ctx)
	if err != nil {
		s.logger.Error("integrity check failed to run", "error", err)
		return
	}
	if s.events != nil {
		s.events.Publish(bus.TopicIntegrityReport, bus.IntegrityEvent{
			Findings: len(rep.Findings),
			Severity: rep.Severity.String(),
		})
	}
	if rep.Severity == robustness.SeverityCritical {
		// Preserve the evidence before anyone attempts a repair.
		if _, err := s.robust.QuarantineFile(ctx, s.repo.Pool().Path(),
			"scheduled integrity check found structural damage"); err != nil {
			s.logger.Error("quarantine of damaged store failed", "error", err)
		}
	}

	// Retention rides along with the scheduled sweep.
	if _, err := s.repo.PurgeAudit(ctx, auditRetention); err != nil {
		s.logger.Error("audit purge failed", "error", err)
	}
}

func (s *Supervisor) runBackup(ctx context.Context) {
	if _, err := s.robust.Backup(ctx, ""); err != nil {
		s.logger.Error("scheduled backup failed", "error", err)
	}
}

func (s *Supervisor) runSnapshot(ctx context.Context) {
	if s.recov == nil {
		return
	}
	appState := map[string]any{
		"maintenance_jobs": len(s.jobs),
		"tick_interval_s":  s.interval.Seconds(),
	}
	var lastCheckpoint time.Time
	if s.robust != nil {
		lastCheckpoint = s.robust.LastCheckpoint()
	}
	if _, err := s.recov.CreateSnapshot(ctx, s.repo, appState, lastCheckpoint); err != nil {
		s.logger.Error("snapshot failed", "error", err)
	}
}
