//go:build ignore

// sigkill_chaos is a standalone chaos test that verifies actifix's
// crash recovery guarantees. It builds the binary, starts the daemon,
// puts a ticket under lease directly through SQLite, SIGKILLs the
// daemon, restarts it, and verifies that:
//   - The restarted daemon records a crash marker for the killed run
//   - The database is not corrupted (integrity_check passes)
//   - The orphaned lease expires and the ticket is dispatchable again
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gmanldn/actifix/internal/bus"
	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/persistence"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "actifix")

	fmt.Println("BUILD actifix binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/actifix")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	daemonEnv := append(os.Environ(), "ACTIFIX_HOME="+home)
	cfg := config.Default(home)

	fmt.Println("START daemon (first run)...")
	daemon := exec.Command(binPath, "serve", "-quiet")
	daemon.Env = daemonEnv
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	statePath := filepath.Join(cfg.RecoveryDir(), "state.json")
	if err := waitRunning(statePath, 10*time.Second); err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY")

	// Put a ticket under a short lease from a second process. The WAL
	// store allows concurrent writers across processes.
	repo, err := persistence.Open(ctx, cfg, bus.New(), logger)
	if err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("open store: %w", err)
	}
	t, _, err := repo.Create(ctx, persistence.Submission{
		DuplicateGuard: "chaos-ticket",
		Message:        "sigkill chaos drill subject",
	})
	if err != nil {
		repo.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("create ticket: %w", err)
	}
	lock, err := repo.AcquireLock(ctx, t.ID, "chaos-victim", 3*time.Second)
	if err != nil || lock == nil {
		repo.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("acquire lock: %w (lock=%v)", err, lock)
	}
	fmt.Printf("LEASED ticket %s until %s\n", t.ID, lock.LeaseExpires.Format(time.RFC3339Nano))
	repo.Close()

	fmt.Println("SIGKILL daemon...")
	if err := daemon.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = daemon.Wait()
	fmt.Println("DAEMON killed")

	fmt.Println("RESTART daemon (second run)...")
	daemon2 := exec.Command(binPath, "serve", "-quiet")
	daemon2.Env = daemonEnv
	daemon2.Stdout = os.Stdout
	daemon2.Stderr = os.Stderr
	if err := daemon2.Start(); err != nil {
		return fmt.Errorf("restart daemon: %w", err)
	}
	defer func() {
		_ = daemon2.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = daemon2.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = daemon2.Process.Kill()
			_ = daemon2.Wait()
		}
	}()

	if err := waitRunning(statePath, 10*time.Second); err != nil {
		return fmt.Errorf("restarted daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY (after restart)")

	// The restart must have recorded the unclean shutdown.
	crashes, err := filepath.Glob(filepath.Join(cfg.RecoveryDir(), "crash-*.json"))
	if err != nil || len(crashes) == 0 {
		return fmt.Errorf("expected a crash record, found %d (%v)", len(crashes), err)
	}
	fmt.Printf("CRASH_RECORDS=%d\n", len(crashes))

	repo2, err := persistence.Open(ctx, cfg, bus.New(), logger)
	if err != nil {
		return fmt.Errorf("reopen store after kill: %w", err)
	}
	defer repo2.Close()

	var integrity string
	if err := repo2.Pool().Reader().QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	fmt.Printf("INTEGRITY_CHECK=%s\n", integrity)
	if integrity != "ok" {
		return fmt.Errorf("integrity check failed: %s", integrity)
	}

	// The victim's lease dies with it; takeover must succeed once it
	// expires.
	deadline := time.Now().Add(10 * time.Second)
	for {
		taken, lock2, err := repo2.DispatchNext(ctx, "chaos-recoverer", time.Minute)
		if err != nil {
			return fmt.Errorf("dispatch after crash: %w", err)
		}
		if taken != nil {
			fmt.Printf("RECOVERED ticket %s took_expired=%v prev_holder=%s\n",
				taken.ID, lock2.TookExpired, lock2.PrevHolder)
			if !lock2.TookExpired || lock2.PrevHolder != "chaos-victim" {
				return fmt.Errorf("takeover did not flag the dead holder")
			}
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("orphaned lease never expired")
		}
		time.Sleep(250 * time.Millisecond)
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

func waitRunning(statePath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		raw, err := os.ReadFile(statePath)
		if err == nil {
			var st struct {
				Running bool `json:"running"`
				PID     int  `json:"pid"`
			}
			if json.Unmarshal(raw, &st) == nil && st.Running {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("state at %s never reported running after %v", statePath, timeout)
}
