// Command lease_recovery_crash drives the lease takeover path across
// process boundaries. Run prepare, then claim-sleep in a child process,
// SIGKILL the child mid-lease, and finally recover:
//
//	lease_recovery_crash -mode prepare -data-dir DIR
//	lease_recovery_crash -mode claim-sleep -data-dir DIR &   # kill -9 it
//	lease_recovery_crash -mode recover -data-dir DIR
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gmanldn/actifix/internal/bus"
	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/persistence"
)

const (
	drillGuard = "lease-crash-drill"
	drillLease = 3 * time.Second
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dataDir := flag.String("data-dir", "", "store data directory")
	flag.Parse()

	if *mode == "" || *dataDir == "" {
		fmt.Fprintln(os.Stderr, "mode and data-dir are required")
		os.Exit(2)
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := config.Default(*dataDir)
	repo, err := persistence.Open(ctx, cfg, bus.New(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	switch *mode {
	case "prepare":
		t, created, err := repo.Create(ctx, persistence.Submission{
			DuplicateGuard: drillGuard,
			Message:        "lease crash drill subject",
			Priority:       persistence.P1,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TICKET_ID=%s created=%v\n", t.ID, created)
	case "claim-sleep":
		t, lock, err := repo.DispatchNext(ctx, fmt.Sprintf("drill-victim-%d", os.Getpid()), drillLease)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dispatch: %v\n", err)
			os.Exit(1)
		}
		if t == nil {
			fmt.Fprintln(os.Stderr, "no dispatchable ticket")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TICKET_ID=%s\n", t.ID)
		fmt.Printf("HOLDER=%s\n", lock.Holder)
		fmt.Printf("LEASE_EXPIRES=%s\n", lock.LeaseExpires.Format(time.RFC3339Nano))
		// Hold the lease without ever completing. The harness kills us
		// here; the lease must expire on its own.
		for {
			time.Sleep(time.Second)
		}
	case "recover":
		holder := "drill-recoverer"
		deadline := time.Now().Add(2 * drillLease)
		for {
			t, lock, err := repo.DispatchNext(ctx, holder, drillLease)
			if err != nil {
				fmt.Fprintf(os.Stderr, "dispatch: %v\n", err)
				os.Exit(1)
			}
			if t != nil {
				fmt.Printf("RECOVERED_TICKET_ID=%s\n", t.ID)
				fmt.Printf("TOOK_EXPIRED=%v\n", lock.TookExpired)
				fmt.Printf("PREV_HOLDER=%s\n", lock.PrevHolder)
				if !lock.TookExpired || lock.PrevHolder == "" {
					fmt.Println("VERDICT FAIL")
					os.Exit(1)
				}
				fmt.Println("VERDICT PASS")
				return
			}
			if time.Now().After(deadline) {
				fmt.Println("VERDICT FAIL")
				fmt.Fprintln(os.Stderr, "lease never became claimable")
				os.Exit(1)
			}
			time.Sleep(250 * time.Millisecond)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
