package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gmanldn/actifix/internal/persistence"
	"github.com/gmanldn/actifix/internal/shared"
)

func cliContext(ctx context.Context) context.Context {
	actor := os.Getenv("ACTIFIX_ACTOR")
	if actor == "" {
		actor = "cli"
	}
	return shared.WithActor(shared.WithTraceID(ctx, shared.NewTraceID()), actor)
}

func runCreateCommand(ctx context.Context, dataDir string, args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	guard := fs.String("guard", "", "duplicate guard fingerprint (required)")
	message := fs.String("message", "", "failure description (required)")
	priority := fs.Int("priority", 2, "priority 0 (urgent) to 4")
	errorType := fs.String("error-type", "", "error classification")
	source := fs.String("source", "", "originating file, job or component")
	stack := fs.String("stack", "", "stack trace")
	label := fs.String("run-label", "", "run or batch label")
	owner := fs.String("owner", "", "owning team or person")
	branch := fs.String("branch", "", "source branch")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	repo, _, cleanup, err := openStore(ctx, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer cleanup()

	sub := persistence.Submission{
		DuplicateGuard: *guard,
		Priority:       persistence.Priority(*priority),
		ErrorType:      *errorType,
		Source:         *source,
		Message:        *message,
		StackTrace:     *stack,
		RunLabel:       *label,
		Owner:          *owner,
		Branch:         *branch,
	}
	tk, created, err := repo.Create(cliContext(ctx), sub)
	if err != nil {
		if errors.Is(err, persistence.ErrThrottled) {
			fmt.Fprintln(os.Stderr, "refused: creation rate limit reached, try again shortly")
			return 1
		}
		if persistence.IsTransient(err) {
			// Another process holds the store; park the submission so
			// the maintenance replay lands it once the store frees up.
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			entryID, ferr := repo.EnqueueFallback(fctx, "create", sub)
			cancel()
			if ferr == nil {
				fmt.Printf("store busy, submission captured for replay (%s)\n", entryID)
				return 0
			}
		}
		fmt.Fprintf(os.Stderr, "create: %v\n", err)
		return 1
	}
	if created {
		fmt.Printf("created %s (P%d)\n", tk.ID, tk.Priority)
	} else {
		fmt.Printf("duplicate of %s (status %s)\n", tk.ID, tk.Status)
	}
	return 0
}

func runListCommand(ctx context.Context, dataDir string, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status: OPEN, IN_PROGRESS, COMPLETED")
	owner := fs.String("owner", "", "filter by owner")
	label := fs.String("run-label", "", "filter by run label")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	repo, _, cleanup, err := openStore(ctx, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer cleanup()

	tickets, err := repo.List(ctx, persistence.Filter{
		Status:   persistence.Status(*status),
		Owner:    *owner,
		RunLabel: *label,
		Limit:    *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		return 1
	}
	if len(tickets) == 0 {
		fmt.Println("no tickets")
		return 0
	}
	printTicketTable(tickets)
	return 0
}

func runTrashCommand(ctx context.Context, dataDir string) int {
	repo, _, cleanup, err := openStore(ctx, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer cleanup()

	tickets, err := repo.ListDeleted(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trash: %v\n", err)
		return 1
	}
	if len(tickets) == 0 {
		fmt.Println("trash is empty")
		return 0
	}
	printTicketTable(tickets)
	return 0
}

func printTicketTable(tickets []*persistence.Ticket) {
	fmt.Printf("%-36s  %-2s  %-11s  %-12s  %s\n", "ID", "PR", "STATUS", "LOCKED BY", "MESSAGE")
	for _, t := range tickets {
		msg := t.Message
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		holder := t.LockedBy
		if holder == "" {
			holder = "-"
		}
		fmt.Printf("%-36s  P%d  %-11s  %-12s  %s\n", t.ID, t.Priority, t.Status, holder, msg)
	}
}

func runNextCommand(ctx context.Context, dataDir string, args []string) int {
	fs := flag.NewFlagSet("next", flag.ContinueOnError)
	worker := fs.String("worker", "", "worker identity (required)")
	lease := fs.Duration("lease", 0, "lease duration (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	repo, _, cleanup, err := openStore(ctx, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer cleanup()

	tk, lock, err := repo.DispatchNext(cliContext(ctx), *worker, *lease)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatch: %v\n", err)
		return 1
	}
	if tk == nil {
		fmt.Println("no available work")
		return 0
	}
	fmt.Printf("dispatched %s (P%d) to %s, lease until %s\n",
		tk.ID, tk.Priority, lock.Holder, lock.LeaseExpires.Format(time.RFC3339))
	if lock.TookExpired {
		fmt.Printf("note: took over an expired lease from %s\n", lock.PrevHolder)
	}
	fmt.Printf("  %s\n", tk.Message)
	return 0
}

func runCompleteCommand(ctx context.Context, dataDir string, args []string) int {
	fs := flag.NewFlagSet("complete", flag.ContinueOnError)
	id := fs.String("id", "", "ticket ID (required)")
	notes := fs.String("notes", "", "what was done, at least 20 characters")
	steps := fs.String("test-steps", "", "how it was tested, at least 10 characters")
	results := fs.String("test-results", "", "observed results, at least 10 characters")
	summary := fs.String("summary", "", "one-line summary")
	verifiedBy := fs.String("verified-by", "", "who verified the fix")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	repo, _, cleanup, err := openStore(ctx, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer cleanup()

	done, err := repo.MarkComplete(cliContext(ctx), *id, persistence.Evidence{
		Notes:       *notes,
		TestSteps:   *steps,
		TestResults: *results,
		Summary:     *summary,
		VerifiedBy:  *verifiedBy,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "complete: %v\n", err)
		return 1
	}
	if !done {
		fmt.Println("nothing to do: ticket missing, deleted, or already completed")
		return 0
	}
	fmt.Printf("completed %s\n", *id)
	return 0
}

func runDeleteCommand(ctx context.Context, dataDir string, args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	id := fs.String("id", "", "ticket ID (required)")
	hard := fs.Bool("hard", false, "remove the row permanently instead of soft-deleting")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	repo, _, cleanup, err := openStore(ctx, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer cleanup()

	ok, err := repo.Delete(cliContext(ctx), *id, *hard)
	if err != nil {
		fmt.Fprintf(os.Stderr, "delete: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Println("nothing to delete")
		return 1
	}
	if *hard {
		fmt.Printf("permanently deleted %s\n", *id)
	} else {
		fmt.Printf("moved %s to trash\n", *id)
	}
	return 0
}

func runRecoverCommand(ctx context.Context, dataDir string, args []string) int {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	id := fs.String("id", "", "ticket ID (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	repo, _, cleanup, err := openStore(ctx, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer cleanup()

	ok, err := repo.Recover(cliContext(ctx), *id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recover: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Println("nothing to recover")
		return 1
	}
	fmt.Printf("recovered %s\n", *id)
	return 0
}
