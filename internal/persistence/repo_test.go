package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gmanldn/actifix/internal/bus"
	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/shared"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Throttle.Enabled = false
	return cfg
}

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	return openTestRepoWith(t, testConfig(t))
}

func openTestRepoWith(t *testing.T, cfg *config.Config) *Repository {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := Open(context.Background(), cfg, nil, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func submission(guard string) Submission {
	return Submission{
		DuplicateGuard: guard,
		Priority:       P2,
		ErrorType:      "panic",
		Source:         "worker/loop.go:42",
		Message:        "index out of range in retry loop",
	}
}

func goodEvidence() Evidence {
	return Evidence{
		Notes:       "Fixed the off-by-one in the retry loop bound check.",
		TestSteps:   "go test ./worker/... with the regression case enabled",
		TestResults: "all packages pass, regression case green",
		Summary:     "retry loop bound corrected",
		VerifiedBy:  "reviewer-1",
	}
}

func TestCreateAndGet(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tk, created, err := repo.Create(ctx, submission("guard-a"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("expected created=true for a fresh guard")
	}
	if tk.ID == "" || tk.Status != StatusOpen {
		t.Fatalf("unexpected ticket: %+v", tk)
	}

	got, err := repo.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Message != tk.Message || got.Priority != P2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	missing, err := repo.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected (nil, nil) for missing ID, got %v, %v", missing, err)
	}
}

func TestDuplicateGuardUniqueness(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	first, created, err := repo.Create(ctx, submission("guard-dup"))
	if err != nil || !created {
		t.Fatalf("first create: %v created=%v", err, created)
	}

	second, created, err := repo.Create(ctx, submission("guard-dup"))
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if created {
		t.Fatal("second submission with same guard must not create a row")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate should return the existing ticket, got %s want %s", second.ID, first.ID)
	}

	all, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one live ticket, got %d", len(all))
	}
}

func TestCreateValidation(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		mut   func(*Submission)
		field string
	}{
		{"empty guard", func(s *Submission) { s.DuplicateGuard = " " }, "duplicate_guard"},
		{"empty message", func(s *Submission) { s.Message = "" }, "message"},
		{"priority out of range", func(s *Submission) { s.Priority = 5 }, "priority"},
		{"message too long", func(s *Submission) {
			s.Message = strings.Repeat("x", config.DefaultMaxMessageLen+1)
		}, "message"},
		{"source too long", func(s *Submission) {
			s.Source = strings.Repeat("x", config.DefaultMaxSourceLen+1)
		}, "source"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := submission("guard-" + tc.name)
			tc.mut(&sub)
			_, _, err := repo.Create(ctx, sub)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("field = %q, want %q", ve.Field, tc.field)
			}
		})
	}
}

func TestLengthBoundaryExactLimit(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	sub := submission("guard-boundary")
	sub.Message = strings.Repeat("m", config.DefaultMaxMessageLen)

	tk, created, err := repo.Create(ctx, sub)
	if err != nil || !created {
		t.Fatalf("exact-limit message must be accepted: %v", err)
	}

	got, err := repo.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Message != sub.Message {
		t.Fatal("message was truncated or mangled on the round trip")
	}
	if len(got.Message) != config.DefaultMaxMessageLen {
		t.Fatalf("length = %d, want %d", len(got.Message), config.DefaultMaxMessageLen)
	}
}

func TestCreationThrottle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Throttle.Enabled = true
	cfg.Throttle.Window = time.Minute
	cfg.Throttle.MaxCreations = 3
	repo := openTestRepoWith(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := repo.Create(ctx, submission("guard-throttle-"+string(rune('a'+i)))); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	_, _, err := repo.Create(ctx, submission("guard-throttle-over"))
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
}

func TestOpenTicketCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.MaxOpenTickets = 2
	repo := openTestRepoWith(t, cfg)
	ctx := context.Background()

	for _, g := range []string{"cap-1", "cap-2"} {
		if _, _, err := repo.Create(ctx, submission(g)); err != nil {
			t.Fatalf("create %s: %v", g, err)
		}
	}
	_, _, err := repo.Create(ctx, submission("cap-3"))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "open_tickets" {
		t.Fatalf("expected open_tickets validation error, got %v", err)
	}
}

func TestUpdatePatch(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tk, _, err := repo.Create(ctx, submission("guard-update"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	p0 := P0
	msg := "escalated: crashes every run"
	updated, err := repo.Update(ctx, tk.ID, Patch{Priority: &p0, Message: &msg})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Priority != P0 || updated.Message != msg {
		t.Fatalf("patch not applied: %+v", updated)
	}
	if updated.Source != tk.Source {
		t.Fatal("unpatched field must be preserved")
	}

	none, err := repo.Update(ctx, "missing", Patch{Message: &msg})
	if err != nil || none != nil {
		t.Fatalf("update of missing ticket should be (nil, nil), got %v, %v", none, err)
	}
}

func TestMarkCompleteQualityGate(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tk, _, err := repo.Create(ctx, submission("guard-gate"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ev := goodEvidence()
	ev.Notes = strings.Repeat("n", 19)
	if _, err := repo.MarkComplete(ctx, tk.ID, ev); !IsValidation(err) {
		t.Fatalf("19-char notes must be rejected, got %v", err)
	}

	ev.Notes = strings.Repeat("n", 20)
	done, err := repo.MarkComplete(ctx, tk.ID, ev)
	if err != nil || !done {
		t.Fatalf("20-char notes must pass: done=%v err=%v", done, err)
	}

	// Whitespace padding does not count toward the minimum.
	tk2, _, err := repo.Create(ctx, submission("guard-gate-2"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ev2 := goodEvidence()
	ev2.TestResults = "  short  " + strings.Repeat(" ", 40)
	if _, err := repo.MarkComplete(ctx, tk2.ID, ev2); !IsValidation(err) {
		t.Fatalf("padded evidence must be rejected, got %v", err)
	}
}

func TestMarkCompleteIdempotent(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tk, _, err := repo.Create(ctx, submission("guard-idem"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	done, err := repo.MarkComplete(ctx, tk.ID, goodEvidence())
	if err != nil || !done {
		t.Fatalf("first completion: done=%v err=%v", done, err)
	}
	first, err := repo.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	second := goodEvidence()
	second.Notes = "entirely different notes that must not overwrite"
	done, err = repo.MarkComplete(ctx, tk.ID, second)
	if err != nil {
		t.Fatalf("second completion: %v", err)
	}
	if done {
		t.Fatal("second completion must report false")
	}
	after, err := repo.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.CompletionNotes != first.CompletionNotes {
		t.Fatal("second completion overwrote the original evidence")
	}
	if !after.ChecklistNotes || !after.ChecklistResults {
		t.Fatal("completion checklist flags not set")
	}
}

func TestSoftDeleteRecoverRoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tk, _, err := repo.Create(ctx, submission("guard-del"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := repo.Delete(ctx, tk.ID, false)
	if err != nil || !ok {
		t.Fatalf("soft delete: ok=%v err=%v", ok, err)
	}

	if got, _ := repo.Get(ctx, tk.ID); got == nil || !got.Deleted {
		t.Fatal("soft-deleted ticket should still be fetchable by ID, flagged deleted")
	}
	live, _ := repo.List(ctx, Filter{})
	if len(live) != 0 {
		t.Fatal("soft-deleted ticket leaked into live listing")
	}
	trash, _ := repo.ListDeleted(ctx)
	if len(trash) != 1 || trash[0].ID != tk.ID {
		t.Fatalf("deleted listing wrong: %v", trash)
	}

	// Double delete is a no-op.
	ok, err = repo.Delete(ctx, tk.ID, false)
	if err != nil || ok {
		t.Fatalf("double soft delete should be false, got ok=%v err=%v", ok, err)
	}

	ok, err = repo.Recover(ctx, tk.ID)
	if err != nil || !ok {
		t.Fatalf("recover: ok=%v err=%v", ok, err)
	}
	got, _ := repo.Get(ctx, tk.ID)
	if got.Deleted || got.DeletedAt != nil {
		t.Fatalf("recovered ticket still flagged deleted: %+v", got)
	}
}

func TestSoftDeleteFreesGuardAndRecoverRefusesCollision(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tk, _, err := repo.Create(ctx, submission("guard-free"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Delete(ctx, tk.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Guard is free again for a new live ticket.
	_, created, err := repo.Create(ctx, submission("guard-free"))
	if err != nil || !created {
		t.Fatalf("guard should be reusable after soft delete: created=%v err=%v", created, err)
	}

	// Recovery would produce two live rows with one guard; refuse it.
	_, err = repo.Recover(ctx, tk.ID)
	if !IsValidation(err) {
		t.Fatalf("expected validation error on guard collision, got %v", err)
	}
}

func TestHardDelete(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tk, _, err := repo.Create(ctx, submission("guard-hard"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := repo.Delete(ctx, tk.ID, true)
	if err != nil || !ok {
		t.Fatalf("hard delete: ok=%v err=%v", ok, err)
	}
	if got, _ := repo.Get(ctx, tk.ID); got != nil {
		t.Fatal("hard-deleted ticket still present")
	}
	ok, err = repo.Delete(ctx, tk.ID, true)
	if err != nil || ok {
		t.Fatalf("hard delete of missing ticket should be false, got ok=%v err=%v", ok, err)
	}

	// History outlives the row.
	trail, err := repo.AuditTrail(ctx, tk.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(trail) != 2 || trail[len(trail)-1].Operation != "DELETE" {
		t.Fatalf("expected INSERT then DELETE in trail, got %v", trail)
	}
}

func TestAuditTrailCompleteness(t *testing.T) {
	repo := openTestRepo(t)
	ctx := shared.WithActor(context.Background(), "tester")

	tk, _, err := repo.Create(ctx, submission("guard-audit"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p1 := P1
	if _, err := repo.Update(ctx, tk.ID, Patch{Priority: &p1}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := repo.AcquireLock(ctx, tk.ID, "w1", time.Minute); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := repo.MarkComplete(ctx, tk.ID, goodEvidence()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := repo.Delete(ctx, tk.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	trail, err := repo.AuditTrail(ctx, tk.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(trail) != 5 {
		t.Fatalf("expected 5 audit rows, got %d", len(trail))
	}
	if trail[0].Operation != "INSERT" {
		t.Fatalf("first row should be INSERT, got %s", trail[0].Operation)
	}
	for i, e := range trail {
		if e.UserContext != "tester" {
			t.Fatalf("row %d user_context = %q, want tester", i, e.UserContext)
		}
		if i > 0 && e.Operation != "UPDATE" {
			t.Fatalf("row %d operation = %s, want UPDATE", i, e.Operation)
		}
	}
	if !strings.Contains(trail[1].NewValues, `"priority":1`) {
		t.Fatalf("update row missing new priority: %s", trail[1].NewValues)
	}
}

func TestRefusalAndDispatchEventsPublished(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Throttle.Enabled = true
	cfg.Throttle.Window = time.Minute
	cfg.Throttle.MaxCreations = 3
	events := bus.New()
	sub := events.Subscribe("")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := Open(context.Background(), cfg, events, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer repo.Close()
	ctx := context.Background()

	tk, _, err := repo.Create(ctx, submission("evt-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, created, err := repo.Create(ctx, submission("evt-1")); err != nil || created {
		t.Fatalf("duplicate: created=%v err=%v", created, err)
	}
	if _, _, err := repo.Create(ctx, submission("evt-2")); err != nil {
		t.Fatalf("second create: %v", err)
	}
	if _, _, err := repo.Create(ctx, submission("evt-3")); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected throttle refusal, got %v", err)
	}

	if _, err := repo.AcquireLock(ctx, tk.ID, "w1", time.Minute); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if lk, err := repo.AcquireLock(ctx, tk.ID, "w2", time.Minute); err != nil || lk != nil {
		t.Fatalf("contended acquire: lock=%v err=%v", lk, err)
	}
	if _, lk, err := repo.DispatchNext(ctx, "w3", time.Minute); err != nil || lk == nil {
		t.Fatalf("dispatch: lock=%v err=%v", lk, err)
	}

	got := map[string]bus.Event{}
drain:
	for {
		select {
		case ev := <-sub.Ch():
			got[ev.Topic] = ev
		default:
			break drain
		}
	}
	for _, topic := range []string{
		bus.TopicTicketDuplicate,
		bus.TopicTicketThrottled,
		bus.TopicLockContended,
		bus.TopicTicketDispatched,
	} {
		if _, ok := got[topic]; !ok {
			t.Fatalf("topic %s never published; saw %v", topic, mapKeys(got))
		}
	}
	de, ok := got[bus.TopicTicketDispatched].Payload.(bus.DispatchEvent)
	if !ok || de.Holder != "w3" || de.Seconds < 0 {
		t.Fatalf("dispatch event payload wrong: %+v", got[bus.TopicTicketDispatched].Payload)
	}
	le, ok := got[bus.TopicLockContended].Payload.(bus.LockEvent)
	if !ok || le.Holder != "w2" || le.PrevHolder != "w1" {
		t.Fatalf("contention event payload wrong: %+v", got[bus.TopicLockContended].Payload)
	}
}

func mapKeys(m map[string]bus.Event) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func TestCompletionAuditCapturesEvidence(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tk, _, err := repo.Create(ctx, submission("guard-evidence-audit"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ev := goodEvidence()
	if _, err := repo.MarkComplete(ctx, tk.ID, ev); err != nil {
		t.Fatalf("complete: %v", err)
	}

	trail, err := repo.AuditTrail(ctx, tk.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	last := trail[len(trail)-1]
	var newValues map[string]any
	if err := json.Unmarshal([]byte(last.NewValues), &newValues); err != nil {
		t.Fatalf("decode new_values: %v", err)
	}
	for key, want := range map[string]string{
		"completion_notes":       ev.Notes,
		"test_steps":             ev.TestSteps,
		"test_results":           ev.TestResults,
		"completion_summary":     ev.Summary,
		"completion_verified_by": ev.VerifiedBy,
	} {
		if got, _ := newValues[key].(string); got != want {
			t.Fatalf("completion audit %s = %q, want %q", key, got, want)
		}
	}
}

func TestStats(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	for i, g := range []string{"s1", "s2", "s3"} {
		sub := submission(g)
		sub.Priority = Priority(i)
		if _, _, err := repo.Create(ctx, sub); err != nil {
			t.Fatalf("create %s: %v", g, err)
		}
	}
	tks, _ := repo.List(ctx, Filter{})
	if _, err := repo.AcquireLock(ctx, tks[0].ID, "w1", time.Minute); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := repo.Delete(ctx, tks[2].ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	s, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.Total != 2 || s.Deleted != 1 || s.ActiveLeases != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.ByStatus[StatusInProgress] != 1 || s.ByStatus[StatusOpen] != 1 {
		t.Fatalf("status breakdown wrong: %+v", s.ByStatus)
	}
}

func TestPurgeAudit(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tk, _, err := repo.Create(ctx, submission("guard-purge"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Nothing is old enough yet.
	n, err := repo.PurgeAudit(ctx, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("purge with future cutoff: n=%d err=%v", n, err)
	}

	// A zero horizon makes every existing row stale.
	time.Sleep(10 * time.Millisecond)
	n, err = repo.PurgeAudit(ctx, 0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one purged row")
	}
	trail, _ := repo.AuditTrail(ctx, tk.ID)
	if len(trail) != 0 {
		t.Fatalf("trail should be empty after purge, got %d rows", len(trail))
	}
	if got, _ := repo.Get(ctx, tk.ID); got == nil {
		t.Fatal("purge must not touch ticket rows")
	}
}

func TestCreateRedactsSubmittedSecrets(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	sub := submission("guard-secret")
	sub.Message = "deploy failed: api_key=sk_live_0123456789abcdef0123 rejected"
	sub.StackTrace = "at auth.go:42\npassword=hunter2fixed\nat main.go:7"
	tk, _, err := repo.Create(ctx, sub)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.Contains(got.Message, "sk_live_") {
		t.Fatalf("message kept the key: %q", got.Message)
	}
	if strings.Contains(got.StackTrace, "hunter2fixed") {
		t.Fatalf("stack trace kept the password: %q", got.StackTrace)
	}
	if !strings.Contains(got.StackTrace, "auth.go:42") {
		t.Fatalf("redaction mangled ordinary text: %q", got.StackTrace)
	}
}
