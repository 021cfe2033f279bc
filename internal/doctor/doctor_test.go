package doctor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/gmanldn/actifix/internal/config"
	"github.com/gmanldn/actifix/internal/persistence"
)

func TestRunHealthyStore(t *testing.T) {
	cfg := config.Default(t.TempDir())
	ctx := context.Background()

	repo, err := persistence.Open(ctx, cfg, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	repo.Close()

	d := Run(ctx, cfg, "test")
	if !d.Healthy() {
		t.Fatalf("healthy store should pass: %+v", d.Results)
	}
	if len(d.Results) != 6 {
		t.Fatalf("expected 6 checks, got %d", len(d.Results))
	}
	if d.System.OS == "" || d.System.Go == "" {
		t.Fatal("system info missing")
	}

	byName := map[string]CheckResult{}
	for _, r := range d.Results {
		byName[r.Name] = r
	}
	if byName["Store"].Status != "PASS" {
		t.Fatalf("store check: %+v", byName["Store"])
	}
	if byName["Fallback queue"].Status != "PASS" {
		t.Fatalf("fallback check: %+v", byName["Fallback queue"])
	}
}

func TestRunMissingStoreWarns(t *testing.T) {
	cfg := config.Default(t.TempDir())
	d := Run(context.Background(), cfg, "test")

	for _, r := range d.Results {
		if r.Name == "Store" && r.Status != "WARN" {
			t.Fatalf("missing store should warn, got %+v", r)
		}
	}
	if !d.Healthy() {
		t.Fatal("a missing store is a warning, not a failure")
	}
}

func TestRunNilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if d.Healthy() {
		t.Fatal("nil config must fail the config check")
	}
}
