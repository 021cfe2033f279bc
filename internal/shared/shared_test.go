package shared

import (
	"context"
	"strings"
	"testing"
)

func TestTraceIDDefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
}

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc-123")
	if got := TraceID(ctx); got != "abc-123" {
		t.Fatalf("expected abc-123, got %q", got)
	}
}

func TestActorDefaultsToSystem(t *testing.T) {
	if got := Actor(context.Background()); got != "system" {
		t.Fatalf("expected system, got %q", got)
	}
}

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), "worker-7")
	if got := Actor(ctx); got != "worker-7" {
		t.Fatalf("expected worker-7, got %q", got)
	}
}

func TestRedactAPIKey(t *testing.T) {
	in := `failed auth: api_key=sk_live_abcdefgh12345678 rejected`
	out := Redact(in)
	if strings.Contains(out, "sk_live_abcdefgh12345678") {
		t.Fatalf("api key leaked: %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker, got %q", out)
	}
}

func TestRedactPassword(t *testing.T) {
	in := `dsn: postgres://svc:password=hunter22 host=db`
	out := Redact(in)
	if strings.Contains(out, "hunter22") {
		t.Fatalf("password leaked: %q", out)
	}
}

func TestRedactLeavesPlainTextAlone(t *testing.T) {
	in := "nil pointer dereference in ticket dispatch"
	if got := Redact(in); got != in {
		t.Fatalf("plain text mutated: %q", got)
	}
}

func TestRedactEnvValue(t *testing.T) {
	if got := RedactEnvValue("DB_PASSWORD", "secret1"); got != "[REDACTED]" {
		t.Fatalf("expected redacted, got %q", got)
	}
	if got := RedactEnvValue("DB_PATH", "/tmp/actifix.db"); got != "/tmp/actifix.db" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}
