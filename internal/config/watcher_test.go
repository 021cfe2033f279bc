package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcherEmitsOnConfigWrite(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(ConfigPath(dir), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(dir, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(ConfigPath(dir), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev, ok := <-w.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		if ev.Path == "" {
			t.Fatal("expected event path")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event received")
	}
}

func TestWatcherClosesOnCancel(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	w := NewWatcher(dir, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			// Drained a pending event; channel should close next.
			select {
			case _, ok2 := <-w.Events():
				if ok2 {
					t.Fatal("expected closed channel after cancel")
				}
			case <-time.After(3 * time.Second):
				t.Fatal("channel not closed after cancel")
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
