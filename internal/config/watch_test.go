package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsConfigFile(t *testing.T) {
	dir := setHome(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	err := Watch(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), func(cfg *Config) {
		changes <- cfg
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0600); err != nil {
		t.Fatalf("write notes: %v", err)
	}
	body := `{"retry_limit": 5, "retry_window": "90s"}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case cfg := <-changes:
		if cfg.RetryLimit != 5 || cfg.RetryWindow != 90*time.Second {
			t.Fatalf("reloaded budget %d/%s", cfg.RetryLimit, cfg.RetryWindow)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after writing config.json")
	}
}

func TestWatchSkipsBrokenConfig(t *testing.T) {
	dir := setHome(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	if err := Watch(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), func(cfg *Config) {
		changes <- cfg
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"retry_window": "soon"}`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case cfg := <-changes:
		t.Fatalf("broken config applied: %+v", cfg)
	case <-time.After(time.Second):
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	setHome(t)
	t.Setenv("GOODLISTENER_HOME", filepath.Join(t.TempDir(), "missing"))

	if err := Watch(context.Background(), nil, func(*Config) {}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
