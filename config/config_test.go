package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("GRAINRPC_CLIENT_ID", "client-9")
	t.Setenv("GRAINRPC_ENDPOINTS", "a:4000;b:4000")
	t.Setenv("GRAINRPC_DEFAULT_TIMEOUT_MS", "1500")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.ClientID != "client-9" {
		t.Fatalf("client id: %q", cfg.ClientID)
	}
	if len(cfg.Endpoints) != 2 || cfg.Endpoints[0] != "a:4000" || cfg.Endpoints[1] != "b:4000" {
		t.Fatalf("endpoints: %+v", cfg.Endpoints)
	}
	if cfg.DefaultTimeoutMillis != 1500 {
		t.Fatalf("timeout: %d", cfg.DefaultTimeoutMillis)
	}
}

func TestFromEnv_EmptyEnvironmentIsValid(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.DefaultTimeoutMillis != 30000 {
		t.Fatalf("expected default timeout, got %d", cfg.DefaultTimeoutMillis)
	}
}

func TestReadEndpointsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "endpoints.json")
	content := `[{"serverId":"srv-a","address":"a:4000"},{"address":"b:4000"}]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	eps, err := ReadEndpointsFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(eps) != 2 || eps[0].ServerID != "srv-a" || eps[1].Address != "b:4000" {
		t.Fatalf("unexpected endpoints: %+v", eps)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`[{"serverId":"x"}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadEndpointsFile(bad); err == nil {
		t.Fatal("expected error for entry without address")
	}
}

func TestWatchEndpoints_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.json")
	if err := os.WriteFile(path, []byte(`[{"address":"a:4000"}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var applied [][]Endpoint
	done := make(chan error, 1)
	go func() {
		done <- WatchEndpoints(ctx, path, slog.Default(), func(eps []Endpoint) {
			mu.Lock()
			applied = append(applied, eps)
			mu.Unlock()
		})
	}()

	// The initial load is applied synchronously before watching begins.
	waitFor(t, 2*time.Second, "initial apply", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) == 1
	})

	if err := os.WriteFile(path, []byte(`[{"address":"a:4000"},{"address":"b:4000"}]`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	waitFor(t, 5*time.Second, "reload", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) >= 2 && len(applied[len(applied)-1]) == 2
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit on cancel")
	}
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
