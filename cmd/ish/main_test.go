package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRun_MissingConfigFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, []string{"-config", "/nonexistent/path/ish.yaml"}); err == nil {
		t.Fatal("run() should fail with a missing explicit config file")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ish.yaml")
	if err := os.WriteFile(path, []byte("api:\n  port: 0\n"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, []string{"-config", path}); err == nil {
		t.Fatal("run() should fail validation for port 0")
	}
}

func TestRun_BadFlag(t *testing.T) {
	if err := run(context.Background(), []string{"-nope"}); err == nil {
		t.Fatal("run() should reject unknown flags")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("ISH_CONFIG", "")
	if got := resolveConfigPath("/from/flag.yaml"); got != "/from/flag.yaml" {
		t.Errorf("flag: got %q", got)
	}

	t.Setenv("ISH_CONFIG", "/from/env.yaml")
	if got := resolveConfigPath(""); got != "/from/env.yaml" {
		t.Errorf("env: got %q", got)
	}
	if got := resolveConfigPath("/from/flag.yaml"); got != "/from/flag.yaml" {
		t.Errorf("flag over env: got %q", got)
	}

	// The test binary runs in cmd/ish, where configs/ish.yaml does not exist.
	t.Setenv("ISH_CONFIG", "")
	if got := resolveConfigPath(""); got != "" {
		t.Errorf("no file: got %q, want empty", got)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// TestRun_ServesAndShutsDown runs the whole process with history enabled and
// MQTT and InfluxDB disabled.
func TestRun_ServesAndShutsDown(t *testing.T) {
	tmpDir := t.TempDir()
	port := freePort(t)

	content := fmt.Sprintf(`
api:
  host: "127.0.0.1"
  port: %d
database:
  enabled: true
  path: %q
logging:
  level: error
security:
  tokens:
    - token: "good"
      principal: "tester"
`, port, filepath.Join(tmpDir, "ish.db"))

	configPath := filepath.Join(tmpDir, "ish.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, []string{"-config", configPath}) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/health", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url) //nolint:gosec,noctx // test-only local URL
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		select {
		case err := <-done:
			t.Fatalf("run() returned early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("server did not become healthy")
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "ish.db")); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}
