package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/GetStream/duochat/chat"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("Could not write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":8080")
	}
	if cfg.Store.Driver != "memory" || cfg.Objects.Driver != "memory" {
		t.Errorf("Drivers = %q/%q, want memory/memory", cfg.Store.Driver, cfg.Objects.Driver)
	}
	if cfg.MinBackoff != 250*time.Millisecond || cfg.MaxBackoff != 10*time.Second {
		t.Errorf("Backoff = %v..%v, want 250ms..10s", cfg.MinBackoff, cfg.MaxBackoff)
	}
	if cfg.LogLevel() != slog.LevelInfo {
		t.Errorf("LogLevel() = %v, want info", cfg.LogLevel())
	}
}

func TestLoad_File(t *testing.T) {
	p := writeConfig(t, `
http:
  addr: ":9000"
log:
  level: debug
objects:
  max_bytes: 1024
users:
  - id: alice
    name: Alice
    email: alice@example.com
  - id: bob
    name: Bob
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":9000")
	}
	if cfg.Objects.MaxBytes != 1024 {
		t.Errorf("Objects.MaxBytes = %d, want 1024", cfg.Objects.MaxBytes)
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("LogLevel() = %v, want debug", cfg.LogLevel())
	}
	want := []chat.Profile{
		{ID: "alice", Name: "Alice", Email: "alice@example.com"},
		{ID: "bob", Name: "Bob"},
	}
	if diff := cmp.Diff(want, cfg.Profiles()); diff != "" {
		t.Errorf("Profiles() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("DUOCHAT_HTTP_ADDR", ":7000")
	t.Setenv("DUOCHAT_STORE_RESYNC_SECONDS", "5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Addr != ":7000" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":7000")
	}
	if cfg.Resync != 5*time.Second {
		t.Errorf("Resync = %v, want 5s", cfg.Resync)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "UnknownStore",
			body: "store:\n  driver: mongo\n",
		},
		{
			name: "PostgresWithoutDSN",
			body: "store:\n  driver: postgres\n",
		},
		{
			name: "S3WithoutBucket",
			body: "objects:\n  driver: s3\n",
		},
		{
			name: "UserWithoutID",
			body: "users:\n  - name: Nobody\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}
