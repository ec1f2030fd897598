// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
api:
  base_url: "http://localhost:4000/api"
  request_timeout: "15s"

realtime:
  url: "ws://localhost:4000/ws"
  reconnect_initial: "500ms"
  reconnect_max: "20s"
  ping_interval: "25s"
  dedupe_ttl: "1m"
  dedupe_size: 50

session:
  path: "/tmp/aura-session.json"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.BaseURL != "http://localhost:4000/api" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.API.RequestTimeout != 15*time.Second {
		t.Errorf("API.RequestTimeout = %v, want %v", cfg.API.RequestTimeout, 15*time.Second)
	}
	if cfg.Realtime.URL != "ws://localhost:4000/ws" {
		t.Errorf("Realtime.URL = %q", cfg.Realtime.URL)
	}
	if cfg.Realtime.ReconnectInitial != 500*time.Millisecond {
		t.Errorf("Realtime.ReconnectInitial = %v", cfg.Realtime.ReconnectInitial)
	}
	if cfg.Realtime.ReconnectMax != 20*time.Second {
		t.Errorf("Realtime.ReconnectMax = %v", cfg.Realtime.ReconnectMax)
	}
	if cfg.Realtime.PingInterval != 25*time.Second {
		t.Errorf("Realtime.PingInterval = %v", cfg.Realtime.PingInterval)
	}
	if cfg.Realtime.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("Realtime.WriteTimeout = %v, want default %v", cfg.Realtime.WriteTimeout, DefaultWriteTimeout)
	}
	if cfg.Realtime.DedupeTTL != time.Minute {
		t.Errorf("Realtime.DedupeTTL = %v", cfg.Realtime.DedupeTTL)
	}
	if cfg.Realtime.DedupeSize != 50 {
		t.Errorf("Realtime.DedupeSize = %d", cfg.Realtime.DedupeSize)
	}
	if cfg.Session.Path != "/tmp/aura-session.json" {
		t.Errorf("Session.Path = %q", cfg.Session.Path)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[api]
base_url = "https://chat.example.com/api"

[realtime]
url = "wss://chat.example.com/ws"
reconnect_max = "45s"

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.BaseURL != "https://chat.example.com/api" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.Realtime.ReconnectMax != 45*time.Second {
		t.Errorf("Realtime.ReconnectMax = %v", cfg.Realtime.ReconnectMax)
	}
	if cfg.Realtime.ReconnectInitial != DefaultReconnectInitial {
		t.Errorf("Realtime.ReconnectInitial = %v, want default", cfg.Realtime.ReconnectInitial)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
api:
  base_url: "http://localhost:4000/api"
realtime:
  url: "ws://localhost:4000/ws"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.RequestTimeout != 0 {
		t.Errorf("API.RequestTimeout = %v, want 0 (no timeout)", cfg.API.RequestTimeout)
	}
	if cfg.Realtime.ReconnectInitial != time.Second || cfg.Realtime.ReconnectMax != 30*time.Second {
		t.Errorf("reconnect defaults = %v/%v", cfg.Realtime.ReconnectInitial, cfg.Realtime.ReconnectMax)
	}
	if cfg.Realtime.DedupeSize != DefaultDedupeSize {
		t.Errorf("Realtime.DedupeSize = %d", cfg.Realtime.DedupeSize)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("AURA_TEST_HOST", "chat.internal")

	path := writeConfig(t, "config.yaml", `
api:
  base_url: "https://${AURA_TEST_HOST}/api"
realtime:
  url: "wss://${AURA_TEST_HOST}/ws"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.BaseURL != "https://chat.internal/api" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.Realtime.URL != "wss://chat.internal/ws" {
		t.Errorf("Realtime.URL = %q", cfg.Realtime.URL)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing base url",
			content: "realtime:\n  url: \"ws://x/ws\"\n",
			wantErr: "api.base_url is required",
		},
		{
			name:    "missing realtime url",
			content: "api:\n  base_url: \"http://x/api\"\n",
			wantErr: "realtime.url is required",
		},
		{
			name:    "wrong api scheme",
			content: "api:\n  base_url: \"ftp://x/api\"\nrealtime:\n  url: \"ws://x/ws\"\n",
			wantErr: "api.base_url must use http or https scheme",
		},
		{
			name:    "wrong realtime scheme",
			content: "api:\n  base_url: \"http://x/api\"\nrealtime:\n  url: \"http://x/ws\"\n",
			wantErr: "realtime.url must use ws or wss scheme",
		},
		{
			name:    "max below initial",
			content: "api:\n  base_url: \"http://x/api\"\nrealtime:\n  url: \"ws://x/ws\"\n  reconnect_initial: \"10s\"\n  reconnect_max: \"5s\"\n",
			wantErr: "reconnect_max",
		},
		{
			name:    "bad log format",
			content: "api:\n  base_url: \"http://x/api\"\nrealtime:\n  url: \"ws://x/ws\"\nlogging:\n  format: \"xml\"\n",
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
api:
  base_url: "http://localhost/api"
realtime:
  url: "ws://localhost/ws"
  ping_interval: "often"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "ping_interval") {
		t.Errorf("error = %q, want it to mention ping_interval", err.Error())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLocate(t *testing.T) {
	if got, err := Locate("/explicit.yaml"); err != nil || got != "/explicit.yaml" {
		t.Errorf("Locate(explicit) = %q, %v", got, err)
	}

	t.Setenv("AURA_CONFIG", "/from-env.yaml")
	if got, err := Locate(""); err != nil || got != "/from-env.yaml" {
		t.Errorf("Locate(env) = %q, %v", got, err)
	}

	t.Setenv("AURA_CONFIG", "")
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Chdir(t.TempDir())

	if _, err := Locate(""); err == nil {
		t.Error("Locate() expected error when nothing exists")
	}

	want := filepath.Join(xdg, "aura", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(want), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(want, []byte("api: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := Locate(""); err != nil || got != want {
		t.Errorf("Locate(xdg) = %q, %v, want %q", got, err, want)
	}
}
