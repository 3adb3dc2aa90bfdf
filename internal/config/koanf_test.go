// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Channel.URL != "ws://localhost:6969/ws" {
		t.Errorf("Channel.URL = %q, want ws://localhost:6969/ws", cfg.Channel.URL)
	}
	if cfg.Channel.ReconnectMin != time.Second || cfg.Channel.ReconnectMax != 32*time.Second {
		t.Errorf("Channel reconnect = %v..%v, want 1s..32s", cfg.Channel.ReconnectMin, cfg.Channel.ReconnectMax)
	}
	if cfg.Channel.PingInterval >= cfg.Channel.ReadTimeout {
		t.Errorf("Channel.PingInterval %v not below ReadTimeout %v", cfg.Channel.PingInterval, cfg.Channel.ReadTimeout)
	}
	if cfg.Registry.StaleAfter != 60*time.Second {
		t.Errorf("Registry.StaleAfter = %v, want 60s", cfg.Registry.StaleAfter)
	}
	if !cfg.Mirror.Compression {
		t.Error("Mirror.Compression should be true by default")
	}
	if cfg.Auth.TokenKey != "sessionToken" {
		t.Errorf("Auth.TokenKey = %q, want sessionToken", cfg.Auth.TokenKey)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want info/json", cfg.Logging)
	}
	if !cfg.API.Enabled || cfg.API.Addr != "127.0.0.1:9469" {
		t.Errorf("API = %+v", cfg.API)
	}
	if cfg.Supervisor.FailureThreshold != 5 || cfg.Supervisor.FailureBackoff != 15*time.Second {
		t.Errorf("Supervisor = %+v", cfg.Supervisor)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig().Validate() = %v", err)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"LENSSYNC_URL", "channel.url"},
		{"lenssync_url", "channel.url"},
		{"LENSSYNC_STALE_AFTER", "registry.stale_after"},
		{"MIRROR_PATH", "mirror.path"},
		{"SESSION_TOKEN_KEY", "auth.token_key"},
		{"LOG_LEVEL", "logging.level"},
		{"API_ADDR", "api.addr"},
		{"SUPERVISOR_FAILURE_BACKOFF", "supervisor.failure_backoff"},
		{"HOME", ""},
		{"PATH", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := envTransformFunc(tt.input); got != tt.expected {
				t.Errorf("envTransformFunc(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestEnvMappingsTargetKnownPaths(t *testing.T) {
	known := map[string]bool{}
	var walk func(prefix string, typ reflect.Type)
	walk = func(prefix string, typ reflect.Type) {
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			path := f.Tag.Get("koanf")
			if prefix != "" {
				path = prefix + "." + path
			}
			if f.Type.Kind() == reflect.Struct {
				walk(path, f.Type)
				continue
			}
			known[path] = true
		}
	}
	walk("", reflect.TypeOf(Config{}))

	for env, path := range envMappings {
		if !known[path] {
			t.Errorf("env %s maps to unknown path %q", env, path)
		}
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	t.Run("none", func(t *testing.T) {
		t.Setenv(ConfigPathEnvVar, "")
		if got := findConfigFile(); got != "" {
			t.Errorf("findConfigFile() = %q, want empty", got)
		}
	})

	t.Run("default path", func(t *testing.T) {
		if err := os.WriteFile("lenssync.yaml", []byte("logging: {}\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		defer os.Remove("lenssync.yaml")
		t.Setenv(ConfigPathEnvVar, "")
		if got := findConfigFile(); got != "lenssync.yaml" {
			t.Errorf("findConfigFile() = %q, want lenssync.yaml", got)
		}
	})

	t.Run("CONFIG_PATH wins", func(t *testing.T) {
		custom := filepath.Join(dir, "custom.yaml")
		if err := os.WriteFile(custom, []byte("logging: {}\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv(ConfigPathEnvVar, custom)
		if got := findConfigFile(); got != custom {
			t.Errorf("findConfigFile() = %q, want %q", got, custom)
		}
	})

	t.Run("missing CONFIG_PATH falls back", func(t *testing.T) {
		t.Setenv(ConfigPathEnvVar, filepath.Join(dir, "missing.yaml"))
		if got := findConfigFile(); got != "" {
			t.Errorf("findConfigFile() = %q, want empty", got)
		}
	})
}

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lenssync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "none.yaml"))
	t.Setenv("LENSSYNC_URL", "wss://sync.example.com/ws")
	t.Setenv("LENSSYNC_SUBPROTOCOLS", "lens.v1, lens.v0")
	t.Setenv("LENSSYNC_STALE_AFTER", "2m")
	t.Setenv("LENSSYNC_RECONNECT_RATE", "0.5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MIRROR_IN_MEMORY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channel.URL != "wss://sync.example.com/ws" {
		t.Errorf("Channel.URL = %q", cfg.Channel.URL)
	}
	if want := []string{"lens.v1", "lens.v0"}; !reflect.DeepEqual(cfg.Channel.Subprotocols, want) {
		t.Errorf("Channel.Subprotocols = %v, want %v", cfg.Channel.Subprotocols, want)
	}
	if cfg.Registry.StaleAfter != 2*time.Minute {
		t.Errorf("Registry.StaleAfter = %v, want 2m", cfg.Registry.StaleAfter)
	}
	if cfg.Channel.ReconnectRate != 0.5 {
		t.Errorf("Channel.ReconnectRate = %v, want 0.5", cfg.Channel.ReconnectRate)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if !cfg.Mirror.InMemory {
		t.Error("Mirror.InMemory = false, want true")
	}
	if cfg.Channel.ReconnectMax != 32*time.Second {
		t.Errorf("Channel.ReconnectMax = %v, want default 32s", cfg.Channel.ReconnectMax)
	}
}

func TestLoadFile(t *testing.T) {
	writeConfig(t, `
channel:
  url: wss://file.example.com/ws
  subprotocols: [lens.v2]
  ping_interval: 10s
registry:
  stale_after: 30s
  sweep_interval: 5s
logging:
  format: console
api:
  enabled: false
`)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channel.URL != "wss://file.example.com/ws" {
		t.Errorf("Channel.URL = %q", cfg.Channel.URL)
	}
	if want := []string{"lens.v2"}; !reflect.DeepEqual(cfg.Channel.Subprotocols, want) {
		t.Errorf("Channel.Subprotocols = %v, want %v", cfg.Channel.Subprotocols, want)
	}
	if cfg.Channel.PingInterval != 10*time.Second {
		t.Errorf("Channel.PingInterval = %v, want 10s", cfg.Channel.PingInterval)
	}
	if cfg.Registry.SweepInterval != 5*time.Second {
		t.Errorf("Registry.SweepInterval = %v, want 5s", cfg.Registry.SweepInterval)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Logging.Format = %q, want console", cfg.Logging.Format)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, env should override to warn", cfg.Logging.Level)
	}
	if cfg.API.Enabled {
		t.Error("API.Enabled = true, want false")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		errMsg string
	}{
		{"http url", map[string]string{"LENSSYNC_URL": "http://example.com"}, "ws:// or wss://"},
		{"empty url", map[string]string{"LENSSYNC_URL": ""}, "URL is required"},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, "Level must be one of"},
		{"reconnect max below min", map[string]string{"LENSSYNC_RECONNECT_MIN": "10s", "LENSSYNC_RECONNECT_MAX": "5s"}, "ReconnectMax"},
		{"ping after read timeout", map[string]string{"LENSSYNC_PING_INTERVAL": "90s"}, "ping_interval"},
		{"sweep longer than stale", map[string]string{"LENSSYNC_SWEEP_INTERVAL": "5m"}, "sweep_interval"},
		{"mirror path", map[string]string{"MIRROR_PATH": ""}, "Path is required unless"},
		{"api addr", map[string]string{"API_ADDR": "nohost"}, "host:port"},
		{"api enabled without addr", map[string]string{"API_ADDR": ""}, "api.addr is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "none.yaml"))
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() = nil, want error containing %q", tt.errMsg)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tt.errMsg)
			}
		})
	}
}
