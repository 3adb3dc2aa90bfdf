// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order. The
// first file found is used.
var DefaultConfigPaths = []string{
	"lenssync.yaml",
	"lenssync.yml",
	"/etc/lenssync/config.yaml",
	"/etc/lenssync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Channel: ChannelConfig{
			URL:              "ws://localhost:6969/ws",
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			ReadTimeout:      60 * time.Second,
			PingInterval:     25 * time.Second,
			ReadLimit:        4 << 20,
			ReconnectMin:     time.Second,
			ReconnectMax:     32 * time.Second,
			ReconnectRate:    1,
			ReconnectBurst:   3,
			BreakerFailures:  5,
			BreakerTimeout:   30 * time.Second,
		},
		Registry: RegistryConfig{
			StaleAfter: 60 * time.Second,
		},
		Mirror: MirrorConfig{
			Path:        "./data/mirror",
			Compression: true,
		},
		Auth: AuthConfig{
			TokenKey: "sessionToken",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		API: APIConfig{
			Enabled:           true,
			Addr:              "127.0.0.1:9469",
			RateLimitRequests: 60,
			RateLimitWindow:   time.Minute,
			ShutdownTimeout:   5 * time.Second,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// Load reads configuration from defaults, the config file and the
// environment, in that order of increasing priority, and validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns CONFIG_PATH if it exists, else the first existing
// default path, else "".
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated env values.
var sliceConfigPaths = []string{
	"channel.subprotocols",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		parts := strings.Split(s, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps lowercased environment variable names to config paths.
var envMappings = map[string]string{
	"lenssync_url":               "channel.url",
	"lenssync_subprotocols":      "channel.subprotocols",
	"lenssync_handshake_timeout": "channel.handshake_timeout",
	"lenssync_write_timeout":     "channel.write_timeout",
	"lenssync_read_timeout":      "channel.read_timeout",
	"lenssync_ping_interval":     "channel.ping_interval",
	"lenssync_read_limit":        "channel.read_limit",
	"lenssync_reconnect_min":     "channel.reconnect_min",
	"lenssync_reconnect_max":     "channel.reconnect_max",
	"lenssync_reconnect_rate":    "channel.reconnect_rate",
	"lenssync_reconnect_burst":   "channel.reconnect_burst",
	"lenssync_breaker_failures":  "channel.breaker_failures",
	"lenssync_breaker_timeout":   "channel.breaker_timeout",

	"lenssync_stale_after":    "registry.stale_after",
	"lenssync_sweep_interval": "registry.sweep_interval",

	"mirror_path":        "mirror.path",
	"mirror_in_memory":   "mirror.in_memory",
	"mirror_sync_writes": "mirror.sync_writes",
	"mirror_compression": "mirror.compression",

	"session_token_key": "auth.token_key",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"api_enabled":             "api.enabled",
	"api_addr":                "api.addr",
	"api_rate_limit_requests": "api.rate_limit_requests",
	"api_rate_limit_window":   "api.rate_limit_window",
	"api_shutdown_timeout":    "api.shutdown_timeout",

	"supervisor_failure_threshold": "supervisor.failure_threshold",
	"supervisor_failure_decay":     "supervisor.failure_decay",
	"supervisor_failure_backoff":   "supervisor.failure_backoff",
	"supervisor_shutdown_timeout":  "supervisor.shutdown_timeout",
}

// envTransformFunc maps an environment variable to its config path.
// Unmapped variables return "" and are skipped, so unrelated environment
// does not leak into the config.
//
// Examples:
//   - LENSSYNC_URL -> channel.url
//   - LOG_LEVEL -> logging.level
//   - MIRROR_PATH -> mirror.path
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
