// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Package config loads lenssync configuration.
//
// Loading order (later layers win):
//  1. Defaults from defaultConfig
//  2. An optional YAML file, found through CONFIG_PATH or DefaultConfigPaths
//  3. Environment variables listed in envTransformFunc
//
// Example config.yaml:
//
//	channel:
//	  url: wss://sync.example.com/ws
//	  ping_interval: 20s
//	registry:
//	  stale_after: 1m
//	mirror:
//	  path: /var/lib/lenssync
//	api:
//	  enabled: true
//	  addr: 127.0.0.1:9469
package config

import "time"

// Config holds all lenssync configuration.
type Config struct {
	Channel    ChannelConfig    `koanf:"channel"`
	Registry   RegistryConfig   `koanf:"registry"`
	Mirror     MirrorConfig     `koanf:"mirror"`
	Auth       AuthConfig       `koanf:"auth"`
	Logging    LoggingConfig    `koanf:"logging"`
	API        APIConfig        `koanf:"api"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

// ChannelConfig configures the connection to the sync server.
type ChannelConfig struct {
	// URL is the WebSocket endpoint.
	// Default: ws://localhost:6969/ws
	URL string `koanf:"url" validate:"required,wsurl"`

	// Subprotocols are offered during the handshake.
	Subprotocols []string `koanf:"subprotocols"`

	// HandshakeTimeout bounds the opening handshake.
	// Default: 10s
	HandshakeTimeout time.Duration `koanf:"handshake_timeout" validate:"gt=0"`

	// WriteTimeout bounds a single frame write.
	// Default: 10s
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`

	// ReadTimeout is the read deadline; pongs extend it. Zero disables it.
	// Default: 60s
	ReadTimeout time.Duration `koanf:"read_timeout" validate:"gte=0"`

	// PingInterval is the keep-alive period. Zero disables pings. Must be
	// shorter than ReadTimeout when both are set.
	// Default: 25s
	PingInterval time.Duration `koanf:"ping_interval" validate:"gte=0"`

	// ReadLimit caps inbound frames in bytes.
	// Default: 4MB
	ReadLimit int64 `koanf:"read_limit" validate:"gt=0"`

	// ReconnectMin and ReconnectMax bound the exponential retry delay.
	// Default: 1s and 32s
	ReconnectMin time.Duration `koanf:"reconnect_min" validate:"gt=0"`
	ReconnectMax time.Duration `koanf:"reconnect_max" validate:"gtefield=ReconnectMin"`

	// ReconnectRate caps dial attempts per second; ReconnectBurst allows
	// short bursts above it.
	// Default: 1 and 3
	ReconnectRate  float64 `koanf:"reconnect_rate" validate:"gt=0"`
	ReconnectBurst int     `koanf:"reconnect_burst" validate:"gte=1"`

	// BreakerFailures consecutive dial failures open the circuit for
	// BreakerTimeout.
	// Default: 5 and 30s
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// RegistryConfig configures pending-request expiry.
type RegistryConfig struct {
	// StaleAfter fails requests that got no response within this window
	// with a Timeout error. Zero disables expiry.
	// Default: 60s
	StaleAfter time.Duration `koanf:"stale_after" validate:"gte=0"`

	// SweepInterval is how often expiry runs. Zero means StaleAfter/4.
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gte=0"`
}

// MirrorConfig configures the local Badger mirror.
type MirrorConfig struct {
	// Path is the Badger directory. Required unless InMemory.
	// Default: ./data/mirror
	Path string `koanf:"path" validate:"required_unless=InMemory true"`

	// InMemory keeps the mirror in memory only.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites fsyncs every write.
	SyncWrites bool `koanf:"sync_writes"`

	// Compression enables Snappy block compression.
	// Default: true
	Compression bool `koanf:"compression"`
}

// AuthConfig configures the session token store.
type AuthConfig struct {
	// TokenKey is the mirror key the session token is stored under.
	// Default: sessionToken
	TokenKey string `koanf:"token_key" validate:"required"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	// Level is the minimum level.
	// Default: info
	Level string `koanf:"level" validate:"oneof=trace debug info warn error"`

	// Format is json or console.
	// Default: json
	Format string `koanf:"format" validate:"oneof=json console"`

	// Caller adds file and line to each entry.
	Caller bool `koanf:"caller"`
}

// APIConfig configures the local status server.
type APIConfig struct {
	// Enabled starts the status server.
	// Default: true
	Enabled bool `koanf:"enabled"`

	// Addr is the listen address.
	// Default: 127.0.0.1:9469
	Addr string `koanf:"addr" validate:"omitempty,hostname_port"`

	// RateLimitRequests per RateLimitWindow are allowed per client IP. Zero
	// disables rate limiting.
	// Default: 60 per 1m
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"gt=0"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 5s
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// SupervisorConfig configures the suture supervisor tree.
type SupervisorConfig struct {
	// FailureThreshold restarts within FailureDecay seconds trigger
	// FailureBackoff.
	// Default: 5, 30, 15s
	FailureThreshold float64       `koanf:"failure_threshold" validate:"gt=0"`
	FailureDecay     float64       `koanf:"failure_decay" validate:"gt=0"`
	FailureBackoff   time.Duration `koanf:"failure_backoff" validate:"gt=0"`

	// ShutdownTimeout is how long a service may take to stop.
	// Default: 10s
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}
