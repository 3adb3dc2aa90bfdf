// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Command lenssync runs the client synchronization engine: it keeps a
// WebSocket connection to the sync server, serves the domain query and
// mutation stores, mirrors their data to Badger and exposes a local status
// server.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/lenssync/internal/config"
	"github.com/tomtom215/lenssync/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})
	logging.Info().
		Str("url", cfg.Channel.URL).
		Str("mirror", cfg.Mirror.Path).
		Bool("mirror_in_memory", cfg.Mirror.InMemory).
		Bool("api", cfg.API.Enabled).
		Msg("Starting lenssync")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to start")
	}
	defer a.close()

	if a.server != nil {
		logging.Info().Str("addr", a.server.Addr).Msg("Status server enabled")
	}

	if err := a.tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	if unstopped, _ := a.tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}
	logging.Info().Msg("Lenssync stopped")
}
