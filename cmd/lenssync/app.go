// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/lenssync/internal/api"
	"github.com/tomtom215/lenssync/internal/auth"
	"github.com/tomtom215/lenssync/internal/channel"
	"github.com/tomtom215/lenssync/internal/config"
	"github.com/tomtom215/lenssync/internal/lenses"
	"github.com/tomtom215/lenssync/internal/logging"
	"github.com/tomtom215/lenssync/internal/metrics"
	"github.com/tomtom215/lenssync/internal/mirror"
	"github.com/tomtom215/lenssync/internal/registry"
	"github.com/tomtom215/lenssync/internal/supervisor"
	"github.com/tomtom215/lenssync/internal/supervisor/services"
)

// app is the assembled engine.
type app struct {
	mirror  *mirror.Mirror
	creds   *auth.Broadcaster
	channel *channel.Manager
	stores  *lenses.Set
	tree    *supervisor.Tree
	server  *http.Server
}

// build wires every component from cfg. The caller must call close.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	mir, err := mirror.Open(mirror.Config{
		Path:        cfg.Mirror.Path,
		InMemory:    cfg.Mirror.InMemory,
		SyncWrites:  cfg.Mirror.SyncWrites,
		Compression: cfg.Mirror.Compression,
	}, lenses.Migrations())
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}

	a := &app{mirror: mir}
	a.creds = auth.NewBroadcaster(mir, cfg.Auth.TokenKey)
	a.channel = channel.New(channelOptions(cfg.Channel))
	a.stores = lenses.New(a.channel, a.creds, mir)
	if err := a.stores.Init(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("init stores: %w", err)
	}

	a.tree = supervisor.NewTree(slog.New(logging.NewSlogHandler()), supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	a.tree.AddTransportService(services.NewChannelService(a.channel))
	a.tree.AddMaintenanceService(channel.NewSweeper(a.channel, cfg.Registry.StaleAfter, cfg.Registry.SweepInterval))
	if !cfg.Mirror.InMemory {
		a.tree.AddMaintenanceService(services.NewMirrorGCService(mir, 0, 0))
	}

	if cfg.API.Enabled {
		handler := api.NewHandler(a.channel, a.creds, mir, a.stores)
		a.server = &http.Server{
			Addr: cfg.API.Addr,
			Handler: api.NewRouter(api.Config{
				RateLimitRequests: cfg.API.RateLimitRequests,
				RateLimitWindow:   cfg.API.RateLimitWindow,
			}, handler),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		a.tree.AddAPIService(services.NewHTTPServerService(a.server, cfg.API.ShutdownTimeout))
	}
	return a, nil
}

func channelOptions(c config.ChannelConfig) channel.Options {
	return channel.Options{
		URL: c.URL,
		Dialer: channel.NewWebSocketDialer(channel.DialerConfig{
			HandshakeTimeout: c.HandshakeTimeout,
			ReadLimit:        c.ReadLimit,
			PongWait:         c.ReadTimeout,
			BreakerFailures:  c.BreakerFailures,
			BreakerTimeout:   c.BreakerTimeout,
			Subprotocols:     c.Subprotocols,
		}),
		Registry:       registry.New(registry.WithGauge(metrics.SetPending)),
		WriteTimeout:   c.WriteTimeout,
		ReadTimeout:    c.ReadTimeout,
		PingInterval:   c.PingInterval,
		ReconnectMin:   c.ReconnectMin,
		ReconnectMax:   c.ReconnectMax,
		ReconnectRate:  rate.Limit(c.ReconnectRate),
		ReconnectBurst: c.ReconnectBurst,
	}
}

// close releases the stores, the channel and the mirror, in that order.
func (a *app) close() {
	if a.stores != nil {
		a.stores.Close()
	}
	if a.channel != nil {
		if err := a.channel.Close(); err != nil {
			logging.Warn().Err(err).Msg("Error closing channel")
		}
	}
	if err := a.mirror.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing mirror")
	}
}
