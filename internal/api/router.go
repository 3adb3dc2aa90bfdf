// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Package api serves the local status endpoints:
//
//	GET  /healthz                  liveness
//	GET  /readyz                   503 until the sync channel is connected
//	GET  /status                   connection, session, mirror and store state
//	POST /stores/{name}/refetch    refetch one query
//	GET  /metrics                  Prometheus
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/lenssync/internal/auth"
	"github.com/tomtom215/lenssync/internal/lenses"
	"github.com/tomtom215/lenssync/internal/registry"
)

// Channel is satisfied by *channel.Manager.
type Channel interface {
	Connected() bool
	Registry() *registry.Registry
}

// Session is satisfied by *auth.Broadcaster.
type Session interface {
	Session(ctx context.Context) (auth.TokenInfo, error)
}

// Mirror is satisfied by *mirror.Mirror.
type Mirror interface {
	Version() int
	Collections() []string
}

// Stores is satisfied by *lenses.Set.
type Stores interface {
	Status() []lenses.StoreStatus
	Refetch(ctx context.Context, name string) (string, error)
}

// Config configures the router.
type Config struct {
	// RateLimitRequests per RateLimitWindow are allowed per client IP.
	// Zero disables rate limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Handler holds the sources the endpoints report on. Mirror may be nil.
type Handler struct {
	channel Channel
	session Session
	mirror  Mirror
	stores  Stores
	started time.Time
	now     func() time.Time
}

// NewHandler creates a handler.
func NewHandler(ch Channel, session Session, mir Mirror, stores Stores) *Handler {
	return &Handler{
		channel: ch,
		session: session,
		mirror:  mir,
		stores:  stores,
		started: time.Now(),
		now:     time.Now,
	}
}

// NewRouter builds the chi router.
func NewRouter(cfg Config, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(requestLogging)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeaders)
	if cfg.RateLimitRequests > 0 {
		r.Use(httprate.Limit(
			cfg.RateLimitRequests,
			cfg.RateLimitWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
			}),
		))
	}

	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Get("/status", h.Status)
	r.Post("/stores/{name}/refetch", h.Refetch)
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})
	return r
}
