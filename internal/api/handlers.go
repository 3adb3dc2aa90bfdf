// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/lenssync/internal/auth"
	"github.com/tomtom215/lenssync/internal/lenses"
	"github.com/tomtom215/lenssync/internal/logging"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Connected       bool                 `json:"connected"`
	PendingRequests int                  `json:"pendingRequests"`
	Pending         []PendingRequest     `json:"pending"`
	Session         SessionStatus        `json:"session"`
	Mirror          *MirrorStatus        `json:"mirror,omitempty"`
	Stores          []lenses.StoreStatus `json:"stores"`
	UptimeSeconds   float64              `json:"uptimeSeconds"`
}

// PendingRequest is one request awaiting its response.
type PendingRequest struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	AgeSeconds float64 `json:"ageSeconds"`
}

// SessionStatus describes the stored session token. Subject and ExpiresAt
// are only known for JWTs.
type SessionStatus struct {
	TokenPresent bool       `json:"tokenPresent"`
	Subject      string     `json:"subject,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Expired      bool       `json:"expired"`
}

// MirrorStatus describes the local mirror.
type MirrorStatus struct {
	Version     int      `json:"version"`
	Collections []string `json:"collections"`
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the sync channel is connected.
func (h *Handler) Ready(w http.ResponseWriter, _ *http.Request) {
	if !h.channel.Connected() {
		respondError(w, http.StatusServiceUnavailable, "NOT_CONNECTED", "Sync channel is not connected")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Status reports connection, session, mirror and store state.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	now := h.now()

	entries := h.channel.Registry().Pending()
	pending := make([]PendingRequest, len(entries))
	for i, e := range entries {
		pending[i] = PendingRequest{ID: e.ID, Name: e.Name, AgeSeconds: e.Age(now).Seconds()}
	}

	session, err := h.sessionStatus(r, now)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Reading session token failed")
		respondError(w, http.StatusInternalServerError, "SESSION_UNAVAILABLE", "Session token could not be read")
		return
	}

	resp := StatusResponse{
		Connected:       h.channel.Connected(),
		PendingRequests: len(pending),
		Pending:         pending,
		Session:         session,
		Stores:          h.stores.Status(),
		UptimeSeconds:   now.Sub(h.started).Seconds(),
	}
	if h.mirror != nil {
		resp.Mirror = &MirrorStatus{Version: h.mirror.Version(), Collections: h.mirror.Collections()}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) sessionStatus(r *http.Request, now time.Time) (SessionStatus, error) {
	info, err := h.session.Session(r.Context())
	switch {
	case errors.Is(err, auth.ErrNoToken):
		return SessionStatus{}, nil
	case errors.Is(err, auth.ErrOpaqueToken):
		return SessionStatus{TokenPresent: true}, nil
	case err != nil:
		return SessionStatus{}, err
	}

	st := SessionStatus{TokenPresent: true, Subject: info.Subject, Expired: info.Expired(now)}
	if !info.ExpiresAt.IsZero() {
		exp := info.ExpiresAt
		st.ExpiresAt = &exp
	}
	return st, nil
}

// Refetch triggers a refetch of the query named in the path.
func (h *Handler) Refetch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	id, err := h.stores.Refetch(r.Context(), name)
	if errors.Is(err, lenses.ErrUnknownQuery) {
		respondError(w, http.StatusNotFound, "UNKNOWN_QUERY", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "REFETCH_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"name": name, "requestId": id, "sent": id != ""})
}
