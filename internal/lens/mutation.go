// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package lens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/lenssync/internal/channel"
	"github.com/tomtom215/lenssync/internal/envelope"
	"github.com/tomtom215/lenssync/internal/logging"
	"github.com/tomtom215/lenssync/internal/metrics"
)

// MutationConfig describes one mutation kind.
type MutationConfig[P any] struct {
	// Name is the kind name on the wire.
	Name string

	// Params are the initial parameters. Reset restores them.
	Params P

	// OnSuccess runs after an error-free matching response, with no store
	// lock held.
	OnSuccess func(data json.RawMessage, m *Mutation[P])
}

// Mutation sends one kind of command and keeps its latest response.
type Mutation[P any] struct {
	cfg   MutationConfig[P]
	ch    Channel
	creds Credentials
	log   zerolog.Logger

	mu            sync.Mutex
	params        P
	waitingID     string
	lastResponse  *envelope.Envelope
	lastFetchedAt time.Time
	token         string

	unsubs   unsubscribers
	onChange hooks
}

// NewMutation creates a mutation store and declares its kind on ch.
// Call Init before use.
func NewMutation[P any](ch Channel, creds Credentials, cfg MutationConfig[P]) *Mutation[P] {
	ch.Declare(cfg.Name, envelope.KindMutation)
	return &Mutation[P]{
		cfg:    cfg,
		ch:     ch,
		creds:  creds,
		log:    logging.WithStore("mutation", cfg.Name),
		params: cfg.Params,
	}
}

// Name returns the kind name.
func (m *Mutation[P]) Name() string { return m.cfg.Name }

// Init loads the current token and subscribes to token changes and to
// responses for this kind. A token change does not resend anything.
func (m *Mutation[P]) Init(ctx context.Context) error {
	token, err := m.creds.Get(ctx)
	if err != nil {
		return fmt.Errorf("init %s: %w", m.cfg.Name, err)
	}
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()

	m.unsubs = append(m.unsubs,
		m.creds.Subscribe(func(tok string) {
			m.mu.Lock()
			m.token = tok
			m.mu.Unlock()
		}),
		m.ch.Subscribe(channel.ResponseTopic(m.cfg.Name), m.onResponse),
	)
	return nil
}

// RequestMainDB sends the current params and tracks the new request id,
// replacing any request still in flight. It returns the id, or "" when the
// request could not be built or the channel is closed.
func (m *Mutation[P]) RequestMainDB() string {
	m.mu.Lock()
	params := m.params
	token := m.token
	m.mu.Unlock()

	env, err := envelope.New(m.cfg.Name, envelope.MutationRequest{Kind: m.cfg.Name, Params: params}, token)
	if err != nil {
		m.log.Error().Err(err).Msg("Building mutation request failed")
		return ""
	}

	m.mu.Lock()
	superseded := m.waitingID != ""
	prev := m.waitingID
	m.waitingID = env.ID
	m.mu.Unlock()

	metrics.RecordStoreRequest("mutation", m.cfg.Name, superseded)
	if superseded {
		m.log.Debug().Str("request_id", env.ID).Str("superseded", prev).Msg("Request superseded")
	}

	if err := m.ch.Dispatch(env); err != nil {
		m.mu.Lock()
		if m.waitingID == env.ID {
			m.waitingID = ""
		}
		m.mu.Unlock()
		m.log.Warn().Err(err).Str("request_id", env.ID).Msg("Dispatch failed")
		return ""
	}
	m.onChange.fire()
	return env.ID
}

func (m *Mutation[P]) onResponse(d channel.Delivery) {
	env := d.Envelope
	if env == nil || env.Name != m.cfg.Name {
		return
	}

	m.mu.Lock()
	if m.waitingID == "" || env.ResponseForID != m.waitingID {
		m.mu.Unlock()
		m.log.Debug().Str("response_for_id", env.ResponseForID).Msg("Ignoring response for another request")
		return
	}
	m.waitingID = ""
	m.lastResponse = env
	m.lastFetchedAt = time.Now()
	m.mu.Unlock()

	if !env.OK() {
		metrics.RecordStoreResponse("mutation", m.cfg.Name, "error")
		m.log.Info().Str("response_for_id", env.ResponseForID).Str("error", string(env.Errors[0].Name)).Msg("Mutation failed")
		m.onChange.fire()
		return
	}

	metrics.RecordStoreResponse("mutation", m.cfg.Name, "ok")
	m.onChange.fire()
	if m.cfg.OnSuccess != nil {
		m.cfg.OnSuccess(env.Data, m)
	}
}

// MemParams returns the params the next request will carry.
func (m *Mutation[P]) MemParams() P {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

// SetMemParams replaces the params. Nothing is sent.
func (m *Mutation[P]) SetMemParams(p P) {
	m.mu.Lock()
	m.params = p
	m.mu.Unlock()
	m.onChange.fire()
}

// WaitingRequestID returns the id of the tracked request, or "".
func (m *Mutation[P]) WaitingRequestID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitingID
}

// Pending reports whether a request is in flight.
func (m *Mutation[P]) Pending() bool {
	return m.WaitingRequestID() != ""
}

// LastResponse returns the last accepted response, or nil.
func (m *Mutation[P]) LastResponse() *envelope.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResponse
}

// LastFetchedAt returns when the last response was accepted.
func (m *Mutation[P]) LastFetchedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFetchedAt
}

// AuthToken returns the token the next request will carry.
func (m *Mutation[P]) AuthToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// OnChange registers fn to run after any state change.
func (m *Mutation[P]) OnChange(fn func()) (remove func()) {
	return m.onChange.add(fn)
}

// Reset restores the initial params and forgets the request history.
func (m *Mutation[P]) Reset() {
	m.mu.Lock()
	m.params = m.cfg.Params
	m.waitingID = ""
	m.lastResponse = nil
	m.lastFetchedAt = time.Time{}
	m.mu.Unlock()
	m.onChange.fire()
}

// Close drops the store's subscriptions.
func (m *Mutation[P]) Close() {
	m.unsubs.run()
}
