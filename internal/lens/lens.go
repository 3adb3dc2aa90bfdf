// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Package lens implements the client-side stores that issue requests over
// the sync channel and keep the latest answer.
//
// A Mutation sends a command and remembers its last response. A Query keeps
// an in-memory projection of server data, reissues its request when the
// session token appears or a mutation it depends on succeeds, and can be
// backed by the durable mirror.
//
// Every store tracks at most one outstanding request. Issuing a new one
// replaces the tracked id; a response is accepted only when its
// responseForId equals the tracked id at arrival.
package lens

import (
	"context"
	"sync"

	"github.com/tomtom215/lenssync/internal/auth"
	"github.com/tomtom215/lenssync/internal/channel"
	"github.com/tomtom215/lenssync/internal/envelope"
)

// Channel is the part of channel.Manager the stores use.
type Channel interface {
	Declare(name string, kind envelope.Kind)
	Dispatch(env *envelope.Envelope) error
	Subscribe(topic string, fn channel.Handler) (unsubscribe func())
}

// Credentials is the part of auth.Broadcaster the stores use.
type Credentials interface {
	Get(ctx context.Context) (string, error)
	Subscribe(fn auth.Listener) (unsubscribe func())
}

var (
	_ Channel     = (*channel.Manager)(nil)
	_ Credentials = (*auth.Broadcaster)(nil)
)

// hooks is a list of change callbacks.
type hooks struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func()
	order  []uint64
}

func (h *hooks) add(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fns == nil {
		h.fns = make(map[uint64]func())
	}
	h.nextID++
	id := h.nextID
	h.fns[id] = fn
	h.order = append(h.order, id)

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.fns, id)
	}
}

func (h *hooks) fire() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.fns))
	live := h.order[:0]
	for _, id := range h.order {
		if fn, ok := h.fns[id]; ok {
			fns = append(fns, fn)
			live = append(live, id)
		}
	}
	h.order = live
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// unsubscribers collects subscription cancel functions.
type unsubscribers []func()

func (u *unsubscribers) run() {
	for _, fn := range *u {
		fn()
	}
	*u = nil
}
