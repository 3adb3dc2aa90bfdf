// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Package auth holds the process-wide session credential and tells
// interested stores when it changes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomtom215/lenssync/internal/logging"
	"github.com/tomtom215/lenssync/internal/metrics"
)

// DefaultTokenKey is the credential store key for the session token.
const DefaultTokenKey = "sessionToken"

// ErrNoToken is returned when an operation needs a session token and none
// is stored.
var ErrNoToken = errors.New("auth: no session token")

// CredentialStore persists small string values. mirror.Mirror implements it.
type CredentialStore interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string) error
	RemoveValue(ctx context.Context, key string) error
}

// Listener receives the new token. An empty token means logout.
type Listener func(token string)

type listener struct {
	id uint64
	fn Listener
}

// Broadcaster reads and writes the session token and notifies listeners.
// The credential store is the only source of truth; nothing is cached.
type Broadcaster struct {
	store CredentialStore
	key   string
	log   zerolog.Logger

	mu        sync.Mutex
	nextID    uint64
	listeners []listener
}

// NewBroadcaster creates a broadcaster over store. key defaults to
// DefaultTokenKey.
func NewBroadcaster(store CredentialStore, key string) *Broadcaster {
	if key == "" {
		key = DefaultTokenKey
	}
	return &Broadcaster{
		store: store,
		key:   key,
		log:   logging.WithComponent("auth"),
	}
}

// Get returns the stored token, or "" when there is none.
func (b *Broadcaster) Get(ctx context.Context) (string, error) {
	token, _, err := b.store.GetValue(ctx, b.key)
	if err != nil {
		return "", fmt.Errorf("read session token: %w", err)
	}
	return token, nil
}

// Require is Get that reports ErrNoToken instead of "".
func (b *Broadcaster) Require(ctx context.Context) (string, error) {
	token, err := b.Get(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Set persists token and then notifies listeners in subscription order.
// Setting "" is the same as Clear.
func (b *Broadcaster) Set(ctx context.Context, token string) error {
	if token == "" {
		return b.Clear(ctx)
	}
	if err := b.store.SetValue(ctx, b.key, token); err != nil {
		return fmt.Errorf("store session token: %w", err)
	}
	metrics.RecordTokenChange(token)
	b.log.Info().Msg("Session token updated")
	b.notify(token)
	return nil
}

// Clear removes the token and notifies listeners with "".
func (b *Broadcaster) Clear(ctx context.Context) error {
	if err := b.store.RemoveValue(ctx, b.key); err != nil {
		return fmt.Errorf("remove session token: %w", err)
	}
	metrics.RecordTokenChange("")
	b.log.Info().Msg("Session token cleared")
	b.notify("")
	return nil
}

// Subscribe adds fn and returns a function that removes it.
func (b *Broadcaster) Subscribe(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// notify runs listeners without holding the lock, so a listener may call
// Set and its nested notification completes before the outer one resumes.
func (b *Broadcaster) notify(token string) {
	b.mu.Lock()
	snapshot := make([]listener, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()

	for _, l := range snapshot {
		l.fn(token)
	}
}

// MemoryStore is a CredentialStore kept in memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// GetValue implements CredentialStore.
func (s *MemoryStore) GetValue(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// SetValue implements CredentialStore.
func (s *MemoryStore) SetValue(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// RemoveValue implements CredentialStore.
func (s *MemoryStore) RemoveValue(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
