// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Package registry tracks outgoing request ids that are still waiting for a
// response on the sync channel.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Entry is one pending request.
type Entry struct {
	ID     string
	Name   string
	SentAt time.Time
}

// Age returns how long the entry has been pending at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.SentAt)
}

// Registry is a concurrency-safe set of pending entries keyed by id.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time

	// onChange receives the pending count after each change.
	onChange func(int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now. Tests use it to age entries.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithGauge reports the pending count after every change.
func WithGauge(fn func(pending int)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records id as awaiting a response. A second registration of the
// same id keeps the original entry and returns false.
func (r *Registry) Register(id, name string) bool {
	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return false
	}
	r.entries[id] = Entry{ID: id, Name: name, SentAt: r.now()}
	n := len(r.entries)
	r.mu.Unlock()

	r.report(n)
	return true
}

// Resolve removes id and returns its entry. Resolving an id that is not
// pending is a no-op that returns false.
func (r *Registry) Resolve(id string) (Entry, bool) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	n := len(r.entries)
	r.mu.Unlock()

	if ok {
		r.report(n)
	}
	return entry, ok
}

// Has reports whether id is pending.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Pending returns a snapshot of all entries, oldest first.
func (r *Registry) Pending() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.Unlock()

	sortEntries(out)
	return out
}

// Expire removes and returns every entry pending for longer than maxAge,
// oldest first. A non-positive maxAge expires nothing.
func (r *Registry) Expire(maxAge time.Duration) []Entry {
	if maxAge <= 0 {
		return nil
	}

	r.mu.Lock()
	cutoff := r.now().Add(-maxAge)
	var expired []Entry
	for id, e := range r.entries {
		if e.SentAt.Before(cutoff) {
			expired = append(expired, e)
			delete(r.entries, id)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	if len(expired) > 0 {
		r.report(n)
	}
	sortEntries(expired)
	return expired
}

func (r *Registry) report(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}

// sortEntries orders by send time, then id. Ids are time ordered so the
// second key only matters for entries sent within the same clock tick.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SentAt.Equal(entries[j].SentAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].SentAt.Before(entries[j].SentAt)
	})
}
