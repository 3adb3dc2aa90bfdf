// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package channel

import (
	"sync"

	"github.com/tomtom215/lenssync/internal/envelope"
)

// Topics emitted by the manager.
const (
	TopicOpen     = "open"
	TopicClose    = "close"
	TopicResponse = "responseForId"
	TopicMutation = "mutation"
)

// ResponseTopic is the topic carrying responses for one kind name.
func ResponseTopic(name string) string {
	return TopicResponse + ":" + name
}

// EventTopic is the topic carrying server pushes for one kind name.
func EventTopic(name string) string {
	return "event:" + name
}

// Delivery is what subscribers receive. Envelope is nil for open and close.
type Delivery struct {
	Envelope *envelope.Envelope
	Kind     envelope.Kind

	// Matched is true when the response resolved a pending registry entry.
	Matched bool
}

// Handler receives deliveries. Envelope deliveries are serialized: they
// run one at a time, in arrival order, on the reader goroutine (timeouts
// synthesized by ExpireStale run on the sweeping goroutine). Open and close
// are emitted synchronously on the goroutine that opened or lost the
// connection, before Open or the failing call returns.
type Handler func(Delivery)

type subscriber struct {
	id uint64
	fn Handler
}

type bus struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string][]subscriber
}

func newBus() *bus {
	return &bus{topics: make(map[string][]subscriber)}
}

func (b *bus) subscribe(topic string, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.topics[topic]
			for i, s := range subs {
				if s.id == id {
					b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
		})
	}
}

func (b *bus) emit(topic string, d Delivery) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(d)
	}
}

func (b *bus) count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
