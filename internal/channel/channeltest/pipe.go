// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Package channeltest provides an in-memory connection for exercising the
// channel manager and the stores without a network.
package channeltest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/lenssync/internal/channel"
	"github.com/tomtom215/lenssync/internal/envelope"
)

// ErrPipeClosed is returned by a closed Conn.
var ErrPipeClosed = errors.New("channeltest: pipe closed")

// Conn is one end of an in-memory pipe. The manager reads what the test
// pushes and the test reads what the manager writes.
type Conn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewConn creates an open pipe.
func NewConn() *Conn {
	return &Conn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// ReadMessage implements channel.Conn.
func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, ErrPipeClosed
	}
}

// WriteMessage implements channel.Conn.
func (c *Conn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return ErrPipeClosed
	default:
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return ErrPipeClosed
	}
}

// Close implements channel.Conn.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push delivers raw bytes to the manager as if the server sent them.
func (c *Conn) Push(raw []byte) {
	c.in <- raw
}

// PushEnvelope encodes env and pushes it.
func (c *Conn) PushEnvelope(t testing.TB, env *envelope.Envelope) {
	t.Helper()
	raw, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	c.Push(raw)
}

// Next returns the next envelope the manager wrote, failing the test after
// timeout.
func (c *Conn) Next(t testing.TB, timeout time.Duration) *envelope.Envelope {
	t.Helper()
	select {
	case raw := <-c.out:
		env, err := envelope.Decode(raw)
		if err != nil {
			t.Fatalf("manager wrote malformed envelope: %v", err)
		}
		return env
	case <-time.After(timeout):
		t.Fatalf("no envelope written within %v", timeout)
		return nil
	}
}

// Drain returns every envelope written so far without waiting.
func (c *Conn) Drain(t testing.TB) []*envelope.Envelope {
	t.Helper()
	var out []*envelope.Envelope
	for {
		select {
		case raw := <-c.out:
			env, err := envelope.Decode(raw)
			if err != nil {
				t.Fatalf("manager wrote malformed envelope: %v", err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

// Dialer hands out pipes. Set Fail to make the next dials fail.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	fail  error
	dials chan *Conn
}

// NewDialer creates a dialer that succeeds until told otherwise.
func NewDialer() *Dialer {
	return &Dialer{dials: make(chan *Conn, 16)}
}

// Dial implements channel.Dialer.
func (d *Dialer) Dial(ctx context.Context, _ string) (channel.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	c := NewConn()
	d.conns = append(d.conns, c)
	select {
	case d.dials <- c:
	default:
	}
	return c, nil
}

// SetFail makes subsequent dials return err; nil restores success.
func (d *Dialer) SetFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

// Last returns the most recent pipe, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Count returns how many pipes were dialed.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// WaitDial returns the next dialed pipe, failing the test after timeout.
func (d *Dialer) WaitDial(t testing.TB, timeout time.Duration) *Conn {
	t.Helper()
	select {
	case c := <-d.dials:
		return c
	case <-time.After(timeout):
		t.Fatalf("no dial within %v", timeout)
		return nil
	}
}

// NewManager returns a manager wired to a fresh Dialer and already open.
// The manager is closed when the test ends.
func NewManager(t testing.TB, opts channel.Options) (*channel.Manager, *Dialer) {
	t.Helper()
	d := NewDialer()
	opts.Dialer = d
	m := channel.New(opts)
	t.Cleanup(func() { _ = m.Close() })
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	<-d.dials
	return m, d
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}
