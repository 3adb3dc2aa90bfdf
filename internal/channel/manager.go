// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Package channel owns the single duplex connection between the client and
// the sync server.
//
// The Manager writes request envelopes, registers the ones that expect a
// reply with the correlation registry, and fans inbound envelopes out to
// subscribers by topic:
//
//	open, close                  connection lifecycle
//	responseForId                every response
//	responseForId:<name>         responses for one kind name
//	mutation                     responses whose name is a declared mutation
//	event:<name>                 server pushes without responseForId
//
// Send blocks until a connection is open. Dispatch is the non-blocking form
// stores use: it registers the request immediately and leaves the wait to a
// goroutine owned by the manager.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomtom215/lenssync/internal/envelope"
	"github.com/tomtom215/lenssync/internal/logging"
	"github.com/tomtom215/lenssync/internal/metrics"
	"github.com/tomtom215/lenssync/internal/registry"
)

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("channel: manager closed")

// Options configures a Manager.
type Options struct {
	// URL is the sync server endpoint, e.g. wss://api.example.com/ws.
	URL string

	// Dialer opens connections. Default: NewWebSocketDialer(DialerConfig{}).
	Dialer Dialer

	// Registry tracks pending requests. Default: a fresh registry.
	Registry *registry.Registry

	// WriteTimeout bounds a single write when the connection supports
	// deadlines.
	// Default: 10s
	WriteTimeout time.Duration

	// ReadTimeout is the read deadline set before every read. Pongs extend
	// it. Zero disables read deadlines.
	ReadTimeout time.Duration

	// PingInterval is the keep-alive period. Zero disables pings.
	PingInterval time.Duration

	// ReconnectMin and ReconnectMax bound the exponential retry delay used
	// by Serve.
	// Default: 1s and 32s
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// ReconnectRate caps connection attempts per second across all retries.
	// Default: 1 per second with a burst of 3.
	ReconnectRate  rate.Limit
	ReconnectBurst int
}

// Manager owns one connection at a time.
type Manager struct {
	opts     Options
	registry *registry.Registry
	bus      *bus
	limiter  *rate.Limiter
	log      zerolog.Logger

	// openMu serializes Open so concurrent calls replace one another
	// instead of racing.
	openMu sync.Mutex

	mu    sync.Mutex
	conn  Conn
	gen   uint64
	ready chan struct{} // closed while conn != nil
	lost  chan struct{} // closed when the connection of gen drops

	writeMu sync.Mutex

	// routeMu keeps deliveries from the reader and the stale sweep from
	// interleaving.
	routeMu sync.Mutex

	kindsMu sync.RWMutex
	kinds   map[string]envelope.Kind

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a manager. No connection is made until Open or Serve.
func New(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = NewWebSocketDialer(DialerConfig{})
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReconnectMin == 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax == 0 {
		opts.ReconnectMax = 32 * time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	if opts.ReconnectRate == 0 {
		opts.ReconnectRate = rate.Limit(1)
	}
	if opts.ReconnectBurst == 0 {
		opts.ReconnectBurst = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	lost := make(chan struct{})
	close(lost)

	return &Manager{
		opts:     opts,
		registry: opts.Registry,
		bus:      newBus(),
		limiter:  rate.NewLimiter(opts.ReconnectRate, opts.ReconnectBurst),
		log:      logging.WithComponent("channel"),
		ready:    make(chan struct{}),
		lost:     lost,
		kinds:    make(map[string]envelope.Kind),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the correlation registry the manager writes to.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Declare records the variant of a kind name. Stores declare their name when
// they are constructed.
func (m *Manager) Declare(name string, kind envelope.Kind) {
	m.kindsMu.Lock()
	defer m.kindsMu.Unlock()
	if prev, ok := m.kinds[name]; ok && prev != kind {
		m.log.Warn().Str("kind", name).Stringer("was", prev).Stringer("now", kind).Msg("Kind redeclared")
	}
	m.kinds[name] = kind
}

// KindOf returns the declared variant for name.
func (m *Manager) KindOf(name string) envelope.Kind {
	m.kindsMu.RLock()
	defer m.kindsMu.RUnlock()
	return m.kinds[name]
}

// Subscribe registers fn for topic and returns a function that removes it.
func (m *Manager) Subscribe(topic string, fn Handler) (unsubscribe func()) {
	return m.bus.subscribe(topic, fn)
}

// Connected reports whether a connection is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Open dials a new connection and makes it current. An existing connection
// is torn down first and its subscribers see close before open.
func (m *Manager) Open(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	prevGen := m.gen
	m.mu.Unlock()
	m.drop(prevGen, errReplaced)

	m.log.Info().Str("url", m.opts.URL).Msg("Opening channel")
	conn, err := m.opts.Dialer.Dial(ctx, m.opts.URL)
	metrics.RecordOpen(err)
	if err != nil {
		return fmt.Errorf("open %s: %w", m.opts.URL, err)
	}

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	lost := make(chan struct{})
	m.lost = lost
	close(m.ready)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(gen, conn)
	if m.opts.PingInterval > 0 {
		if cw, ok := conn.(controlWriter); ok {
			m.wg.Add(1)
			go m.pingLoop(cw, gen, lost)
		}
	}

	m.log.Info().Uint64("generation", gen).Msg("Channel open")
	m.bus.emit(TopicOpen, Delivery{})
	return nil
}

var errReplaced = errors.New("replaced by a new connection")

// drop tears down the connection of generation gen if it is still current.
func (m *Manager) drop(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.ready = make(chan struct{})
	close(m.lost)
	m.mu.Unlock()

	if cw, ok := conn.(controlWriter); ok {
		_ = cw.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
	}
	if err := conn.Close(); err != nil {
		m.log.Debug().Err(err).Msg("Close failed")
	}

	metrics.RecordClose()
	m.log.Info().Uint64("generation", gen).AnErr("cause", cause).Int("pending", m.registry.Len()).Msg("Channel closed")
	m.bus.emit(TopicClose, Delivery{})
}

// Send registers env when its kind expects a response, waits for an open
// connection and writes it. Only ctx or Close end the wait. If the write
// does not happen the registration is withdrawn.
func (m *Manager) Send(ctx context.Context, env *envelope.Envelope) error {
	raw, err := m.prepare(env)
	if err != nil {
		return err
	}
	if err := m.write(ctx, env, raw); err != nil {
		m.registry.Resolve(env.ID)
		return err
	}
	return nil
}

// Dispatch registers env and writes it in the background. It returns only
// encoding and lifecycle errors; write failures are logged.
func (m *Manager) Dispatch(env *envelope.Envelope) error {
	raw, err := m.prepare(env)
	if err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.write(m.ctx, env, raw); err != nil && !errors.Is(err, ErrClosed) {
			m.log.Warn().Err(err).Str("kind", env.Name).Str("request_id", env.ID).Msg("Dispatch failed")
		}
	}()
	return nil
}

func (m *Manager) prepare(env *envelope.Envelope) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Name, err)
	}
	if !env.IsResponse() && m.KindOf(env.Name).ExpectsResponse() {
		m.registry.Register(env.ID, env.Name)
	}
	return raw, nil
}

func (m *Manager) write(ctx context.Context, env *envelope.Envelope, raw []byte) error {
	conn, gen, err := m.awaitConn(ctx)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	if wd, ok := conn.(writeDeadliner); ok {
		_ = wd.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	}
	err = conn.WriteMessage(websocket.TextMessage, raw)
	m.writeMu.Unlock()

	if err != nil {
		metrics.RecordTransportError("write")
		m.drop(gen, err)
		return fmt.Errorf("write %s: %w", env.Name, err)
	}

	metrics.RecordSend(env.Name)
	m.log.Debug().Str("kind", env.Name).Str("request_id", env.ID).Msg("Envelope sent")
	return nil
}

// awaitConn is the only place the manager suspends a caller.
func (m *Manager) awaitConn(ctx context.Context) (Conn, uint64, error) {
	for {
		m.mu.Lock()
		conn, gen, ready := m.conn, m.gen, m.ready
		m.mu.Unlock()

		if conn != nil {
			return conn, gen, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-m.ctx.Done():
			return nil, 0, ErrClosed
		}
	}
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	defer m.wg.Done()

	for {
		if rd, ok := conn.(readDeadliner); ok && m.opts.ReadTimeout > 0 {
			_ = rd.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if m.isCurrent(gen) && !m.closed.Load() {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					m.log.Info().Msg("Server closed channel")
				} else {
					metrics.RecordTransportError("read")
					m.log.Warn().Err(err).Msg("Channel read failed")
				}
			}
			m.drop(gen, err)
			return
		}

		m.deliver(raw)
	}
}

func (m *Manager) pingLoop(cw controlWriter, gen uint64, lost <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lost:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := cw.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteTimeout)); err != nil {
				metrics.RecordTransportError("ping")
				m.log.Warn().Err(err).Msg("Keep-alive failed")
				m.drop(gen, err)
				return
			}
		}
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.conn != nil
}

// deliver decodes one inbound message and routes it.
func (m *Manager) deliver(raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		metrics.RecordMalformed()
		m.log.Warn().Err(err).Int("bytes", len(raw)).Msg("Dropping malformed envelope")
		return
	}

	matched := false
	if env.IsResponse() {
		if entry, ok := m.registry.Resolve(env.ResponseForID); ok {
			matched = true
			metrics.RecordMatched(env.Name, time.Since(entry.SentAt))
		} else {
			metrics.RecordUnmatched(env.Name)
			m.log.Warn().Str("kind", env.Name).Str("response_for_id", env.ResponseForID).Msg("No pending request for response")
		}
	}
	m.route(env, matched)
}

// route is the single dispatch point for inbound envelopes.
func (m *Manager) route(env *envelope.Envelope, matched bool) {
	m.routeMu.Lock()
	defer m.routeMu.Unlock()

	kind := m.KindOf(env.Name)
	metrics.RecordReceive(env.Name, kind.String())
	d := Delivery{Envelope: env, Kind: kind, Matched: matched}

	if !env.IsResponse() {
		m.bus.emit(EventTopic(env.Name), d)
		return
	}

	m.bus.emit(TopicResponse, d)
	m.bus.emit(ResponseTopic(env.Name), d)

	switch kind {
	case envelope.KindMutation:
		m.bus.emit(TopicMutation, d)
	case envelope.KindQuery:
		// Query responses concern only the issuing store.
	case envelope.KindEvent:
		m.log.Debug().Str("kind", env.Name).Msg("Response addressed to an event kind")
	case envelope.KindUnknown:
		m.log.Debug().Str("kind", env.Name).Msg("Response for undeclared kind")
	}
}

// ExpireStale fails every request pending longer than maxAge by delivering
// a Timeout response for it. It returns the number expired.
func (m *Manager) ExpireStale(maxAge time.Duration) int {
	expired := m.registry.Expire(maxAge)
	now := time.Now()
	for _, entry := range expired {
		metrics.RecordTimeout(entry.Name)
		m.log.Warn().Str("kind", entry.Name).Str("request_id", entry.ID).Dur("age", entry.Age(now)).Msg("Request timed out")

		m.route(&envelope.Envelope{
			Name:          entry.Name,
			ID:            envelope.NewID(),
			ResponseForID: entry.ID,
			Data:          json.RawMessage("null"),
			Errors: []envelope.AppError{{
				Name:    envelope.ErrorTimeout,
				Message: fmt.Sprintf("no response after %s", entry.Age(now).Round(time.Millisecond)),
			}},
		}, true)
	}
	return len(expired)
}

// Close tears down the connection, cancels pending sends and waits for the
// manager's goroutines. It is safe to call more than once.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.drop(gen, ErrClosed)

	m.wg.Wait()
	return nil
}
