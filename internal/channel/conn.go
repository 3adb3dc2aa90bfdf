// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/lenssync/internal/logging"
	"github.com/tomtom215/lenssync/internal/metrics"
)

// Conn is the duplex connection the manager owns. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Optional capabilities. *websocket.Conn implements all of them; test pipes
// usually implement none.
type (
	readDeadliner interface {
		SetReadDeadline(t time.Time) error
	}
	writeDeadliner interface {
		SetWriteDeadline(t time.Time) error
	}
	controlWriter interface {
		WriteControl(messageType int, data []byte, deadline time.Time) error
	}
)

// DialerConfig configures a WebSocketDialer.
type DialerConfig struct {
	// HandshakeTimeout bounds the opening handshake.
	// Default: 10s
	HandshakeTimeout time.Duration

	// ReadLimit is the maximum inbound message size in bytes.
	// Default: 4MB
	ReadLimit int64

	// PongWait extends the read deadline whenever a pong arrives.
	// Default: 60s
	PongWait time.Duration

	// BreakerFailures is the number of consecutive dial failures that opens
	// the circuit.
	// Default: 5
	BreakerFailures uint32

	// BreakerTimeout is how long the circuit stays open before a trial dial.
	// Default: 30s
	BreakerTimeout time.Duration

	// Subprotocols are offered in the handshake.
	Subprotocols []string

	// Header is sent with the handshake request.
	Header http.Header
}

// WebSocketDialer dials gorilla WebSocket connections behind a circuit
// breaker so a down server is not hammered by the reconnect loop.
type WebSocketDialer struct {
	dialer  *websocket.Dialer
	breaker *gobreaker.CircuitBreaker[*websocket.Conn]
	cfg     DialerConfig
}

// NewWebSocketDialer creates a dialer with defaults applied to zero fields.
func NewWebSocketDialer(cfg DialerConfig) *WebSocketDialer {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = 4 << 20
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	name := "channel-dial"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	log := logging.WithComponent("channel")

	breaker := gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Dial circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  cfg.HandshakeTimeout,
			Subprotocols:      cfg.Subprotocols,
			EnableCompression: true,
		},
		breaker: breaker,
		cfg:     cfg,
	}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, err := d.breaker.Execute(func() (*websocket.Conn, error) {
		c, resp, err := d.dialer.DialContext(ctx, url, d.cfg.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("websocket dial failed: %w", err)
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(d.cfg.ReadLimit)
	pongWait := d.cfg.PongWait
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return conn, nil
}

// State returns the breaker state name.
func (d *WebSocketDialer) State() string {
	return d.breaker.State().String()
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
