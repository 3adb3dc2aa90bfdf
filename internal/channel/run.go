// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package channel

import (
	"context"
	"errors"
	"time"
)

// Serve keeps a connection open until ctx is canceled or the manager is
// closed, in which case it returns ErrClosed. It implements suture.Service.
//
// Failed dials back off exponentially between ReconnectMin and ReconnectMax.
// Every attempt also waits on the reconnect rate limiter, so a server that
// accepts and immediately drops connections cannot drive a tight loop.
func (m *Manager) Serve(ctx context.Context) error {
	delay := m.opts.ReconnectMin

	for {
		if err := m.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		if m.closed.Load() {
			return ErrClosed
		}

		if err := m.Open(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return ErrClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn().Err(err).Dur("retry_in", delay).Msg("Channel open failed")
			if !m.sleep(ctx, delay) {
				return ctx.Err()
			}
			delay *= 2
			if delay > m.opts.ReconnectMax {
				delay = m.opts.ReconnectMax
			}
			continue
		}
		delay = m.opts.ReconnectMin

		m.mu.Lock()
		lost := m.lost
		gen := m.gen
		m.mu.Unlock()

		select {
		case <-lost:
			m.log.Info().Msg("Connection lost, reconnecting")
		case <-ctx.Done():
			m.drop(gen, ctx.Err())
			return ctx.Err()
		case <-m.ctx.Done():
			return ErrClosed
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.ctx.Done():
		return false
	}
}

// String implements fmt.Stringer for supervisor logs.
func (m *Manager) String() string {
	return "sync-channel"
}

// Sweeper periodically expires stale pending requests.
type Sweeper struct {
	manager  *Manager
	maxAge   time.Duration
	interval time.Duration
}

// NewSweeper creates a sweeper. A non-positive maxAge disables expiry; the
// service then idles until canceled. interval defaults to maxAge/4.
func NewSweeper(m *Manager, maxAge, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = maxAge / 4
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{manager: m, maxAge: maxAge, interval: interval}
}

// Serve implements suture.Service.
func (s *Sweeper) Serve(ctx context.Context) error {
	if s.maxAge <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := s.manager.ExpireStale(s.maxAge); n > 0 {
				s.manager.log.Info().Int("expired", n).Msg("Stale requests failed with timeout")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Sweeper) String() string {
	return "registry-sweeper"
}
