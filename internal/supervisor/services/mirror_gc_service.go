// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/lenssync/internal/logging"
)

// GarbageCollector is satisfied by *mirror.Mirror.
type GarbageCollector interface {
	CollectGarbage(discardRatio float64) (int, error)
}

// MirrorGCService reclaims mirror disk space on an interval. GC errors are
// logged and retried at the next tick rather than restarting the service.
type MirrorGCService struct {
	gc           GarbageCollector
	interval     time.Duration
	discardRatio float64
	log          zerolog.Logger
	name         string
}

// NewMirrorGCService creates the service. Zero arguments default to every
// 10 minutes with a 0.5 discard ratio.
func NewMirrorGCService(gc GarbageCollector, interval time.Duration, discardRatio float64) *MirrorGCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if discardRatio <= 0 || discardRatio >= 1 {
		discardRatio = 0.5
	}
	return &MirrorGCService{
		gc:           gc,
		interval:     interval,
		discardRatio: discardRatio,
		log:          logging.WithComponent("mirror-gc"),
		name:         "mirror-gc",
	}
}

// Serve implements suture.Service.
func (s *MirrorGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.gc.CollectGarbage(s.discardRatio)
			if err != nil {
				s.log.Warn().Err(err).Msg("Mirror GC failed")
				continue
			}
			if n > 0 {
				s.log.Debug().Int("rewritten", n).Msg("Mirror GC reclaimed value log files")
			}
		}
	}
}

// String implements fmt.Stringer.
func (s *MirrorGCService) String() string {
	return s.name
}
