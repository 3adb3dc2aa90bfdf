// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package services

import (
	"context"
	"errors"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/lenssync/internal/channel"
)

// Server is satisfied by *channel.Manager.
type Server interface {
	Serve(ctx context.Context) error
}

// ChannelService runs the channel's reconnect loop. Once the channel has been
// closed it cannot be reopened, so the service asks not to be restarted.
type ChannelService struct {
	channel Server
	name    string
}

// NewChannelService wraps ch.
func NewChannelService(ch Server) *ChannelService {
	return &ChannelService{channel: ch, name: "sync-channel"}
}

// Serve implements suture.Service.
func (s *ChannelService) Serve(ctx context.Context) error {
	err := s.channel.Serve(ctx)
	if errors.Is(err, channel.ErrClosed) {
		return suture.ErrDoNotRestart
	}
	return err
}

// String implements fmt.Stringer.
func (s *ChannelService) String() string {
	return s.name
}
