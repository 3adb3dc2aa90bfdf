// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package config

import (
	"fmt"

	"github.com/tomtom215/lenssync/internal/validation"
)

// Validate checks struct tags first, then rules that span fields.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	if err := c.validateChannel(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	return c.validateAPI()
}

func (c *Config) validateChannel() error {
	ch := c.Channel
	if ch.ReadTimeout > 0 && ch.PingInterval > 0 && ch.PingInterval >= ch.ReadTimeout {
		return fmt.Errorf("channel.ping_interval (%s) must be shorter than channel.read_timeout (%s)",
			ch.PingInterval, ch.ReadTimeout)
	}
	return nil
}

func (c *Config) validateRegistry() error {
	r := c.Registry
	if r.StaleAfter > 0 && r.SweepInterval > r.StaleAfter {
		return fmt.Errorf("registry.sweep_interval (%s) must not exceed registry.stale_after (%s)",
			r.SweepInterval, r.StaleAfter)
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr is required when api.enabled=true")
	}
	return nil
}
