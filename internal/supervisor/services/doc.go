// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

/*
Package services adapts lenssync components to suture.Service.

Each wrapper translates a component's lifecycle (a reconnect loop, a
ListenAndServe server, a periodic maintenance task) into

	Serve(ctx context.Context) error

and names itself through fmt.Stringer for supervisor logs.

# Available Services

Channel (ChannelService):
  - Runs the sync channel's connect loop
  - Reports a closed channel as suture.ErrDoNotRestart

HTTP Server (HTTPServerService):
  - Wraps *http.Server with graceful shutdown

Mirror GC (MirrorGCService):
  - Runs Badger value log GC on an interval

The stale request sweeper (channel.Sweeper) already implements suture.Service
and is added to the tree directly.
*/
package services
