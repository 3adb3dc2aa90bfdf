// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/lenssync/internal/mirror"
)

type fakeGC struct {
	calls atomic.Int32
	ratio atomic.Value
	err   error
}

func (f *fakeGC) CollectGarbage(ratio float64) (int, error) {
	f.ratio.Store(ratio)
	f.calls.Add(1)
	return 1, f.err
}

var _ GarbageCollector = (*mirror.Mirror)(nil)

func TestNewMirrorGCService_Defaults(t *testing.T) {
	svc := NewMirrorGCService(&fakeGC{}, 0, 2)
	if svc.interval != 10*time.Minute {
		t.Errorf("interval = %v, want 10m", svc.interval)
	}
	if svc.discardRatio != 0.5 {
		t.Errorf("discardRatio = %v, want 0.5", svc.discardRatio)
	}
}

func TestMirrorGCService_Serve(t *testing.T) {
	for _, gcErr := range []error{nil, errors.New("rejected")} {
		gc := &fakeGC{err: gcErr}
		svc := NewMirrorGCService(gc, 5*time.Millisecond, 0.7)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx) }()

		deadline := time.Now().Add(2 * time.Second)
		for gc.calls.Load() < 2 {
			if time.Now().After(deadline) {
				t.Fatalf("CollectGarbage called %d times, want at least 2", gc.calls.Load())
			}
			time.Sleep(5 * time.Millisecond)
		}
		cancel()

		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
		if got := gc.ratio.Load(); got != 0.7 {
			t.Errorf("discard ratio = %v, want 0.7", got)
		}
	}
}
