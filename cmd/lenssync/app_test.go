// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/lenssync/internal/config"
	"github.com/tomtom215/lenssync/internal/envelope"
	"github.com/tomtom215/lenssync/internal/lenses"
	"github.com/tomtom215/lenssync/internal/logging"
)

func init() {
	logging.SetLogger(zerolog.Nop())
}

func testConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	t.Setenv(config.ConfigPathEnvVar, t.TempDir()+"/none.yaml")
	t.Setenv("LENSSYNC_URL", url)
	t.Setenv("LENSSYNC_RECONNECT_MIN", "10ms")
	t.Setenv("LENSSYNC_RECONNECT_MAX", "50ms")
	t.Setenv("LENSSYNC_RECONNECT_RATE", "100")
	t.Setenv("MIRROR_IN_MEMORY", "true")
	t.Setenv("API_ENABLED", "false")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

// TestEngineLoginFlow runs the assembled engine against a WebSocket server
// that answers sign-up with a session token and then serves the User query.
func TestEngineLoginFlow(t *testing.T) {
	seen := make(chan string, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := envelope.Decode(raw)
			if err != nil {
				continue
			}
			seen <- req.Name

			var data []byte
			switch req.Name {
			case lenses.MutationSignUpByEmailCode:
				data = []byte(`{"kind":"SignUpByEmailCode","params":{"sessionToken":"tok-1"}}`)
			case lenses.QueryUser:
				data = []byte(`{"queryName":"User","queryData":{"user":{"id":"user:7","email":"e@example.com","createdAt":"","updatedAt":"","deletedAt":null}}}`)
			default:
				data = req.Data
			}
			out, err := envelope.Encode(req.Reply(json.RawMessage(data)))
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	ctx, cancel := context.WithCancel(context.Background())
	a, err := build(ctx, cfg)
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer a.close()
	if a.server != nil {
		t.Error("status server built with api disabled")
	}

	done := a.tree.ServeBackground(ctx)
	defer func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("tree error = %v", err)
		}
	}()

	if _, err := a.stores.SubmitCode("abcdefghijkl"); err != nil {
		t.Fatalf("SubmitCode() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.stores.User.MemData().User.ID != "user:7" {
		if time.Now().After(deadline) {
			t.Fatalf("user never arrived; last errors %v", a.stores.User.LastErrors())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got, _ := a.creds.Get(ctx); got != "tok-1" {
		t.Errorf("session token = %q, want tok-1", got)
	}
	if got := <-seen; got != lenses.MutationSignUpByEmailCode {
		t.Errorf("first request = %s, want %s", got, lenses.MutationSignUpByEmailCode)
	}
}

func TestBuildWithAPI(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1/ws")
	cfg.API.Enabled = true
	cfg.API.Addr = "127.0.0.1:0"

	a, err := build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer a.close()

	if a.server == nil {
		t.Fatal("status server not built")
	}
	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/status = %d, want 200", rec.Code)
	}
}
