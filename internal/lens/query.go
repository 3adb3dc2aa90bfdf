// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package lens

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/lenssync/internal/auth"
	"github.com/tomtom215/lenssync/internal/channel"
	"github.com/tomtom215/lenssync/internal/envelope"
	"github.com/tomtom215/lenssync/internal/logging"
	"github.com/tomtom215/lenssync/internal/metrics"
)

// Dependency says how a query reacts to a successful mutation.
type Dependency[D, A any] struct {
	merge func(data json.RawMessage, q *Query[D, A])
}

// Refetch reissues the query when the mutation succeeds.
func Refetch[D, A any]() Dependency[D, A] {
	return Dependency[D, A]{}
}

// Merge applies the mutation's response data to the projection in place,
// without a network request. fn runs on the channel's reader goroutine
// with no store lock held and should edit the projection through Update.
func Merge[D, A any](fn func(data json.RawMessage, q *Query[D, A])) Dependency[D, A] {
	return Dependency[D, A]{merge: fn}
}

// QueryConfig describes one query kind.
type QueryConfig[D, A any] struct {
	// Name is the query name on the wire.
	Name string

	// Data and Args are the initial projection and arguments. Reset
	// restores them.
	Data D
	Args A

	// Eager fetches during Init.
	Eager bool

	// RequiresAuth defers requests while there is no usable session token
	// and refetches when one appears.
	RequiresAuth bool

	// ResetOnLogout resets the store when the token is cleared.
	ResetOnLogout bool

	// ShouldFetch, when set, must report true for a request to be sent.
	ShouldFetch func(args A) bool

	// Dependencies maps mutation kind names to the reaction to their
	// successful responses.
	Dependencies map[string]Dependency[D, A]

	// Load reads the projection from the durable mirror before a network
	// fetch. found is false when the mirror has nothing for args.
	Load func(ctx context.Context, args A) (data D, found bool, err error)

	// Save writes an accepted server projection to the mirror.
	Save func(ctx context.Context, data D) error

	// MergeWins keeps a merge made after a request was sent instead of
	// letting that request's response overwrite it.
	MergeWins bool
}

// Query keeps the latest projection of one server query.
type Query[D, A any] struct {
	cfg   QueryConfig[D, A]
	ch    Channel
	creds Credentials
	log   zerolog.Logger
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// updateMu serializes Update so read-modify-write cycles do not
	// interleave. fn runs without mu held.
	updateMu sync.Mutex

	mu                  sync.Mutex
	data                D
	args                A
	version             uint64
	waitingID           string
	sentVersion         uint64
	lastErrors          []envelope.AppError
	lastFetchedAt       time.Time
	lastFetchedMirrorAt time.Time
	token               string

	unsubs   unsubscribers
	onChange hooks
}

// NewQuery creates a query store and declares its kind on ch. Call Init
// before use.
func NewQuery[D, A any](ch Channel, creds Credentials, cfg QueryConfig[D, A]) *Query[D, A] {
	ch.Declare(cfg.Name, envelope.KindQuery)
	ctx, cancel := context.WithCancel(context.Background())
	return &Query[D, A]{
		cfg:    cfg,
		ch:     ch,
		creds:  creds,
		log:    logging.WithStore("query", cfg.Name),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		data:   cfg.Data,
		args:   cfg.Args,
	}
}

// Name returns the query name.
func (q *Query[D, A]) Name() string { return q.cfg.Name }

// Init loads the current token, subscribes to token changes, query
// responses and, when there are dependencies, mutation responses. An Eager
// query then fetches.
func (q *Query[D, A]) Init(ctx context.Context) error {
	token, err := q.creds.Get(ctx)
	if err != nil {
		return fmt.Errorf("init %s: %w", q.cfg.Name, err)
	}
	q.mu.Lock()
	q.token = token
	q.mu.Unlock()

	q.unsubs = append(q.unsubs,
		q.creds.Subscribe(q.onToken),
		q.ch.Subscribe(channel.ResponseTopic(q.cfg.Name), q.onResponseForQuery),
	)
	if len(q.cfg.Dependencies) > 0 {
		q.unsubs = append(q.unsubs, q.ch.Subscribe(channel.TopicMutation, q.onMutationResponse))
	}

	if q.cfg.Eager {
		q.Refetch(ctx)
	}
	return nil
}

func (q *Query[D, A]) onToken(token string) {
	q.mu.Lock()
	prev := q.token
	q.token = token
	q.mu.Unlock()

	switch {
	case prev == "" && token != "":
		if q.cfg.RequiresAuth {
			metrics.RecordRefetch(q.cfg.Name, "login")
			q.Refetch(q.ctx)
		}
	case prev != "" && token == "":
		if q.cfg.ResetOnLogout {
			q.Reset()
		}
	}
}

// Refetch applies the mirror binding, if any, and then requests fresh data.
// It returns the request id, or "" when the request was deferred. A
// RequiresAuth query skips the mirror while there is no usable token.
func (q *Query[D, A]) Refetch(ctx context.Context) string {
	if q.cfg.Load != nil && q.authorized() {
		q.loadMirror(ctx)
	}
	return q.RequestMainDB()
}

func (q *Query[D, A]) authorized() bool {
	if !q.cfg.RequiresAuth {
		return true
	}
	q.mu.Lock()
	token := q.token
	q.mu.Unlock()
	return auth.Usable(token, q.now())
}

func (q *Query[D, A]) loadMirror(ctx context.Context) {
	q.mu.Lock()
	args := q.args
	q.mu.Unlock()

	data, found, err := q.cfg.Load(ctx, args)
	if err != nil {
		q.log.Warn().Err(err).Msg("Mirror load failed")
		return
	}
	if !found {
		return
	}

	q.mu.Lock()
	q.data = data
	q.version++
	q.lastFetchedMirrorAt = q.now()
	q.mu.Unlock()
	q.onChange.fire()
}

// RequestMainDB sends the query with the current args and tracks the new
// request id, replacing any request in flight. It returns "" when the
// request is deferred by RequiresAuth or ShouldFetch, or cannot be sent.
func (q *Query[D, A]) RequestMainDB() string {
	q.mu.Lock()
	args := q.args
	token := q.token
	q.mu.Unlock()

	if q.cfg.RequiresAuth && !auth.Usable(token, q.now()) {
		q.log.Debug().Msg("Deferring request until a session token is available")
		return ""
	}
	if q.cfg.ShouldFetch != nil && !q.cfg.ShouldFetch(args) {
		q.log.Debug().Msg("Deferring request, fetch guard declined")
		return ""
	}

	env, err := envelope.New(q.cfg.Name, envelope.QueryRequest{QueryArgs: args, QueryName: q.cfg.Name}, token)
	if err != nil {
		q.log.Error().Err(err).Msg("Building query request failed")
		return ""
	}

	q.mu.Lock()
	superseded := q.waitingID != ""
	q.waitingID = env.ID
	q.sentVersion = q.version
	q.mu.Unlock()

	metrics.RecordStoreRequest("query", q.cfg.Name, superseded)

	if err := q.ch.Dispatch(env); err != nil {
		q.mu.Lock()
		if q.waitingID == env.ID {
			q.waitingID = ""
		}
		q.mu.Unlock()
		q.log.Warn().Err(err).Str("request_id", env.ID).Msg("Dispatch failed")
		return ""
	}
	q.onChange.fire()
	return env.ID
}

func (q *Query[D, A]) onResponseForQuery(d channel.Delivery) {
	env := d.Envelope
	if env == nil || env.Name != q.cfg.Name {
		return
	}

	q.mu.Lock()
	if q.waitingID == "" || env.ResponseForID != q.waitingID {
		q.mu.Unlock()
		q.log.Debug().Str("response_for_id", env.ResponseForID).Msg("Ignoring response for another request")
		return
	}
	q.waitingID = ""
	q.lastFetchedAt = q.now()

	if !env.OK() {
		q.lastErrors = env.Errors
		q.mu.Unlock()
		metrics.RecordStoreResponse("query", q.cfg.Name, "error")
		q.log.Info().Str("error", string(env.Errors[0].Name)).Msg("Query failed")
		q.onChange.fire()
		return
	}

	data, err := q.decode(env.Data)
	if err != nil {
		q.lastErrors = []envelope.AppError{{Name: envelope.ErrorMalformed, Message: err.Error()}}
		q.mu.Unlock()
		metrics.RecordStoreResponse("query", q.cfg.Name, "malformed")
		q.log.Warn().Err(err).Msg("Query response could not be decoded")
		q.onChange.fire()
		return
	}

	if q.cfg.MergeWins && q.version != q.sentVersion {
		q.lastErrors = nil
		q.mu.Unlock()
		metrics.RecordStoreResponse("query", q.cfg.Name, "stale")
		q.log.Debug().Msg("Keeping merged projection over older response")
		q.onChange.fire()
		return
	}

	q.data = data
	q.version++
	q.lastErrors = nil
	q.mu.Unlock()

	metrics.RecordStoreResponse("query", q.cfg.Name, "ok")
	if q.cfg.Save != nil {
		if err := q.cfg.Save(q.ctx, data); err != nil {
			q.log.Warn().Err(err).Msg("Mirror write-back failed")
		}
	}
	q.onChange.fire()
}

// decode unpacks {"queryName", "queryData"}. Called with mu held.
func (q *Query[D, A]) decode(raw json.RawMessage) (D, error) {
	var resp envelope.QueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return q.data, fmt.Errorf("decode %s response: %w", q.cfg.Name, err)
	}
	if resp.QueryName != "" && resp.QueryName != q.cfg.Name {
		return q.data, fmt.Errorf("response names query %q, want %q", resp.QueryName, q.cfg.Name)
	}
	if len(resp.QueryData) == 0 {
		// An echo without queryData leaves the projection as it is.
		return q.data, nil
	}
	var data D
	if err := json.Unmarshal(resp.QueryData, &data); err != nil {
		return q.data, fmt.Errorf("decode %s data: %w", q.cfg.Name, err)
	}
	return data, nil
}

func (q *Query[D, A]) onMutationResponse(d channel.Delivery) {
	env := d.Envelope
	if env == nil || !d.Matched || !env.OK() {
		return
	}
	dep, ok := q.cfg.Dependencies[env.Name]
	if !ok {
		return
	}

	if dep.merge != nil {
		metrics.RecordMerge(q.cfg.Name, env.Name)
		dep.merge(env.Data, q)
		return
	}
	metrics.RecordRefetch(q.cfg.Name, "dependency")
	q.log.Debug().Str("mutation", env.Name).Msg("Refetching after mutation")
	q.Refetch(q.ctx)
}

// MemData returns the current projection.
func (q *Query[D, A]) MemData() D {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.data
}

// SetMemData replaces the projection.
func (q *Query[D, A]) SetMemData(data D) {
	q.mu.Lock()
	q.data = data
	q.version++
	q.mu.Unlock()
	q.onChange.fire()
}

// Update replaces the projection with fn(current). fn must not call Update.
func (q *Query[D, A]) Update(fn func(D) D) {
	q.updateMu.Lock()
	defer q.updateMu.Unlock()

	next := fn(q.MemData())
	q.SetMemData(next)
}

// MemArgs returns the current args.
func (q *Query[D, A]) MemArgs() A {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.args
}

// SetArgs replaces the args and refetches if they changed. It returns the
// new request id, or "" when nothing was sent.
func (q *Query[D, A]) SetArgs(args A) string {
	q.mu.Lock()
	changed := !reflect.DeepEqual(q.args, args)
	q.args = args
	q.mu.Unlock()

	if !changed {
		return ""
	}
	metrics.RecordRefetch(q.cfg.Name, "args")
	return q.Refetch(q.ctx)
}

// WaitingRequestID returns the id of the tracked request, or "".
func (q *Query[D, A]) WaitingRequestID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waitingID
}

// Pending reports whether a request is in flight.
func (q *Query[D, A]) Pending() bool {
	return q.WaitingRequestID() != ""
}

// LastErrors returns the errors of the last accepted response.
func (q *Query[D, A]) LastErrors() []envelope.AppError {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErrors
}

// LastFetchedAt returns when the last server response was accepted.
func (q *Query[D, A]) LastFetchedAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastFetchedAt
}

// LastFetchedMirrorAt returns when the projection was last loaded from the
// mirror.
func (q *Query[D, A]) LastFetchedMirrorAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastFetchedMirrorAt
}

// Version counts writes to the projection.
func (q *Query[D, A]) Version() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.version
}

// AuthToken returns the token the next request will carry.
func (q *Query[D, A]) AuthToken() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.token
}

// OnChange registers fn to run after any state change.
func (q *Query[D, A]) OnChange(fn func()) (remove func()) {
	return q.onChange.add(fn)
}

// Reset restores the initial projection and args and forgets the tracked
// request.
func (q *Query[D, A]) Reset() {
	q.mu.Lock()
	q.data = q.cfg.Data
	q.args = q.cfg.Args
	q.version++
	q.waitingID = ""
	q.lastErrors = nil
	q.lastFetchedAt = time.Time{}
	q.lastFetchedMirrorAt = time.Time{}
	q.mu.Unlock()
	q.onChange.fire()
}

// Close drops the store's subscriptions and cancels mirror writes started
// by responses.
func (q *Query[D, A]) Close() {
	q.unsubs.run()
	q.cancel()
}
