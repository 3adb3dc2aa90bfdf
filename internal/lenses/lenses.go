// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Package lenses wires the application's concrete query and mutation
// stores: account sign-up, the current user and the user's card configs.
package lenses

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/lenssync/internal/auth"
	"github.com/tomtom215/lenssync/internal/envelope"
	"github.com/tomtom215/lenssync/internal/lens"
	"github.com/tomtom215/lenssync/internal/logging"
	"github.com/tomtom215/lenssync/internal/mirror"
	"github.com/tomtom215/lenssync/internal/validation"
)

// ErrUnknownQuery is returned by Refetch for names that are not queries.
var ErrUnknownQuery = errors.New("lenses: unknown query")

// Kind names on the wire.
const (
	QueryUser                 = "User"
	QueryUserCardConfigs      = "UserCardConfigs"
	MutationSignUpByEmail     = "SignUpByEmail"
	MutationSignUpByEmailCode = "SignUpByEmailCode"
	MutationCreateCardConfig  = "CreateCardConfig"
	MutationCreateFieldConfig = "CreateFieldConfig"
)

// Set holds one store per kind.
type Set struct {
	User            *lens.Query[UserData, NoArgs]
	UserCardConfigs *lens.Query[UserCardConfigsData, NoArgs]

	SignUpByEmail     *lens.Mutation[SignUpByEmailParams]
	SignUpByEmailCode *lens.Mutation[SignUpByEmailCodeParams]
	CreateCardConfig  *lens.Mutation[CreateCardConfigParams]
	CreateFieldConfig *lens.Mutation[CreateFieldConfigParams]

	creds       *auth.Broadcaster
	mirror      *mirror.Mirror
	log         zerolog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
}

// New builds the stores. mir may be nil, in which case nothing is mirrored.
func New(ch lens.Channel, creds *auth.Broadcaster, mir *mirror.Mirror) *Set {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Set{
		creds:  creds,
		mirror: mir,
		log:    logging.WithComponent("lenses"),
		ctx:    ctx,
		cancel: cancel,
	}

	userCfg := lens.QueryConfig[UserData, NoArgs]{
		Name:          QueryUser,
		Eager:         true,
		RequiresAuth:  true,
		ResetOnLogout: true,
	}
	cardsCfg := lens.QueryConfig[UserCardConfigsData, NoArgs]{
		Name:          QueryUserCardConfigs,
		Data:          UserCardConfigsData{CardConfigs: []CardConfig{}},
		Eager:         true,
		RequiresAuth:  true,
		ResetOnLogout: true,
		Dependencies: map[string]lens.Dependency[UserCardConfigsData, NoArgs]{
			MutationCreateCardConfig:  lens.Merge(s.mergeCardConfig),
			MutationCreateFieldConfig: lens.Refetch[UserCardConfigsData, NoArgs](),
		},
	}
	if mir != nil {
		userCfg.Load, userCfg.Save = s.loadUser, s.saveUser
		cardsCfg.Load, cardsCfg.Save = s.loadCardConfigs, s.saveCardConfigs
	}

	s.User = lens.NewQuery(ch, creds, userCfg)
	s.UserCardConfigs = lens.NewQuery(ch, creds, cardsCfg)

	s.SignUpByEmail = lens.NewMutation(ch, creds, lens.MutationConfig[SignUpByEmailParams]{
		Name: MutationSignUpByEmail,
	})
	s.SignUpByEmailCode = lens.NewMutation(ch, creds, lens.MutationConfig[SignUpByEmailCodeParams]{
		Name:      MutationSignUpByEmailCode,
		OnSuccess: s.storeSessionToken,
	})
	s.CreateCardConfig = lens.NewMutation(ch, creds, lens.MutationConfig[CreateCardConfigParams]{
		Name: MutationCreateCardConfig,
	})
	s.CreateFieldConfig = lens.NewMutation(ch, creds, lens.MutationConfig[CreateFieldConfigParams]{
		Name: MutationCreateFieldConfig,
	})
	return s
}

// Init initializes mutations before queries so that an eager query's
// response can never precede a mutation subscription it depends on. When
// backed by a mirror, the account's collections are purged whenever the
// session token is cleared.
func (s *Set) Init(ctx context.Context) error {
	if s.mirror != nil {
		s.unsubscribe = s.creds.Subscribe(s.onToken)
	}
	inits := []func(context.Context) error{
		s.SignUpByEmail.Init,
		s.SignUpByEmailCode.Init,
		s.CreateCardConfig.Init,
		s.CreateFieldConfig.Init,
		s.User.Init,
		s.UserCardConfigs.Init,
	}
	for _, fn := range inits {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close drops every store's subscriptions.
func (s *Set) Close() {
	s.User.Close()
	s.UserCardConfigs.Close()
	s.SignUpByEmail.Close()
	s.SignUpByEmailCode.Close()
	s.CreateCardConfig.Close()
	s.CreateFieldConfig.Close()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancel()
}

// accountCollections hold records that belong to the signed-in account.
var accountCollections = []string{CollectionUser, CollectionUserSettings, CollectionCardConfig}

func (s *Set) onToken(token string) {
	if token != "" {
		return
	}
	if err := s.purgeMirror(s.ctx); err != nil {
		s.log.Error().Err(err).Msg("Purging mirror after logout failed")
	}
}

// purgeMirror removes every account record from the mirror.
func (s *Set) purgeMirror(ctx context.Context) error {
	for _, c := range accountCollections {
		if err := s.mirror.Clear(ctx, c); err != nil {
			return fmt.Errorf("clear %s: %w", c, err)
		}
	}
	s.log.Info().Msg("Cleared mirrored account data")
	return nil
}

// StoreStatus is a summary of one store for the status endpoint.
type StoreStatus struct {
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	Pending       bool      `json:"pending"`
	LastFetchedAt time.Time `json:"lastFetchedAt"`
	Version       uint64    `json:"version,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

// Status summarizes every store.
func (s *Set) Status() []StoreStatus {
	out := []StoreStatus{
		queryStatus(s.User.Name(), s.User.Pending(), s.User.LastFetchedAt(), s.User.Version(), s.User.LastErrors()),
		queryStatus(s.UserCardConfigs.Name(), s.UserCardConfigs.Pending(), s.UserCardConfigs.LastFetchedAt(), s.UserCardConfigs.Version(), s.UserCardConfigs.LastErrors()),
	}
	type mutation interface {
		Name() string
		Pending() bool
		LastFetchedAt() time.Time
	}
	for _, m := range []mutation{s.SignUpByEmail, s.SignUpByEmailCode, s.CreateCardConfig, s.CreateFieldConfig} {
		out = append(out, StoreStatus{Name: m.Name(), Kind: "mutation", Pending: m.Pending(), LastFetchedAt: m.LastFetchedAt()})
	}
	return out
}

func queryStatus(name string, pending bool, at time.Time, version uint64, errs []envelope.AppError) StoreStatus {
	st := StoreStatus{Name: name, Kind: "query", Pending: pending, LastFetchedAt: at, Version: version}
	if len(errs) > 0 {
		st.LastError = errs[0].Error()
	}
	return st
}

func (s *Set) storeSessionToken(data json.RawMessage, _ *lens.Mutation[SignUpByEmailCodeParams]) {
	var res mutationResult[SignUpByEmailCodeResult]
	if err := json.Unmarshal(data, &res); err != nil {
		s.log.Warn().Err(err).Msg("Sign-up response could not be decoded")
		return
	}
	if res.Params.SessionToken == "" {
		s.log.Warn().Msg("Sign-up response carried no session token")
		return
	}
	if err := s.creds.Set(s.ctx, res.Params.SessionToken); err != nil {
		s.log.Error().Err(err).Msg("Storing session token failed")
	}
}

// mergeCardConfig inserts or replaces the created card config.
func (s *Set) mergeCardConfig(data json.RawMessage, q *lens.Query[UserCardConfigsData, NoArgs]) {
	var res mutationResult[CreateCardConfigParams]
	if err := json.Unmarshal(data, &res); err != nil {
		s.log.Warn().Err(err).Msg("CreateCardConfig response could not be decoded")
		return
	}
	card := res.Params.CardConfig

	q.Update(func(d UserCardConfigsData) UserCardConfigsData {
		next := make([]CardConfig, 0, len(d.CardConfigs)+1)
		replaced := false
		for _, c := range d.CardConfigs {
			if card.ID != "" && c.ID == card.ID {
				next = append(next, card)
				replaced = true
				continue
			}
			next = append(next, c)
		}
		if !replaced {
			next = append(next, card)
		}
		d.CardConfigs = next
		return d
	})

	if s.mirror != nil && card.ID != "" {
		if err := s.mirror.Put(s.ctx, CollectionCardConfig, card.ID, card); err != nil {
			s.log.Warn().Err(err).Msg("Mirroring merged card config failed")
		}
	}
}

func (s *Set) loadUser(ctx context.Context, _ NoArgs) (UserData, bool, error) {
	users, err := mirror.GetAllInto[User](ctx, s.mirror, CollectionUser)
	if err != nil {
		return UserData{}, false, err
	}
	if len(users) == 0 {
		return UserData{}, false, nil
	}
	return UserData{User: users[0]}, true, nil
}

func (s *Set) saveUser(ctx context.Context, d UserData) error {
	if d.User.ID == "" {
		return nil
	}
	return s.mirror.Replace(ctx, CollectionUser, map[string]any{d.User.ID: d.User})
}

func (s *Set) loadCardConfigs(ctx context.Context, _ NoArgs) (UserCardConfigsData, bool, error) {
	cards, err := mirror.GetAllInto[CardConfig](ctx, s.mirror, CollectionCardConfig)
	if err != nil {
		return UserCardConfigsData{}, false, err
	}
	if len(cards) == 0 {
		return UserCardConfigsData{}, false, nil
	}
	return UserCardConfigsData{CardConfigs: cards}, true, nil
}

// saveCardConfigs makes the collection match the accepted projection, so
// card configs the server no longer returns are removed.
func (s *Set) saveCardConfigs(ctx context.Context, d UserCardConfigsData) error {
	records := make(map[string]any, len(d.CardConfigs))
	for _, c := range d.CardConfigs {
		if c.ID == "" {
			continue
		}
		records[c.ID] = c
	}
	return s.mirror.Replace(ctx, CollectionCardConfig, records)
}

// SignUp validates email and sends SignUpByEmail. It returns the request id.
func (s *Set) SignUp(email string) (string, error) {
	p := SignUpByEmailParams{Email: email}
	if err := validation.ValidateStruct(&p); err != nil {
		return "", err
	}
	s.SignUpByEmail.SetMemParams(p)
	return s.SignUpByEmail.RequestMainDB(), nil
}

// SubmitCode validates the emailed code and sends SignUpByEmailCode. On
// success the returned session token is stored and auth queries refetch.
func (s *Set) SubmitCode(code string) (string, error) {
	p := SignUpByEmailCodeParams{Code: code}
	if err := validation.ValidateStruct(&p); err != nil {
		return "", err
	}
	s.SignUpByEmailCode.SetMemParams(p)
	return s.SignUpByEmailCode.RequestMainDB(), nil
}

// Refetch reloads the named query from the mirror and the server. The
// returned id is empty when no request was sent.
func (s *Set) Refetch(ctx context.Context, name string) (string, error) {
	switch name {
	case QueryUser:
		return s.User.Refetch(ctx), nil
	case QueryUserCardConfigs:
		return s.UserCardConfigs.Refetch(ctx), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownQuery, name)
	}
}

// Logout clears the session token. Stores with ResetOnLogout reset and the
// mirrored account data is purged.
func (s *Set) Logout(ctx context.Context) error {
	return s.creds.Clear(ctx)
}
