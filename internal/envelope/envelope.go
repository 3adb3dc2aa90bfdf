// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Package envelope defines the message unit exchanged over the sync channel.
//
// Wire format:
//
//	{ "name": "CreateCardConfig", "id": "0192...", "responseForId": "0191...",
//	  "data": {...}, "errors": [{"name": "Validation", "message": "..."}],
//	  "authToken": "..." | null }
//
// Ids are UUIDv7 strings: they sort by creation time and need no coordination
// between clients.
package envelope

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrorName classifies an application error carried inside an envelope.
type ErrorName string

// Error names used by the server, plus Timeout which the client synthesizes
// for requests that never receive a reply.
const (
	ErrorUnauthorized ErrorName = "Unauthorized"
	ErrorNotFound     ErrorName = "NotFound"
	ErrorValidation   ErrorName = "Validation"
	ErrorInternal     ErrorName = "Internal"
	ErrorTimeout      ErrorName = "Timeout"
	ErrorMalformed    ErrorName = "MalformedResponse"
)

// AppError is one application-level error reported in a response.
type AppError struct {
	Name    ErrorName `json:"name"`
	Message string    `json:"message"`
}

// Error implements error so callers can log an AppError directly.
func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Envelope is a request or a response.
type Envelope struct {
	Name          string          `json:"name"`
	ID            string          `json:"id"`
	ResponseForID string          `json:"responseForId,omitempty"`
	Data          json.RawMessage `json:"data"`
	Errors        []AppError      `json:"errors"`
	AuthToken     *string         `json:"authToken,omitempty"`
}

// Sentinel decode errors.
var (
	ErrMissingName = errors.New("envelope: missing name")
	ErrMissingID   = errors.New("envelope: missing id")
)

// NewID returns a fresh time-ordered identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return id.String()
}

// New builds a request envelope with a fresh id. data is marshalled with
// go-json; token is attached when non-empty.
func New(name string, data any, token string) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	env := &Envelope{
		Name:   name,
		ID:     NewID(),
		Data:   raw,
		Errors: []AppError{},
	}
	if token != "" {
		env.AuthToken = &token
	}
	return env, nil
}

// IsResponse reports whether the envelope answers an earlier request.
func (e *Envelope) IsResponse() bool {
	return e.ResponseForID != ""
}

// OK reports whether the envelope carries no application errors.
func (e *Envelope) OK() bool {
	return len(e.Errors) == 0
}

// Token returns the attached credential snapshot, or "".
func (e *Envelope) Token() string {
	if e.AuthToken == nil {
		return ""
	}
	return *e.AuthToken
}

// Reply builds a response to e with a fresh id. Servers and tests use it;
// the engine itself only builds replies for timed-out requests.
func (e *Envelope) Reply(data json.RawMessage, errs ...AppError) *Envelope {
	if errs == nil {
		errs = []AppError{}
	}
	return &Envelope{
		Name:          e.Name,
		ID:            NewID(),
		ResponseForID: e.ID,
		Data:          data,
		Errors:        errs,
	}
}

// Encode serializes an envelope for the wire.
func Encode(e *Envelope) ([]byte, error) {
	if e.Errors == nil {
		cp := *e
		cp.Errors = []AppError{}
		e = &cp
	}
	return json.Marshal(e)
}

// Decode parses and validates one inbound message. Any error means the
// message is malformed and must be dropped.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Name == "" {
		return nil, ErrMissingName
	}
	if env.ID == "" {
		return nil, ErrMissingID
	}
	return &env, nil
}
