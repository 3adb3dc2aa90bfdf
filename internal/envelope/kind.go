// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package envelope

import "github.com/goccy/go-json"

// Kind is the variant an envelope name belongs to. Each store declares its
// name under one kind; the channel routes inbound envelopes by it.
type Kind int

const (
	// KindUnknown is any name nobody declared.
	KindUnknown Kind = iota
	// KindMutation names a write request tracked by a mutation store.
	KindMutation
	// KindQuery names a read request tracked by a query store.
	KindQuery
	// KindEvent names a server push that expects no reply.
	KindEvent
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindMutation:
		return "mutation"
	case KindQuery:
		return "query"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// ExpectsResponse reports whether requests of this kind are registered for
// correlation.
func (k Kind) ExpectsResponse() bool {
	return k == KindMutation || k == KindQuery
}

// MutationRequest is the data of a mutation request.
type MutationRequest struct {
	Kind   string `json:"kind"`
	Params any    `json:"params"`
}

// QueryRequest is the data of a query request.
type QueryRequest struct {
	QueryArgs any    `json:"queryArgs"`
	QueryName string `json:"queryName"`
}

// QueryResponse is the data of a query response. QueryData is absent when
// a request is echoed back unchanged.
type QueryResponse struct {
	QueryName string          `json:"queryName"`
	QueryData json.RawMessage `json:"queryData,omitempty"`
}
