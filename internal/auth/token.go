// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrOpaqueToken is returned by Inspect for tokens that are not JWTs.
var ErrOpaqueToken = errors.New("auth: token is not a JWT")

// TokenInfo is what the client can read from a session token without the
// server's key.
type TokenInfo struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token has an expiry at or before now.
func (i TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Inspect decodes the registered claims of a JWT without verifying its
// signature. The server remains the authority; this is only used to avoid
// sending requests with a token that has visibly expired.
func Inspect(token string) (TokenInfo, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrOpaqueToken, err)
	}

	info := TokenInfo{Subject: claims.Subject}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// Usable reports whether token may be attached to a request. Opaque tokens
// are always usable; JWTs are usable until they expire.
func Usable(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	info, err := Inspect(token)
	if err != nil {
		return true
	}
	return !info.Expired(now)
}

// Session returns the claims of the stored token.
func (b *Broadcaster) Session(ctx context.Context) (TokenInfo, error) {
	token, err := b.Require(ctx)
	if err != nil {
		return TokenInfo{}, err
	}
	return Inspect(token)
}
