/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package session

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// Persistence slot names. Every store keeps the session under these names
// so a persisted session can be inspected and migrated between backends.
const (
	AccessTokenSlot  = "access_token"
	RefreshTokenSlot = "refresh_token"
	ExpiresAtSlot    = "expires_at"
)

// Session represents the short-lived portal credentials of the logged in user.
type Session struct {
	// AccessToken is the Bearer token attached to every API request.
	AccessToken string `json:"accessToken"`
	// RefreshToken is exchanged for a new access/refresh pair when the access
	// token is rejected.
	RefreshToken string `json:"refreshToken"`
	// ExpiresAt is when the access token stops being valid. Zero when the
	// server didn't tell.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Store persists the session. Implementations must never expose a session
// with only one of the tokens set.
type Store interface {
	// Get returns the stored session or a NotFound error when there is none.
	Get(context.Context) (*Session, error)
	// Put atomically replaces the stored session.
	Put(context.Context, *Session) error
	// Clear removes every slot. Clearing an empty store is not an error.
	Clear(context.Context) error
}

// IsEmpty is true when neither token is set.
func (s *Session) IsEmpty() bool {
	return s == nil || (s.AccessToken == "" && s.RefreshToken == "")
}

// Check makes sure the session is complete.
func (s *Session) Check() error {
	switch {
	case s == nil:
		return trace.BadParameter("session is nil")
	case s.AccessToken == "":
		return trace.BadParameter("session does not contain `AccessToken`")
	case s.RefreshToken == "":
		return trace.BadParameter("session does not contain `RefreshToken`")
	}
	return nil
}

// Expired reports whether the access token is known to be expired at now.
// A session without an expiry is never considered expired.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a copy so callers cannot mutate what a store holds.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	copied := *s
	return &copied
}

// Load returns the stored session or nil when there is none.
func Load(ctx context.Context, store Store) (*Session, error) {
	sess, err := store.Get(ctx)
	if trace.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

func notFound() error {
	return trace.NotFound("no session stored")
}
