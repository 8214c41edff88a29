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

// Package account implements the session lifecycle on top of the portal
// client: logging in, registering, creating the co-owner profile and
// logging out.
package account

import (
	"context"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/coevhub/portal-client/apiclient"
	"github.com/coevhub/portal-client/auth"
	"github.com/coevhub/portal-client/lib"
	"github.com/coevhub/portal-client/lib/logger"
)

const (
	loginPath    = "auth/login"
	registerPath = "auth/register"
	logoutPath   = "auth/logout"
	mePath       = "users/me"
	profilePath  = "users/profile"
)

// User is the account as returned by the portal.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	Phone     string    `json:"phone,omitempty"`
	Role      string    `json:"role,omitempty"`
	Profile   *Profile  `json:"profile,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Profile is the co-owner profile.
type Profile struct {
	FullName    string `json:"fullName"`
	Phone       string `json:"phone"`
	Address     string `json:"address,omitempty"`
	LicenseID   string `json:"licenseId,omitempty"`
	DateOfBirth string `json:"dateOfBirth,omitempty"`
}

// RegisterRequest is the registration form.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
	Phone    string `json:"phone,omitempty"`
}

// CheckAndSetDefaults validates the form.
func (r *RegisterRequest) CheckAndSetDefaults() error {
	email, err := lib.CheckEmail(r.Email)
	if err != nil {
		return trace.Wrap(err)
	}
	r.Email = email
	if r.Password == "" {
		return trace.BadParameter("password is required")
	}
	if r.FullName == "" {
		return trace.BadParameter("full name is required")
	}
	return nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenData struct {
	User *User `json:"user"`
}

// Service runs the account operations against the portal.
type Service struct {
	client  *apiclient.Client
	manager *auth.Manager
	clock   clockwork.Clock
	log     logrus.FieldLogger
}

// NewService creates a Service. The client must authenticate through manager.
func NewService(client *apiclient.Client, manager *auth.Manager) (*Service, error) {
	if client == nil {
		return nil, trace.BadParameter("missing parameter client")
	}
	if manager == nil {
		return nil, trace.BadParameter("missing parameter manager")
	}
	return &Service{
		client:  client,
		manager: manager,
		clock:   clockwork.NewRealClock(),
		log:     logger.Component(logger.Standard(), "account"),
	}, nil
}

// Login exchanges credentials for a session and stores it. A 401 from the
// portal means wrong credentials and leaves any existing session alone.
func (s *Service) Login(ctx context.Context, email, password string) (*User, error) {
	email, err := lib.CheckEmail(email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if password == "" {
		return nil, trace.BadParameter("password is required")
	}

	resp, err := s.client.Post(ctx, loginPath, loginRequest{Email: email, Password: password}, apiclient.SkipAuthHandling())
	if err != nil {
		if apiclient.IsUnauthorized(err) {
			return nil, trace.AccessDenied("invalid email or password")
		}
		return nil, trace.Wrap(err)
	}
	sess, err := auth.ParseTokenResponse(resp.Body, s.clock.Now())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.manager.Begin(ctx, sess); err != nil {
		return nil, trace.Wrap(err)
	}
	user := s.user(resp)
	logger.Get(ctx).WithField("email", email).Info("Logged in")
	return user, nil
}

// Register creates an account. When the portal answers with a token pair the
// new session is stored right away.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if err := req.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := s.client.Post(ctx, registerPath, req, apiclient.SkipAuthHandling())
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var data tokenData
	if err := resp.Data(&data); err != nil {
		return nil, trace.Wrap(err, "malformed register response")
	}
	if sess, err := auth.ParseTokenResponse(resp.Body, s.clock.Now()); err == nil {
		if err := s.manager.Begin(ctx, sess); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return data.User, nil
}

// CreateProfile creates the co-owner profile. It is usually called right
// after Register, so a 401 is returned as is instead of ending the session.
func (s *Service) CreateProfile(ctx context.Context, profile Profile) (*Profile, error) {
	if profile.FullName == "" || profile.Phone == "" {
		return nil, trace.BadParameter("profile requires a full name and a phone number")
	}
	var created Profile
	if _, err := s.client.Post(ctx, profilePath, profile, apiclient.SkipAuthHandling(), apiclient.Into(&created)); err != nil {
		return nil, trace.Wrap(err)
	}
	return &created, nil
}

// Me returns the logged in user.
func (s *Service) Me(ctx context.Context) (*User, error) {
	var user User
	if _, err := s.client.Get(ctx, mePath, apiclient.Into(&user)); err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// Logout tells the portal to revoke the session and drops it locally. The
// local session is dropped even when the portal cannot be reached.
func (s *Service) Logout(ctx context.Context) error {
	sess, err := s.manager.Current(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if sess != nil {
		_, err := s.client.Do(ctx, http.MethodPost, logoutPath, nil, apiclient.SkipAuthHandling())
		if err != nil {
			s.log.WithError(err).Warn("Portal logout failed, dropping the local session anyway")
		}
	}
	return trace.Wrap(s.manager.End(ctx))
}

func (s *Service) user(resp *apiclient.Response) *User {
	var data tokenData
	if err := resp.Data(&data); err != nil {
		s.log.WithError(err).Debug("Token response carries no user")
	}
	return data.User
}
