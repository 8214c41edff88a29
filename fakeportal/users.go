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

package fakeportal

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/coevhub/portal-client/lib"
)

// User is a registered portal user.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	Phone     string    `json:"phone,omitempty"`
	Role      string    `json:"role"`
	Profile   *Profile  `json:"profile,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	passwordHash []byte
}

// Profile is the co-owner profile created after registration.
type Profile struct {
	FullName    string `json:"fullName"`
	Phone       string `json:"phone"`
	Address     string `json:"address,omitempty"`
	LicenseID   string `json:"licenseId,omitempty"`
	DateOfBirth string `json:"dateOfBirth,omitempty"`
}

// Vehicle is a shared vehicle.
type Vehicle struct {
	ID           string `json:"id"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	LicensePlate string `json:"licensePlate"`
	BatteryKWh   int    `json:"batteryKwh,omitempty"`
}

type refreshGrant struct {
	userID    string
	expiresAt time.Time
}

type accessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// AddUser registers a user with the given password.
func (p *Portal) AddUser(email, password, fullName string) (*User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if password == "" {
		return nil, trace.BadParameter("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.conf.BcryptCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[email]; ok {
		return nil, trace.AlreadyExists("user %v already exists", email)
	}
	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     fullName,
		Role:         "co_owner",
		CreatedAt:    p.conf.Clock.Now().UTC(),
		passwordHash: hash,
	}
	p.users[email] = user
	return user, nil
}

// AddVehicle adds or replaces a vehicle.
func (p *Portal) AddVehicle(v Vehicle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vehicles[v.ID] = v
}

// IssueTokens logs email in without a password check and returns a fresh
// token pair.
func (p *Portal) IssueTokens(email string) (accessToken, refreshToken string, err error) {
	email = strings.ToLower(strings.TrimSpace(email))
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.users[email]
	if !ok {
		return "", "", trace.NotFound("user %v not found", email)
	}
	return p.issueLocked(user)
}

func (p *Portal) authenticate(email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	p.mu.Lock()
	user, ok := p.users[email]
	p.mu.Unlock()
	if !ok {
		return nil, trace.AccessDenied("invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword(user.passwordHash, []byte(password)); err != nil {
		return nil, trace.AccessDenied("invalid email or password")
	}
	return user, nil
}

// issueLocked signs an access token and records a single-use refresh token.
func (p *Portal) issueLocked(user *User) (string, string, error) {
	now := p.conf.Clock.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.conf.AccessTokenTTL)),
		},
		Email: user.Email,
		Role:  user.Role,
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.conf.Secret)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	refresh := uuid.NewString()
	p.refreshTokens[refresh] = refreshGrant{userID: user.ID, expiresAt: now.Add(p.conf.RefreshTokenTTL)}
	return access, refresh, nil
}

// redeemLocked consumes a refresh token and issues a new pair.
func (p *Portal) redeemLocked(refreshToken string) (string, string, error) {
	grant, ok := p.refreshTokens[refreshToken]
	if !ok {
		return "", "", trace.AccessDenied("invalid refresh token")
	}
	delete(p.refreshTokens, refreshToken)
	if !p.conf.Clock.Now().Before(grant.expiresAt) {
		return "", "", trace.AccessDenied("refresh token expired")
	}
	user := p.userByIDLocked(grant.userID)
	if user == nil {
		return "", "", trace.AccessDenied("invalid refresh token")
	}
	return p.issueLocked(user)
}

// verify checks an access token and returns its user.
func (p *Portal) verify(token string) (*User, error) {
	claims := &accessClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.conf.Clock.Now),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return p.conf.Secret, nil
	})
	if err != nil {
		return nil, trace.AccessDenied("invalid access token: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.revoked[token]; ok {
		return nil, trace.AccessDenied("access token revoked")
	}
	user := p.userByIDLocked(claims.Subject)
	if user == nil {
		return nil, trace.AccessDenied("unknown user")
	}
	return user, nil
}

// revokeUserLocked drops every refresh token of a user.
func (p *Portal) revokeUserLocked(userID string) {
	for token, grant := range p.refreshTokens {
		if grant.userID == userID {
			delete(p.refreshTokens, token)
		}
	}
}

func normalizeEmail(email string) (string, error) {
	email, err := lib.CheckEmail(email)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return strings.ToLower(email), nil
}

func (p *Portal) userByIDLocked(id string) *User {
	for _, user := range p.users {
		if user.ID == id {
			return user
		}
	}
	return nil
}
