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
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type userKey struct{}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
	Phone    string `json:"phone"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (p *Portal) handleHealth(rw http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeData(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func (p *Portal) handleLogin(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req loginRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	var errs []fieldError
	if req.Email == "" {
		errs = append(errs, fieldError{Field: "email", Message: "Email is required"})
	}
	if req.Password == "" {
		errs = append(errs, fieldError{Field: "password", Message: "Password is required"})
	}
	if len(errs) > 0 {
		writeValidation(rw, errs)
		return
	}

	user, err := p.authenticate(req.Email, req.Password)
	if err != nil {
		writeError(rw, http.StatusUnauthorized, err.Error())
		return
	}
	p.mu.Lock()
	access, refresh, err := p.issueLocked(user)
	view := *user
	p.mu.Unlock()
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	p.conf.Log.WithField("email", user.Email).Debug("User logged in")
	writeData(rw, http.StatusOK, p.tokenPayload(access, refresh, map[string]interface{}{"user": view}))
}

func (p *Portal) handleRegister(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req registerRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	var errs []fieldError
	if _, err := normalizeEmail(req.Email); err != nil {
		errs = append(errs, fieldError{Field: "email", Message: "Email is invalid"})
	}
	if len(req.Password) < 8 {
		errs = append(errs, fieldError{Field: "password", Message: "Password must be at least 8 characters"})
	}
	if strings.TrimSpace(req.FullName) == "" {
		errs = append(errs, fieldError{Field: "fullName", Message: "Full name is required"})
	}
	if len(errs) > 0 {
		writeValidation(rw, errs)
		return
	}

	user, err := p.AddUser(req.Email, req.Password, req.FullName)
	switch {
	case trace.IsAlreadyExists(err):
		writeError(rw, http.StatusConflict, "Email is already registered")
		return
	case err != nil:
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}

	p.mu.Lock()
	user.Phone = req.Phone
	access, refresh, err := p.issueLocked(user)
	view := *user
	p.mu.Unlock()
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(rw, http.StatusCreated, p.tokenPayload(access, refresh, map[string]interface{}{"user": view}))
}

func (p *Portal) handleRefresh(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	p.refreshCalls.Add(1)

	p.mu.Lock()
	gate, failStatus := p.refreshGate, p.refreshFailStatus
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if failStatus != 0 {
		writeError(rw, failStatus, "refresh failed")
		return
	}

	var req refreshRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(rw, http.StatusBadRequest, "Refresh token is required")
		return
	}

	p.mu.Lock()
	access, refresh, err := p.redeemLocked(req.RefreshToken)
	p.mu.Unlock()
	if err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	writeData(rw, http.StatusOK, p.tokenPayload(access, refresh, nil))
}

func (p *Portal) handleLogout(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user := userFrom(r.Context())
	p.mu.Lock()
	p.revokeUserLocked(user.ID)
	p.revoked[bearerToken(r)] = struct{}{}
	p.mu.Unlock()
	writeData(rw, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (p *Portal) handleMe(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user := userFrom(r.Context())
	p.mu.Lock()
	view := *user
	p.mu.Unlock()
	writeData(rw, http.StatusOK, view)
}

func (p *Portal) handleCreateProfile(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var profile Profile
	if !decodeBody(rw, r, &profile) {
		return
	}
	var errs []fieldError
	if strings.TrimSpace(profile.FullName) == "" {
		errs = append(errs, fieldError{Field: "fullName", Message: "Full name is required"})
	}
	if strings.TrimSpace(profile.Phone) == "" {
		errs = append(errs, fieldError{Field: "phone", Message: "Phone is required"})
	}
	if len(errs) > 0 {
		writeValidation(rw, errs)
		return
	}

	user := userFrom(r.Context())
	p.mu.Lock()
	if user.Profile != nil {
		p.mu.Unlock()
		writeError(rw, http.StatusConflict, "Profile already exists")
		return
	}
	user.Profile = &profile
	p.mu.Unlock()
	writeData(rw, http.StatusCreated, profile)
}

func (p *Portal) handleGetVehicle(rw http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	p.mu.Lock()
	vehicle, ok := p.vehicles[ps.ByName("id")]
	p.mu.Unlock()
	if !ok {
		writeError(rw, http.StatusNotFound, "Vehicle not found")
		return
	}
	writeData(rw, http.StatusOK, vehicle)
}

// authenticated rejects requests without a valid bearer token.
func (p *Portal) authenticated(next httprouter.Handle) httprouter.Handle {
	return func(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := bearerToken(r)
		if token == "" {
			writeError(rw, http.StatusUnauthorized, "Access token is required")
			return
		}
		user, err := p.verify(token)
		if err != nil {
			writeError(rw, http.StatusUnauthorized, err.Error())
			return
		}
		next(rw, r.WithContext(context.WithValue(r.Context(), userKey{}, user)), ps)
	}
}

func (p *Portal) tokenPayload(access, refresh string, extra map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{
		"refreshToken": refresh,
		"expiresIn":    int64(p.conf.AccessTokenTTL / time.Second),
	}
	p.mu.Lock()
	legacy := p.legacyTokenField
	p.mu.Unlock()
	if legacy {
		payload["token"] = access
	} else {
		payload["accessToken"] = access
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

func userFrom(ctx context.Context) *User {
	user, _ := ctx.Value(userKey{}).(*User)
	return user
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeBody(rw http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(rw, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

func writeData(rw http.ResponseWriter, status int, data interface{}) {
	writeJSON(rw, status, map[string]interface{}{"success": true, "data": data})
}

func writeError(rw http.ResponseWriter, status int, message string) {
	writeJSON(rw, status, map[string]interface{}{"success": false, "message": message})
}

func writeValidation(rw http.ResponseWriter, errs []fieldError) {
	writeJSON(rw, http.StatusUnprocessableEntity, map[string]interface{}{
		"success": false,
		"message": "Validation failed",
		"errors":  errs,
	})
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.Itoa(int((d + time.Second - 1) / time.Second))
}
