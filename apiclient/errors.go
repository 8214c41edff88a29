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

package apiclient

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/coevhub/portal-client/lib"
)

// Kind classifies a failed request.
type Kind string

const (
	// KindUnauthorized is a 401 that was not (or could no longer be) recovered by a refresh.
	KindUnauthorized Kind = "unauthorized"
	// KindSessionExpired means the session was invalidated and the user has to log in again.
	KindSessionExpired Kind = "session_expired"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	// KindValidationFailed carries per-field messages in Error.Fields.
	KindValidationFailed Kind = "validation_failed"
	// KindRateLimited carries the server's Retry-After hint in Error.RetryAfter.
	KindRateLimited Kind = "rate_limited"
	KindServerError Kind = "server_error"
	// KindNetwork means no response was received.
	KindNetwork Kind = "network"
	KindTimeout Kind = "timeout"
	// KindCanceled means the caller gave up before a response arrived.
	KindCanceled Kind = "canceled"
	// KindMalformedResponse means a 2xx body could not be decoded.
	KindMalformedResponse Kind = "malformed_response"
	// KindUnexpected covers every other failure, including 4xx codes without a kind of their own.
	KindUnexpected Kind = "unexpected"
)

// Error is the error returned by Client for every failed request.
type Error struct {
	Kind       Kind
	StatusCode int
	Method     string
	Path       string
	// Message is the server supplied message, if any.
	Message string
	// Fields maps a field name to its validation message.
	Fields    map[string]string
	RequestID string
	// RetryAfter is only set for KindRateLimited.
	RetryAfter time.Duration
	// RefreshFailed tells a failed refresh call apart from a missing refresh token.
	RefreshFailed bool
	Err           error
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v %v: %v", e.Method, e.Path, strings.ReplaceAll(string(e.Kind), "_", " "))
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		names := make([]string, 0, len(e.Fields))
		for name := range e.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, name+": "+e.Fields[name])
		}
		fmt.Fprintf(&sb, " [%v]", strings.Join(parts, ", "))
	}
	if e.Err != nil && e.Message == "" {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a Client error, or an empty Kind for other errors.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

func IsUnauthorized(err error) bool     { return KindOf(err) == KindUnauthorized }
func IsSessionExpired(err error) bool   { return KindOf(err) == KindSessionExpired }
func IsForbidden(err error) bool        { return KindOf(err) == KindForbidden }
func IsNotFound(err error) bool         { return KindOf(err) == KindNotFound }
func IsValidationFailed(err error) bool { return KindOf(err) == KindValidationFailed }
func IsRateLimited(err error) bool      { return KindOf(err) == KindRateLimited }
func IsServerError(err error) bool      { return KindOf(err) == KindServerError }
func IsNetworkError(err error) bool     { return KindOf(err) == KindNetwork }
func IsTimeout(err error) bool          { return KindOf(err) == KindTimeout }
func IsCanceled(err error) bool         { return KindOf(err) == KindCanceled }
func IsMalformedResponse(err error) bool {
	return KindOf(err) == KindMalformedResponse
}

// IsRefreshFailed is true when the session expired because the refresh call
// itself failed, as opposed to there being no refresh token at all.
func IsRefreshFailed(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == KindSessionExpired && apiErr.RefreshFailed
}

// kindForStatus maps an HTTP status code to an error kind.
func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return KindUnauthorized
	case code == http.StatusForbidden:
		return KindForbidden
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusUnprocessableEntity:
		return KindValidationFailed
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= http.StatusInternalServerError:
		return KindServerError
	default:
		return KindUnexpected
	}
}

// statusError builds the error for a non-2xx response.
func statusError(method, path string, code int, header http.Header, body []byte, now time.Time) *Error {
	e := &Error{
		Kind:       kindForStatus(code),
		StatusCode: code,
		Method:     method,
		Path:       path,
		Message:    errorMessage(body),
		RequestID:  header.Get(requestIDHeader),
	}
	switch e.Kind {
	case KindValidationFailed:
		e.Fields = fieldErrors(body)
	case KindRateLimited:
		e.RetryAfter = retryAfter(header.Get("Retry-After"), now)
	}
	if e.Message == "" && e.Kind == KindUnexpected && len(body) > 0 && !gjson.ValidBytes(body) {
		e.Message = lib.Snippet(string(body), 200)
	}
	return e
}

// errorMessage extracts the message from {"message": ...}, {"error": "..."}
// or {"error": {"message": ...}} bodies.
func errorMessage(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"message", "error.message", "error", "msg"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// fieldErrors reads validation details. Both {"errors": {"field": "msg"}} and
// {"errors": [{"field": "f", "message": "msg"}]} are understood, along with
// the param/path and msg names used by express-validator.
func fieldErrors(body []byte) map[string]string {
	errs := gjson.GetBytes(body, "errors")
	if !errs.Exists() {
		return nil
	}
	fields := make(map[string]string)
	switch {
	case errs.IsObject():
		errs.ForEach(func(key, value gjson.Result) bool {
			if value.IsArray() {
				value = value.Get("0")
			}
			fields[key.String()] = value.String()
			return true
		})
	case errs.IsArray():
		for i, item := range errs.Array() {
			if item.Type == gjson.String {
				fields[strconv.Itoa(i)] = item.Str
				continue
			}
			name := firstString(item, "field", "param", "path")
			if name == "" {
				name = strconv.Itoa(i)
			}
			fields[name] = firstString(item, "message", "msg")
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func firstString(v gjson.Result, paths ...string) string {
	for _, path := range paths {
		if s := v.Get(path).String(); s != "" {
			return s
		}
	}
	return ""
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
