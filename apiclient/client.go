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
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"github.com/coevhub/portal-client/auth"
	"github.com/coevhub/portal-client/lib"
	"github.com/coevhub/portal-client/lib/logger"
	"github.com/coevhub/portal-client/lib/routeset"
)

const (
	requestIDHeader = "X-Request-ID"
	// SkipAuthHeader set to "true" on a request has the same effect as the
	// SkipAuthHandling option. It is never sent to the server.
	SkipAuthHeader = "X-Skip-Auth-Handling"
)

// Client is an HTTP client for the portal API. It attaches the session's
// bearer token to every request and, on a 401, refreshes the session once
// and retries the request once with the new token.
type Client struct {
	client   *resty.Client
	manager  *auth.Manager
	skipAuth routeset.RouteSet
	timeout  time.Duration
	log      logrus.FieldLogger
	metrics  *Metrics
	clock    clockwork.Clock
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	log        logrus.FieldLogger
	metrics    *Metrics
	clock      clockwork.Clock
}

// WithHTTPClient makes the client dispatch through hc.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithLogger sets the client logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithMetrics sets the request counters.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock sets the clock used to interpret Retry-After dates.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// New creates a client for the portal described by conf. The manager owns
// the session the client authenticates with.
func New(conf lib.PortalConfig, manager *auth.Manager, opts ...Option) (*Client, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if manager == nil {
		return nil, trace.BadParameter("missing parameter manager")
	}

	o := options{
		log:   logger.Component(logger.Standard(), "apiclient"),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		o.httpClient = &http.Client{Jar: jar}
	}

	client := resty.NewWithClient(o.httpClient).
		SetHostURL(conf.BaseURL).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", conf.UserAgent).
		SetLogger(o.log).
		SetDisableWarn(true)
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal

	c := &Client{
		client:   client,
		manager:  manager,
		skipAuth: conf.SkipAuthSet(),
		timeout:  conf.Timeout,
		log:      o.log,
		metrics:  o.metrics,
		clock:    o.clock,
	}

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if req.Header.Get(requestIDHeader) == "" {
			req.SetHeader(requestIDHeader, uuid.NewString())
		}
		return nil
	})
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		c.metrics.observe(resp.Request.Method, resp.StatusCode())
		c.log.WithFields(logger.Fields{
			"method":     resp.Request.Method,
			"url":        resp.Request.URL,
			"status":     resp.StatusCode(),
			"duration":   resp.Time(),
			"request_id": resp.Request.Header.Get(requestIDHeader),
		}).Debug("Portal request completed")
		return nil
	})
	return c, nil
}

// RequestOption customizes a single request.
type RequestOption func(*pendingRequest)

// SkipAuthHandling disables the 401 handling for the request: a 401 is
// returned as is, without a refresh and without touching the session.
func SkipAuthHandling() RequestOption {
	return func(p *pendingRequest) {
		p.skipAuth = true
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) RequestOption {
	return func(p *pendingRequest) {
		p.header.Add(key, value)
	}
}

// WithQuery adds a query parameter.
func WithQuery(key, value string) RequestOption {
	return func(p *pendingRequest) {
		p.query.Add(key, value)
	}
}

// WithTimeout overrides the configured timeout for the request.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(p *pendingRequest) {
		p.timeout = timeout
	}
}

// Into decodes the data envelope of a successful response into v.
func Into(v interface{}) RequestOption {
	return func(p *pendingRequest) {
		p.into = v
	}
}

// pendingRequest is everything needed to send a request again.
type pendingRequest struct {
	method   string
	path     string
	header   http.Header
	query    url.Values
	body     []byte
	timeout  time.Duration
	into     interface{}
	skipAuth bool
	// retried is set once the request has been sent again after a refresh.
	retried bool
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, opts...)
}

// Delete sends a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, opts...)
}

// Post sends a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body, opts...)
}

// Put sends a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, body, opts...)
}

// Patch sends a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, path, body, opts...)
}

// Do sends a request to path, relative to the base URL. body is encoded as
// JSON unless it already is a []byte or a string.
//
// Every error returned is an *Error. A 401 triggers a single refresh and a
// single retry unless auth handling is skipped for the request; when the
// refresh is impossible the session is cleared and a KindSessionExpired
// error is returned.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	p, err := c.newPendingRequest(method, path, body, opts)
	if err != nil {
		return nil, &Error{Kind: KindUnexpected, Method: method, Path: path, Err: err}
	}

	resp, token, apiErr := c.dispatch(ctx, p)
	if apiErr != nil {
		return nil, apiErr
	}
	if resp.StatusCode() != http.StatusUnauthorized || p.skipAuth {
		return c.finish(p, resp)
	}

	if err := ctx.Err(); err != nil {
		return nil, c.transportError(ctx, p, err)
	}
	log := c.log.WithFields(logger.Fields{"method": p.method, "path": p.path})
	log.Debug("Got 401, refreshing session")

	if _, err := c.manager.Refresh(ctx, token); err != nil {
		switch {
		case errors.Is(err, auth.ErrNoRefreshToken), errors.Is(err, auth.ErrRefreshFailed):
			return nil, &Error{
				Kind:          KindSessionExpired,
				StatusCode:    http.StatusUnauthorized,
				Method:        p.method,
				Path:          p.path,
				RequestID:     resp.Header().Get(requestIDHeader),
				RefreshFailed: errors.Is(err, auth.ErrRefreshFailed),
				Err:           err,
			}
		case ctx.Err() != nil:
			return nil, c.transportError(ctx, p, err)
		default:
			return nil, &Error{Kind: KindUnexpected, Method: p.method, Path: p.path, Err: err}
		}
	}

	p.retried = true
	resp, _, apiErr = c.dispatch(ctx, p)
	if apiErr != nil {
		return nil, apiErr
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		log.Debug("Retried request got 401 again, giving up")
	}
	return c.finish(p, resp)
}

func (c *Client) newPendingRequest(method, path string, body interface{}, opts []RequestOption) (*pendingRequest, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return nil, trace.BadParameter("request method is empty")
	}
	// The session's bearer token must never leave the base URL.
	target, err := url.Parse(path)
	if err != nil {
		return nil, trace.BadParameter("malformed request path %q: %v", path, err)
	}
	if target.IsAbs() || target.Host != "" {
		return nil, trace.BadParameter("request path %q must be relative to the base URL", path)
	}
	p := &pendingRequest{
		method:  method,
		path:    strings.TrimLeft(path, "/"),
		header:  make(http.Header),
		query:   make(url.Values),
		timeout: c.timeout,
	}
	for _, opt := range opts {
		opt(p)
	}

	if strings.EqualFold(strings.TrimSpace(p.header.Get(SkipAuthHeader)), "true") {
		p.skipAuth = true
	}
	p.header.Del(SkipAuthHeader)
	if c.skipAuth.Match(p.path) {
		p.skipAuth = true
	}
	if p.header.Get(requestIDHeader) == "" {
		// Shared by the retry so both attempts can be correlated.
		p.header.Set(requestIDHeader, uuid.NewString())
	}

	switch b := body.(type) {
	case nil:
	case []byte:
		p.body = b
	case string:
		p.body = []byte(b)
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, trace.Wrap(err, "failed to encode request body")
		}
		p.body = encoded
	}
	if p.body != nil && p.header.Get("Content-Type") == "" {
		p.header.Set("Content-Type", "application/json")
	}
	return p, nil
}

// dispatch sends the request once with the current access token and returns
// the token it used.
func (c *Client) dispatch(ctx context.Context, p *pendingRequest) (*resty.Response, string, *Error) {
	if err := ctx.Err(); err != nil {
		return nil, "", c.transportError(ctx, p, err)
	}
	token, err := c.manager.AccessToken(ctx)
	if err != nil {
		return nil, "", &Error{Kind: KindUnexpected, Method: p.method, Path: p.path, Message: "failed to read session", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req := c.client.R().
		SetContext(callCtx).
		SetHeaderMultiValues(p.header).
		SetQueryParamsFromValues(p.query)
	if token != "" {
		req.SetAuthToken(token)
	}
	if p.body != nil {
		req.SetBody(p.body)
	}

	resp, err := req.Execute(p.method, p.path)
	if err != nil {
		c.metrics.observe(p.method, 0)
		return nil, token, c.transportError(ctx, p, err)
	}
	return resp, token, nil
}

// finish turns a response into the result of Do.
func (c *Client) finish(p *pendingRequest, resp *resty.Response) (*Response, error) {
	if !resp.IsSuccess() {
		return nil, statusError(p.method, p.path, resp.StatusCode(), resp.Header(), resp.Body(), c.clock.Now())
	}
	out := &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
		RequestID:  resp.Request.Header.Get(requestIDHeader),
		Duration:   resp.Time(),
	}
	if p.into != nil {
		if err := out.Data(p.into); err != nil {
			return nil, &Error{
				Kind:       KindMalformedResponse,
				StatusCode: out.StatusCode,
				Method:     p.method,
				Path:       p.path,
				RequestID:  out.RequestID,
				Err:        err,
			}
		}
	}
	return out, nil
}

// transportError classifies a failure that produced no response. ctx is the
// caller's context: its cancellation is reported as such, while an expired
// per-request timeout is a timeout.
func (c *Client) transportError(ctx context.Context, p *pendingRequest, err error) *Error {
	e := &Error{Method: p.method, Path: p.path, Err: err}
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		e.Kind = KindCanceled
	case lib.IsTimeout(err) || ctx.Err() != nil:
		e.Kind = KindTimeout
	default:
		e.Kind = KindNetwork
	}
	return e
}
