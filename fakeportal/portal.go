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

// Package fakeportal is an in-process stand-in for the portal's auth, user
// and vehicle services. It backs the client tests and the portal-mock binary.
package fakeportal

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	limiter "github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/coevhub/portal-client/lib/logger"
)

const (
	// DefaultPrefix is the path every endpoint is mounted under.
	DefaultPrefix = "/api/v1"

	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Config configures a Portal.
type Config struct {
	// Prefix is prepended to every route.
	Prefix string
	// Secret signs the access tokens.
	Secret []byte
	Clock  clockwork.Clock
	Log    log.FieldLogger

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int

	// RateLimit is the number of requests a client may send per RateInterval.
	// Zero disables rate limiting.
	RateLimit    uint64
	RateInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	c.Prefix = "/" + strings.Trim(c.Prefix, "/")
	if len(c.Secret) == 0 {
		return trace.BadParameter("missing parameter Secret")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logger.Component(logger.Standard(), "fakeportal")
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = defaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.RateLimit > 0 && c.RateInterval == 0 {
		c.RateInterval = time.Minute
	}
	return nil
}

// Portal is an http.Handler serving the fake portal API.
type Portal struct {
	conf    Config
	router  *httprouter.Router
	limiter limiter.Store

	mu            sync.Mutex
	users         map[string]*User // by email
	refreshTokens map[string]refreshGrant
	revoked       map[string]struct{}
	vehicles      map[string]Vehicle

	refreshFailStatus int
	legacyTokenField  bool
	refreshGate       <-chan struct{}

	refreshCalls atomic.Int64
	hits         sync.Map // path -> *atomic.Int64
	authHeaders  chan string
}

// New creates a Portal.
func New(conf Config) (*Portal, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Portal{
		conf:          conf,
		router:        httprouter.New(),
		users:         make(map[string]*User),
		refreshTokens: make(map[string]refreshGrant),
		revoked:       make(map[string]struct{}),
		vehicles:      make(map[string]Vehicle),
		authHeaders:   make(chan string, 1024),
	}
	if conf.RateLimit > 0 {
		store, err := memorystore.New(&memorystore.Config{
			Tokens:   conf.RateLimit,
			Interval: conf.RateInterval,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		p.limiter = store
	}
	p.routes()
	return p, nil
}

func (p *Portal) routes() {
	prefix := p.conf.Prefix
	p.router.GET(prefix+"/health", p.handleHealth)
	p.router.POST(prefix+"/auth/login", p.handleLogin)
	p.router.POST(prefix+"/auth/register", p.handleRegister)
	p.router.POST(prefix+"/auth/refresh-token", p.handleRefresh)
	p.router.POST(prefix+"/auth/logout", p.authenticated(p.handleLogout))
	p.router.GET(prefix+"/users/me", p.authenticated(p.handleMe))
	p.router.POST(prefix+"/users/profile", p.authenticated(p.handleCreateProfile))
	p.router.GET(prefix+"/vehicles/:id", p.authenticated(p.handleGetVehicle))
	p.router.NotFound = http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		writeError(rw, http.StatusNotFound, "route not found")
	})
}

// ServeHTTP implements http.Handler.
func (p *Portal) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	p.hit(strings.TrimPrefix(r.URL.Path, p.conf.Prefix+"/"))
	select {
	case p.authHeaders <- r.Header.Get("Authorization"):
	default:
	}
	if p.limiter != nil {
		_, _, reset, ok, err := p.limiter.Take(r.Context(), clientKey(r))
		if err != nil {
			writeError(rw, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			wait := time.Until(time.Unix(0, int64(reset)))
			if wait < time.Second {
				wait = time.Second
			}
			rw.Header().Set("Retry-After", formatSeconds(wait))
			writeError(rw, http.StatusTooManyRequests, "too many requests")
			return
		}
	}
	p.router.ServeHTTP(rw, r)
}

// Prefix returns the path every endpoint is mounted under.
func (p *Portal) Prefix() string {
	return p.conf.Prefix
}

// Close releases the rate limiter.
func (p *Portal) Close() error {
	if p.limiter == nil {
		return nil
	}
	return trace.Wrap(p.limiter.Close(context.Background()))
}

func (p *Portal) hit(path string) {
	counter, _ := p.hits.LoadOrStore(path, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1)
}

// Hits returns how many requests were received for path, relative to the prefix.
func (p *Portal) Hits(path string) int {
	counter, ok := p.hits.Load(strings.TrimLeft(path, "/"))
	if !ok {
		return 0
	}
	return int(counter.(*atomic.Int64).Load())
}

// RefreshCalls returns how many refresh requests were received.
func (p *Portal) RefreshCalls() int {
	return int(p.refreshCalls.Load())
}

// AuthHeaders yields the Authorization header of every request in arrival order.
func (p *Portal) AuthHeaders() <-chan string {
	return p.authHeaders
}

// FailRefresh makes the refresh endpoint answer with status. Zero restores
// normal behavior.
func (p *Portal) FailRefresh(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshFailStatus = status
}

// UseLegacyTokenField makes token responses carry the access token as
// "token" instead of "accessToken".
func (p *Portal) UseLegacyTokenField(legacy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.legacyTokenField = legacy
}

// HoldRefresh makes refresh requests wait until gate is closed.
func (p *Portal) HoldRefresh(gate <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshGate = gate
}

// RevokeAccessToken makes the server reject token with a 401.
func (p *Portal) RevokeAccessToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[token] = struct{}{}
}
