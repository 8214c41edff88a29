package fakeportal

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"
)

type testPortal struct {
	*Portal
	srv   *httptest.Server
	clock clockwork.FakeClock
}

func newTestPortal(t *testing.T, mutate func(*Config)) *testPortal {
	t.Helper()
	clock := clockwork.NewFakeClock()
	log := logrus.New()
	log.SetOutput(io.Discard)
	conf := Config{
		Secret:     []byte("test-secret"),
		Clock:      clock,
		Log:        log,
		BcryptCost: bcrypt.MinCost,
	}
	if mutate != nil {
		mutate(&conf)
	}
	portal, err := New(conf)
	require.NoError(t, err)
	srv := httptest.NewServer(portal)
	t.Cleanup(func() {
		srv.Close()
		portal.Close()
	})
	return &testPortal{Portal: portal, srv: srv, clock: clock}
}

func (p *testPortal) do(t *testing.T, method, path, token, body string) (int, gjson.Result, http.Header) {
	t.Helper()
	req, err := http.NewRequest(method, p.srv.URL+DefaultPrefix+"/"+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := p.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, gjson.ParseBytes(payload), resp.Header
}

func TestConfigRequiresSecret(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestLoginAndRefreshRotation(t *testing.T) {
	p := newTestPortal(t, nil)
	_, err := p.AddUser("Alice@example.com", "correct-horse", "Alice")
	require.NoError(t, err)

	code, body, _ := p.do(t, http.MethodPost, "auth/login", "", `{"email":"alice@example.com","password":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, code)
	require.NotEmpty(t, body.Get("message").String())

	code, body, _ = p.do(t, http.MethodPost, "auth/login", "", `{"email":"alice@example.com","password":"correct-horse"}`)
	require.Equal(t, http.StatusOK, code)
	access := body.Get("data.accessToken").String()
	refresh := body.Get("data.refreshToken").String()
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)
	require.Equal(t, "alice@example.com", body.Get("data.user.email").String())

	code, body, _ = p.do(t, http.MethodGet, "users/me", access, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Alice", body.Get("data.fullName").String())

	code, body, _ = p.do(t, http.MethodPost, "auth/refresh-token", "", `{"refreshToken":"`+refresh+`"}`)
	require.Equal(t, http.StatusOK, code)
	require.NotEqual(t, refresh, body.Get("data.refreshToken").String())
	require.Equal(t, 1, p.RefreshCalls())

	// Refresh tokens are single use.
	code, _, _ = p.do(t, http.MethodPost, "auth/refresh-token", "", `{"refreshToken":"`+refresh+`"}`)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAccessTokenExpiry(t *testing.T) {
	p := newTestPortal(t, func(c *Config) { c.AccessTokenTTL = time.Minute })
	_, err := p.AddUser("bob@example.com", "password1", "Bob")
	require.NoError(t, err)
	access, _, err := p.IssueTokens("bob@example.com")
	require.NoError(t, err)

	code, _, _ := p.do(t, http.MethodGet, "users/me", access, "")
	require.Equal(t, http.StatusOK, code)

	p.clock.Advance(2 * time.Minute)
	code, _, _ = p.do(t, http.MethodGet, "users/me", access, "")
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestRevokeAndLegacyField(t *testing.T) {
	p := newTestPortal(t, nil)
	_, err := p.AddUser("carol@example.com", "password1", "Carol")
	require.NoError(t, err)
	access, refresh, err := p.IssueTokens("carol@example.com")
	require.NoError(t, err)

	p.RevokeAccessToken(access)
	code, _, _ := p.do(t, http.MethodGet, "users/me", access, "")
	require.Equal(t, http.StatusUnauthorized, code)

	p.UseLegacyTokenField(true)
	code, body, _ := p.do(t, http.MethodPost, "auth/refresh-token", "", `{"refreshToken":"`+refresh+`"}`)
	require.Equal(t, http.StatusOK, code)
	require.False(t, body.Get("data.accessToken").Exists())
	require.NotEmpty(t, body.Get("data.token").String())

	p.FailRefresh(http.StatusInternalServerError)
	code, _, _ = p.do(t, http.MethodPost, "auth/refresh-token", "", `{"refreshToken":"whatever"}`)
	require.Equal(t, http.StatusInternalServerError, code)
}

func TestRegisterValidation(t *testing.T) {
	p := newTestPortal(t, nil)

	code, body, _ := p.do(t, http.MethodPost, "auth/register", "", `{"email":"nope","password":"short"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Len(t, body.Get("errors").Array(), 3)

	code, _, _ = p.do(t, http.MethodPost, "auth/register", "", `{"email":"dave@example.com","password":"long-enough","fullName":"Dave"}`)
	require.Equal(t, http.StatusCreated, code)
	code, _, _ = p.do(t, http.MethodPost, "auth/register", "", `{"email":"dave@example.com","password":"long-enough","fullName":"Dave"}`)
	require.Equal(t, http.StatusConflict, code)
}

func TestVehiclesAndHits(t *testing.T) {
	p := newTestPortal(t, nil)
	_, err := p.AddUser("erin@example.com", "password1", "Erin")
	require.NoError(t, err)
	access, _, err := p.IssueTokens("erin@example.com")
	require.NoError(t, err)
	p.AddVehicle(Vehicle{ID: "42", Make: "Nissan", Model: "Leaf", LicensePlate: "EV-042"})

	code, body, _ := p.do(t, http.MethodGet, "vehicles/42", access, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Leaf", body.Get("data.model").String())

	code, _, _ = p.do(t, http.MethodGet, "vehicles/43", access, "")
	require.Equal(t, http.StatusNotFound, code)

	code, _, _ = p.do(t, http.MethodGet, "vehicles/42", "", "")
	require.Equal(t, http.StatusUnauthorized, code)

	require.Equal(t, 2, p.Hits("vehicles/42"))
	require.Equal(t, 1, p.Hits("vehicles/43"))
	require.Equal(t, "Bearer "+access, <-p.AuthHeaders())
}

func TestRateLimit(t *testing.T) {
	p := newTestPortal(t, func(c *Config) {
		c.RateLimit = 2
		c.RateInterval = time.Hour
	})

	for i := 0; i < 2; i++ {
		code, _, _ := p.do(t, http.MethodGet, "health", "", "")
		require.Equal(t, http.StatusOK, code)
	}
	code, _, header := p.do(t, http.MethodGet, "health", "", "")
	require.Equal(t, http.StatusTooManyRequests, code)
	require.NotEmpty(t, header.Get("Retry-After"))
}
