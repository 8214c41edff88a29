package apiclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/coevhub/portal-client/auth"
	"github.com/coevhub/portal-client/lib"
	"github.com/coevhub/portal-client/session"
)

type observedRequest struct {
	method string
	path   string
	auth   []string
	body   string
}

// fakeAPI is a scriptable portal: protected routes accept only the tokens
// listed in accepted, the refresh route rotates according to pairs.
type fakeAPI struct {
	srv *httptest.Server

	mu          sync.Mutex
	accepted    map[string]bool
	pairs       map[string]session.Session
	refreshCode int
	refreshGate chan struct{}

	refreshCalls  atomic.Int32
	refreshBodies chan string
	requests      chan observedRequest
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{
		accepted:      make(map[string]bool),
		pairs:         make(map[string]session.Session),
		refreshBodies: make(chan string, 100),
		requests:      make(chan observedRequest, 100),
	}
	router := httprouter.New()

	router.POST("/api/v1/auth/refresh-token", func(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		api.refreshCalls.Add(1)
		body, _ := io.ReadAll(r.Body)
		api.refreshBodies <- string(body)

		api.mu.Lock()
		gate, code := api.refreshGate, api.refreshCode
		api.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if code != 0 {
			writeTestJSON(rw, code, `{"message":"refresh rejected"}`)
			return
		}
		var req auth.RefreshRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeTestJSON(rw, http.StatusBadRequest, `{"message":"malformed"}`)
			return
		}
		api.mu.Lock()
		next, ok := api.pairs[req.RefreshToken]
		api.mu.Unlock()
		if !ok {
			writeTestJSON(rw, http.StatusBadRequest, `{"message":"invalid refresh token"}`)
			return
		}
		writeTestJSON(rw, http.StatusOK, `{"data":{"accessToken":"`+next.AccessToken+`","refreshToken":"`+next.RefreshToken+`"}}`)
	})

	protected := func(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		body, _ := io.ReadAll(r.Body)
		api.requests <- observedRequest{method: r.Method, path: r.URL.Path, auth: r.Header.Values("Authorization"), body: string(body)}
		api.mu.Lock()
		ok := api.accepted[r.Header.Get("Authorization")]
		api.mu.Unlock()
		if !ok {
			writeTestJSON(rw, http.StatusUnauthorized, `{"message":"Token expired"}`)
			return
		}
		writeTestJSON(rw, http.StatusOK, `{"success":true,"data":{"id":"42","model":"Leaf"}}`)
	}
	router.GET("/api/v1/vehicles/:id", protected)
	router.POST("/api/v1/bookings", protected)
	router.GET("/api/v1/users/profile", protected)
	router.POST("/api/v1/auth/login", protected)

	router.GET("/api/v1/status/:code", func(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		api.requests <- observedRequest{method: r.Method, path: r.URL.Path, auth: r.Header.Values("Authorization")}
		code, _ := strconv.Atoi(ps.ByName("code"))
		switch code {
		case http.StatusUnprocessableEntity:
			writeTestJSON(rw, code, `{"message":"Validation failed","errors":[{"field":"plate","message":"Plate is required"},{"param":"seats","msg":"Must be positive"}]}`)
		case http.StatusTooManyRequests:
			rw.Header().Set("Retry-After", "7")
			writeTestJSON(rw, code, `{"message":"slow down"}`)
		default:
			writeTestJSON(rw, code, `{"error":"status `+ps.ByName("code")+`"}`)
		}
	})
	router.GET("/api/v1/malformed", func(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeTestJSON(rw, http.StatusOK, `<html>oops</html>`)
	})
	router.GET("/api/v1/slow", func(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		api.requests <- observedRequest{method: r.Method, path: r.URL.Path}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		writeTestJSON(rw, http.StatusUnauthorized, `{"message":"too late"}`)
	})

	api.srv = httptest.NewServer(router)
	t.Cleanup(api.srv.Close)
	return api
}

func (a *fakeAPI) accept(tokens ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, token := range tokens {
		a.accepted["Bearer "+token] = true
	}
}

func (a *fakeAPI) rotate(refreshToken, nextAccess, nextRefresh string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pairs[refreshToken] = session.Session{AccessToken: nextAccess, RefreshToken: nextRefresh}
}

func (a *fakeAPI) failRefresh(code int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshCode = code
}

func (a *fakeAPI) holdRefresh() chan struct{} {
	gate := make(chan struct{})
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshGate = gate
	return gate
}

func (a *fakeAPI) nextRequest(t *testing.T) observedRequest {
	t.Helper()
	select {
	case req := <-a.requests:
		return req
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no request observed")
		return observedRequest{}
	}
}

func writeTestJSON(rw http.ResponseWriter, code int, body string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	io.WriteString(rw, body)
}

type testClient struct {
	*Client
	manager *auth.Manager
	store   session.Store

	mu      sync.Mutex
	signals []error
}

func (c *testClient) loginSignals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.signals)
}

func (c *testClient) session(t *testing.T) *session.Session {
	t.Helper()
	sess, err := session.Load(context.Background(), c.store)
	require.NoError(t, err)
	return sess
}

func newTestClient(t *testing.T, api *fakeAPI, store session.Store, initial *session.Session, opts ...Option) *testClient {
	t.Helper()
	log := logrus.New()
	log.Level = logrus.DebugLevel

	if store == nil {
		store = session.NewMemoryStore()
	}
	if initial != nil {
		require.NoError(t, store.Put(context.Background(), initial))
	}
	conf := lib.PortalConfig{BaseURL: api.srv.URL + "/api/v1", Timeout: 2 * time.Second}
	refresher, err := auth.NewHTTPRefresher(conf)
	require.NoError(t, err)

	tc := &testClient{store: store}
	tc.manager, err = auth.NewManager(auth.ManagerConfig{
		Store:     store,
		Refresher: refresher,
		Log:       log,
		OnLoginRequired: func(reason error) {
			tc.mu.Lock()
			defer tc.mu.Unlock()
			tc.signals = append(tc.signals, reason)
		},
	})
	require.NoError(t, err)

	tc.Client, err = New(conf, tc.manager, append([]Option{WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	return tc
}
