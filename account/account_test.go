package account

import (
	"io"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	"github.com/coevhub/portal-client/apiclient"
	"github.com/coevhub/portal-client/auth"
	"github.com/coevhub/portal-client/fakeportal"
	"github.com/coevhub/portal-client/lib"
	portaltesting "github.com/coevhub/portal-client/lib/testing"
	"github.com/coevhub/portal-client/session"
)

type AccountSuite struct {
	portaltesting.Suite

	clock   clockwork.FakeClock
	portal  *fakeportal.Portal
	store   *session.MemoryStore
	manager *auth.Manager
	service *Service
	signals atomic.Int32
}

func TestAccount(t *testing.T) { suite.Run(t, &AccountSuite{}) }

func (s *AccountSuite) SetupTest() {
	t := s.T()
	s.SetContext(10 * time.Second)

	log := logrus.New()
	log.SetOutput(io.Discard)

	s.clock = clockwork.NewFakeClock()
	portal, err := fakeportal.New(fakeportal.Config{
		Secret:         []byte("account-test"),
		Clock:          s.clock,
		Log:            log,
		BcryptCost:     bcrypt.MinCost,
		AccessTokenTTL: 15 * time.Minute,
	})
	require.NoError(t, err)
	s.portal = portal
	srv := httptest.NewServer(portal)
	t.Cleanup(srv.Close)

	conf := lib.PortalConfig{BaseURL: srv.URL + fakeportal.DefaultPrefix}
	refresher, err := auth.NewHTTPRefresher(conf)
	require.NoError(t, err)

	s.signals.Store(0)
	s.store = session.NewMemoryStore()
	s.manager, err = auth.NewManager(auth.ManagerConfig{
		Store:     s.store,
		Refresher: refresher,
		Log:       log,
		OnLoginRequired: func(error) {
			s.signals.Add(1)
		},
	})
	require.NoError(t, err)

	client, err := apiclient.New(conf, s.manager, apiclient.WithLogger(log))
	require.NoError(t, err)
	s.service, err = NewService(client, s.manager)
	require.NoError(t, err)
}

func (s *AccountSuite) TestRegisterThenCreateProfile() {
	t := s.T()
	ctx := s.Ctx()

	user, err := s.service.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Password: "correct-horse",
		FullName: "Alice",
	})
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user.Email)

	sess, err := s.manager.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess, "registration logs the user in")

	profile, err := s.service.CreateProfile(ctx, Profile{FullName: "Alice Doe", Phone: "+84 90 000 0000"})
	require.NoError(t, err)
	require.Equal(t, "Alice Doe", profile.FullName)

	me, err := s.service.Me(ctx)
	require.NoError(t, err)
	require.NotNil(t, me.Profile)
	require.Equal(t, "+84 90 000 0000", me.Profile.Phone)
}

func (s *AccountSuite) TestRegisterLegacyTokenField() {
	t := s.T()
	ctx := s.Ctx()
	s.portal.UseLegacyTokenField(true)

	_, err := s.service.Register(ctx, RegisterRequest{
		Email:    "frank@example.com",
		Password: "correct-horse",
		FullName: "Frank",
	})
	require.NoError(t, err)

	sess, err := s.manager.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NotEmpty(t, sess.AccessToken)
	require.NotEmpty(t, sess.RefreshToken)
	require.False(t, sess.ExpiresAt.IsZero())

	me, err := s.service.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "frank@example.com", me.Email)
}

func (s *AccountSuite) TestRegisterValidation() {
	t := s.T()
	_, err := s.service.Register(s.Ctx(), RegisterRequest{Email: "not-an-email", Password: "x", FullName: "X"})
	require.True(t, trace.IsBadParameter(err))

	_, err = s.service.Register(s.Ctx(), RegisterRequest{Email: "bob@example.com", Password: "short", FullName: "Bob"})
	require.True(t, apiclient.IsValidationFailed(err), "expected ValidationFailed, got %v", err)
	var apiErr *apiclient.Error
	require.ErrorAs(t, err, &apiErr)
	require.Contains(t, apiErr.Fields, "password")
}

func (s *AccountSuite) TestCreateProfileWithoutSessionKeepsState() {
	t := s.T()
	_, err := s.service.CreateProfile(s.Ctx(), Profile{FullName: "Carol", Phone: "123"})
	require.True(t, apiclient.IsUnauthorized(err), "expected Unauthorized, got %v", err)
	require.Zero(t, s.signals.Load(), "no login redirect for a skip-auth call")
	require.Zero(t, s.portal.RefreshCalls())
}

func (s *AccountSuite) TestLogin() {
	t := s.T()
	ctx := s.Ctx()
	_, err := s.portal.AddUser("dave@example.com", "password1", "Dave")
	require.NoError(t, err)

	_, err = s.service.Login(ctx, "dave@example.com", "wrong-password")
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	require.Zero(t, s.signals.Load())
	require.Zero(t, s.portal.RefreshCalls())

	user, err := s.service.Login(ctx, "dave@example.com", "password1")
	require.NoError(t, err)
	require.Equal(t, "Dave", user.FullName)

	sess, err := s.manager.Current(ctx)
	require.NoError(t, err)
	require.False(t, sess.ExpiresAt.IsZero())
}

func (s *AccountSuite) TestLoginLegacyTokenField() {
	t := s.T()
	ctx := s.Ctx()
	_, err := s.portal.AddUser("erin@example.com", "password1", "Erin")
	require.NoError(t, err)
	s.portal.UseLegacyTokenField(true)

	_, err = s.service.Login(ctx, "erin@example.com", "password1")
	require.NoError(t, err)
	me, err := s.service.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "erin@example.com", me.Email)
}

func (s *AccountSuite) TestExpiredAccessTokenIsRefreshed() {
	t := s.T()
	ctx := s.Ctx()
	_, err := s.portal.AddUser("frank@example.com", "password1", "Frank")
	require.NoError(t, err)
	_, err = s.service.Login(ctx, "frank@example.com", "password1")
	require.NoError(t, err)
	before, err := s.manager.Current(ctx)
	require.NoError(t, err)

	s.clock.Advance(20 * time.Minute)

	me, err := s.service.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "Frank", me.FullName)
	require.Equal(t, 1, s.portal.RefreshCalls())

	after, err := s.manager.Current(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before.AccessToken, after.AccessToken)
	require.NotEqual(t, before.RefreshToken, after.RefreshToken)
}

func (s *AccountSuite) TestLogout() {
	t := s.T()
	ctx := s.Ctx()
	_, err := s.portal.AddUser("grace@example.com", "password1", "Grace")
	require.NoError(t, err)
	_, err = s.service.Login(ctx, "grace@example.com", "password1")
	require.NoError(t, err)

	require.NoError(t, s.service.Logout(ctx))
	_, err = s.store.Get(ctx)
	require.True(t, trace.IsNotFound(err))
	require.Equal(t, 1, s.portal.Hits("auth/logout"))
	require.Zero(t, s.signals.Load())

	_, err = s.service.Me(ctx)
	require.True(t, apiclient.IsSessionExpired(err), "expected SessionExpired, got %v", err)
	require.Equal(t, int32(1), s.signals.Load())

	// Logging out without a session is a no-op.
	require.NoError(t, s.service.Logout(ctx))
	require.Equal(t, 1, s.portal.Hits("auth/logout"))
}

func (s *AccountSuite) TestLogoutWhenPortalIsDown() {
	t := s.T()
	ctx := s.Ctx()
	require.NoError(t, s.manager.Begin(ctx, &session.Session{AccessToken: "A1", RefreshToken: "R1"}))

	refresher, err := auth.NewHTTPRefresher(lib.PortalConfig{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	manager, err := auth.NewManager(auth.ManagerConfig{Store: s.store, Refresher: refresher})
	require.NoError(t, err)
	client, err := apiclient.New(lib.PortalConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, manager)
	require.NoError(t, err)
	service, err := NewService(client, manager)
	require.NoError(t, err)

	require.NoError(t, service.Logout(ctx))
	_, err = s.store.Get(ctx)
	require.True(t, trace.IsNotFound(err))
}
