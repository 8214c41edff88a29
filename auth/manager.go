package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/coevhub/portal-client/lib"
	"github.com/coevhub/portal-client/lib/backoff"
	"github.com/coevhub/portal-client/lib/logger"
	"github.com/coevhub/portal-client/session"
)

const (
	defaultRetryInterval       = 1 * time.Minute
	defaultTokenBufferInterval = 1 * time.Minute
)

var (
	// ErrNoRefreshToken means a refresh was needed but no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token stored, login required")
	// ErrRefreshFailed matches every RefreshError.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// RefreshError is returned when the refresh call itself failed. The session
// has been invalidated by the time the caller sees it.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return "token refresh failed: " + e.Err.Error()
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRefreshFailed) hold for every RefreshError.
func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshFailed
}

// LoginRequiredFunc is notified once the session has been invalidated.
// It must not block.
type LoginRequiredFunc func(reason error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store     session.Store
	Refresher Refresher
	Clock     clockwork.Clock
	Log       logrus.FieldLogger
	Metrics   *Metrics

	// RefreshTimeout bounds every refresh call.
	RefreshTimeout time.Duration
	// OnLoginRequired receives the login redirect signal.
	OnLoginRequired LoginRequiredFunc

	// RetryInterval and TokenBufferInterval drive RefreshLoop.
	RetryInterval       time.Duration
	TokenBufferInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Refresher == nil {
		return trace.BadParameter("missing parameter Refresher")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logger.Standard()
	}
	if c.RefreshTimeout == 0 {
		c.RefreshTimeout = lib.DefaultTimeout
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.TokenBufferInterval == 0 {
		c.TokenBufferInterval = defaultTokenBufferInterval
	}
	return nil
}

// Manager owns the session: it hands out the current token, refreshes it
// at most once per refresh token no matter how many requests ask, and
// invalidates it when refreshing is impossible.
type Manager struct {
	store           session.Store
	refresher       Refresher
	clock           clockwork.Clock
	log             logrus.FieldLogger
	metrics         *Metrics
	refreshTimeout  time.Duration
	onLoginRequired LoginRequiredFunc

	retryInterval       time.Duration
	tokenBufferInterval time.Duration

	// mu serializes every read-compare-write of the store.
	mu      sync.Mutex
	flights singleflight.Group
}

// NewManager creates a Manager.
func NewManager(conf ManagerConfig) (*Manager, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		store:               conf.Store,
		refresher:           conf.Refresher,
		clock:               conf.Clock,
		log:                 conf.Log,
		metrics:             conf.Metrics,
		refreshTimeout:      conf.RefreshTimeout,
		onLoginRequired:     conf.OnLoginRequired,
		retryInterval:       conf.RetryInterval,
		tokenBufferInterval: conf.TokenBufferInterval,
	}, nil
}

// Begin stores a freshly issued session, replacing whatever was there.
func (m *Manager) Begin(ctx context.Context, sess *session.Session) error {
	if err := sess.Check(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return trace.Wrap(m.store.Put(ctx, sess.Clone()))
}

// End drops the session. Unlike Invalidate it does not signal a login redirect.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return trace.Wrap(m.store.Clear(ctx))
}

// Current returns the stored session or nil.
func (m *Manager) Current(ctx context.Context) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := session.Load(ctx, m.store)
	return sess, trace.Wrap(err)
}

// AccessToken returns the current access token or an empty string when
// there is no session.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	sess, err := m.Current(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if sess == nil {
		return "", nil
	}
	return sess.AccessToken, nil
}

// Refresh returns a session whose access token differs from staleAccessToken.
//
// When the store already holds a newer token it is returned as is. Otherwise
// the stored refresh token is redeemed; concurrent callers holding the same
// refresh token share a single call, which is detached from the callers'
// cancellation.
//
// When the refresh is impossible the session is invalidated and the error
// matches either ErrNoRefreshToken or ErrRefreshFailed. A store read error
// is returned as is and leaves the session alone.
func (m *Manager) Refresh(ctx context.Context, staleAccessToken string) (*session.Session, error) {
	current, err := m.Current(ctx)
	if err != nil {
		// The session may be perfectly fine; only the store is unreachable.
		return nil, trace.Wrap(err)
	}
	if current == nil || current.RefreshToken == "" {
		m.metrics.observe(resultNoRefreshToken)
		m.invalidate(ctx, ErrNoRefreshToken, "")
		return nil, trace.Wrap(ErrNoRefreshToken)
	}
	if current.AccessToken != staleAccessToken {
		m.metrics.observe(resultSuperseded)
		return current, nil
	}

	refreshToken := current.RefreshToken
	flightCtx := context.WithoutCancel(ctx)
	ch := m.flights.DoChan(refreshToken, func() (interface{}, error) {
		return m.redeem(flightCtx, refreshToken)
	})
	select {
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session.Session).Clone(), nil
	}
}

// redeem performs one refresh call and swaps the stored session.
func (m *Manager) redeem(ctx context.Context, refreshToken string) (*session.Session, error) {
	log := m.log

	// A flight for this token may have just finished and rotated it.
	m.mu.Lock()
	current, err := session.Load(ctx, m.store)
	m.mu.Unlock()
	switch {
	case err != nil:
		return nil, trace.Wrap(err)
	case current == nil:
		return nil, trace.Wrap(&RefreshError{Err: trace.AccessDenied("session ended before refreshing")})
	case current.RefreshToken != refreshToken:
		m.metrics.observe(resultSuperseded)
		return current, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	fresh, err := m.refresher.Refresh(callCtx, refreshToken)
	if err == nil {
		err = fresh.Check()
	}
	if err != nil {
		m.metrics.observe(resultFailure)
		log.WithError(err).Warn("Token refresh failed, invalidating session")
		m.invalidate(ctx, err, refreshToken)
		return nil, trace.Wrap(&RefreshError{Err: err})
	}

	m.mu.Lock()
	current, err = session.Load(ctx, m.store)
	switch {
	case err != nil:
	case current == nil:
		// Logged out while the call was in flight; do not resurrect the session.
		err = trace.AccessDenied("session ended while refreshing")
	case current.RefreshToken != refreshToken:
		// A new login replaced the session meanwhile.
		m.mu.Unlock()
		m.metrics.observe(resultSuperseded)
		return current, nil
	default:
		err = m.store.Put(ctx, fresh)
	}
	m.mu.Unlock()

	if err != nil {
		m.metrics.observe(resultFailure)
		log.WithError(err).Warn("Failed to store refreshed session, invalidating it")
		m.invalidate(ctx, err, refreshToken)
		return nil, trace.Wrap(&RefreshError{Err: err})
	}

	m.metrics.observe(resultSuccess)
	log.WithField("expires_at", fresh.ExpiresAt).Debug("Session refreshed")
	return fresh.Clone(), nil
}

// Invalidate clears the session and signals that a login is required.
func (m *Manager) Invalidate(ctx context.Context, reason error) {
	m.invalidate(ctx, reason, "")
}

// invalidate clears the store. When refreshToken is set, nothing happens
// unless the store still holds that refresh token.
func (m *Manager) invalidate(ctx context.Context, reason error, refreshToken string) {
	m.mu.Lock()
	if refreshToken != "" {
		current, err := session.Load(ctx, m.store)
		if err == nil && (current == nil || current.RefreshToken != refreshToken) {
			m.mu.Unlock()
			return
		}
	}
	if err := m.store.Clear(ctx); err != nil {
		m.log.WithError(err).Error("Failed to clear session")
	}
	m.mu.Unlock()

	m.log.WithError(reason).Info("Session invalidated, login required")
	if m.onLoginRequired != nil {
		m.onLoginRequired(reason)
	}
}

// RefreshLoop refreshes the session ahead of its expiry until ctx is done.
// Sessions without a known expiry are left to the 401 handling.
func (m *Manager) RefreshLoop(ctx context.Context) {
	timer := m.clock.NewTimer(m.nextRefresh(ctx))
	defer timer.Stop()
	retry := backoff.Decorr(time.Second, m.retryInterval, m.clock)

	for {
		select {
		case <-ctx.Done():
			m.log.Debug("Shutting down refresh loop")
			return
		case <-timer.Chan():
			sess, err := m.Current(ctx)
			if err != nil {
				m.log.WithError(err).Error("Failed to read session")
				timer.Reset(retry.Next())
				continue
			}
			retry.Reset()
			if sess != nil && m.shouldRefresh(sess) {
				if _, err := m.Refresh(ctx, sess.AccessToken); err != nil {
					m.log.WithError(err).Warn("Proactive token refresh failed")
				}
			}
			timer.Reset(m.nextRefresh(ctx))
		}
	}
}

func (m *Manager) nextRefresh(ctx context.Context) time.Duration {
	sess, err := m.Current(ctx)
	if err != nil || sess == nil || sess.ExpiresAt.IsZero() {
		return m.retryInterval
	}
	d := sess.ExpiresAt.Sub(m.clock.Now()) - m.tokenBufferInterval
	// Timers panic on negative durations in some clocks.
	if d <= 0 {
		d = time.Duration(1)
	}
	if d > m.retryInterval {
		d = m.retryInterval
	}
	return d
}

func (m *Manager) shouldRefresh(sess *session.Session) bool {
	if sess.ExpiresAt.IsZero() {
		return false
	}
	return !m.clock.Now().Before(sess.ExpiresAt.Add(-m.tokenBufferInterval))
}
