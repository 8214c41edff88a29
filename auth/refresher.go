package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/coevhub/portal-client/lib"
	"github.com/coevhub/portal-client/session"
)

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*session.Session, error)
}

// RefreshRequest is the body of the refresh call.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// HTTPRefresher calls the portal refresh endpoint. It uses its own bare
// client so a failing refresh can never loop back into the 401 handling.
type HTTPRefresher struct {
	client     *resty.Client
	httpClient *http.Client
	path       string
	clock      clockwork.Clock
}

// HTTPRefresherOption customizes an HTTPRefresher.
type HTTPRefresherOption func(*HTTPRefresher)

// WithRefresherHTTPClient makes the refresher dispatch through hc.
func WithRefresherHTTPClient(hc *http.Client) HTTPRefresherOption {
	return func(r *HTTPRefresher) {
		r.httpClient = hc
	}
}

// WithRefresherClock sets the clock used to compute expiry from expiresIn.
func WithRefresherClock(clock clockwork.Clock) HTTPRefresherOption {
	return func(r *HTTPRefresher) {
		r.clock = clock
	}
}

// NewHTTPRefresher builds a refresher for the portal described by conf.
func NewHTTPRefresher(conf lib.PortalConfig, opts ...HTTPRefresherOption) (*HTTPRefresher, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &HTTPRefresher{
		httpClient: &http.Client{},
		path:       conf.RefreshPath,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.client = resty.NewWithClient(r.httpClient).
		SetHostURL(conf.BaseURL).
		SetTimeout(conf.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", conf.UserAgent)
	return r, nil
}

// Refresh implements Refresher.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*session.Session, error) {
	if refreshToken == "" {
		return nil, trace.BadParameter("refresh token is empty")
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(RefreshRequest{RefreshToken: refreshToken}).
		Post(r.path)
	if err != nil {
		if lib.IsCanceled(err) || lib.IsDeadline(err) {
			return nil, trace.Wrap(err)
		}
		return nil, trace.ConnectionProblem(err, "token refresh request failed")
	}
	if !resp.IsSuccess() {
		return nil, refreshStatusError(resp)
	}

	sess, err := ParseTokenResponse(resp.Body(), r.clock.Now())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

func refreshStatusError(resp *resty.Response) error {
	message := strings.TrimSpace(gjson.GetBytes(resp.Body(), "message").String())
	if message == "" {
		message = lib.Snippet(string(resp.Body()), 200)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden:
		return trace.AccessDenied("refresh token rejected with status %d: %s", code, message)
	case code >= http.StatusInternalServerError:
		return trace.ConnectionProblem(nil, "token refresh failed with status %d: %s", code, message)
	default:
		return trace.Errorf("token refresh failed with status %d: %s", code, message)
	}
}

// ParseTokenResponse reads a token pair out of a {"data": {...}} body. The
// access token is taken from accessToken, or from token when the former is
// missing. Both tokens are required.
func ParseTokenResponse(body []byte, now time.Time) (*session.Session, error) {
	if !gjson.ValidBytes(body) {
		return nil, trace.BadParameter("token response is not valid JSON: %s", lib.Snippet(string(body), 200))
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsObject() {
		return nil, trace.BadParameter("token response has no data object")
	}
	access := data.Get("accessToken").String()
	if access == "" {
		access = data.Get("token").String()
	}
	sess := &session.Session{
		AccessToken:  access,
		RefreshToken: data.Get("refreshToken").String(),
	}
	if err := sess.Check(); err != nil {
		return nil, trace.BadParameter("token response is incomplete: %v", err)
	}

	if expiresIn := data.Get("expiresIn"); expiresIn.Exists() && expiresIn.Int() > 0 {
		sess.ExpiresAt = now.Add(time.Duration(expiresIn.Int()) * time.Second).UTC()
	} else {
		sess.ExpiresAt = TokenExpiry(sess.AccessToken)
	}
	return sess, nil
}

// TokenExpiry returns the exp claim of a JWT without verifying its signature.
// Opaque tokens and tokens without exp yield the zero time.
func TokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time.UTC()
}
