package lib

import (
	"strings"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/coevhub/portal-client/lib/routeset"
)

const (
	// DefaultBaseURL is where the portal gateway listens in a local setup.
	DefaultBaseURL = "http://localhost:3000/api/v1"
	// DefaultTimeout applies to every dispatched request, including the refresh call.
	DefaultTimeout = 30 * time.Second
	// DefaultRefreshPath is the token refresh endpoint relative to the base URL.
	DefaultRefreshPath = "auth/refresh-token"
)

// DefaultSkipAuthPaths are the endpoints that are expected to be called
// without a session; a 401 from them never triggers a refresh or a logout.
var DefaultSkipAuthPaths = []string{"auth/login", "auth/register"}

// PortalConfig stores config options for where the portal API gateway
// is listening and how the client talks to it.
type PortalConfig struct {
	BaseURL       string        `toml:"base_url"`
	Timeout       time.Duration `toml:"timeout"`
	RefreshPath   string        `toml:"refresh_path"`
	SkipAuthPaths []string      `toml:"skip_auth_paths"`
	UserAgent     string        `toml:"user_agent"`
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (cfg *PortalConfig) CheckAndSetDefaults() error {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := NormalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.BaseURL = base.String()

	if cfg.Timeout < 0 {
		return trace.BadParameter("configuration setting `timeout` must not be negative")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.RefreshPath == "" {
		cfg.RefreshPath = DefaultRefreshPath
	}
	cfg.RefreshPath = strings.Trim(cfg.RefreshPath, "/")

	if cfg.SkipAuthPaths == nil {
		cfg.SkipAuthPaths = DefaultSkipAuthPaths
	}
	if routeset.New(cfg.SkipAuthPaths...).Match(cfg.RefreshPath) {
		log.Warnf("Refresh path %q is listed in `skip_auth_paths`, which has no effect", cfg.RefreshPath)
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = "portal-client"
	}
	return nil
}

// SkipAuthSet returns the configured skip-auth paths as a set.
func (cfg PortalConfig) SkipAuthSet() routeset.RouteSet {
	return routeset.New(cfg.SkipAuthPaths...)
}
