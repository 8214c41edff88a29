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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gravitational/trace"

	"github.com/coevhub/portal-client/account"
	"github.com/coevhub/portal-client/apiclient"
	"github.com/coevhub/portal-client/auth"
	"github.com/coevhub/portal-client/lib"
	"github.com/coevhub/portal-client/lib/logger"
	"github.com/coevhub/portal-client/session"
)

// PortalConfig is the [portal] section.
type PortalConfig struct {
	// PortalURL is the API gateway base URL
	PortalURL string `help:"Portal API base URL" name:"portal-url" default:"http://localhost:3000/api/v1" env:"PORTAL_BASE_URL"`

	// PortalTimeout applies to every request, the refresh call included
	PortalTimeout time.Duration `help:"Request timeout" name:"portal-timeout" default:"30s" env:"PORTAL_TIMEOUT"`

	// PortalSkipAuthPaths are paths whose 401 never triggers a refresh
	PortalSkipAuthPaths []string `help:"Comma-separated paths that never trigger a session refresh" name:"portal-skip-auth-paths" default:"auth/login,auth/register" env:"PORTAL_SKIP_AUTH_PATHS"`
}

// StorageConfig is the [storage] section.
type StorageConfig struct {
	// StorageKind selects the session store
	StorageKind string `help:"Session storage kind" name:"storage-kind" enum:"disk,file,redis,memory" default:"disk" env:"PORTAL_STORAGE"`

	// StorageDir is where disk and file storage keep the session
	StorageDir string `help:"Session storage directory (defaults to the user config dir)" name:"storage-dir" env:"PORTAL_STORAGE_DIR"`

	// StorageRedisAddr is the Redis server for redis storage
	StorageRedisAddr string `help:"Redis address" name:"storage-redis-addr" env:"PORTAL_REDIS_ADDR"`

	// StorageRedisPassword is the Redis password
	StorageRedisPassword string `help:"Redis password" name:"storage-redis-password" env:"PORTAL_REDIS_PASSWORD"`

	// StorageRedisDB is the Redis database number
	StorageRedisDB int `help:"Redis database" name:"storage-redis-db" default:"0" env:"PORTAL_REDIS_DB"`

	// StorageRedisKey is the hash the session is stored under
	StorageRedisKey string `help:"Redis key of the session hash" name:"storage-redis-key" env:"PORTAL_REDIS_KEY"`

	// StorageRedisTTL expires an abandoned session
	StorageRedisTTL time.Duration `help:"Expire the stored session after this long, 0 keeps it until logout" name:"storage-redis-ttl" env:"PORTAL_REDIS_TTL"`
}

// LogConfig is the [log] section.
type LogConfig struct {
	LogOutput   string `help:"Log output: stderr, stdout or a file path" name:"log-output" default:"stderr"`
	LogSeverity string `help:"Log severity" name:"log-severity" enum:"trace,debug,info,warn,error" default:"warn"`
}

// CLI represents command structure
type CLI struct {
	// Config is the path to configuration file
	Config kong.ConfigFlag `help:"Path to TOML configuration file" optional:"true" type:"existingfile" env:"PORTAL_CONFIG"`

	// Debug is a debug logging mode flag
	Debug bool `help:"Debug logging" short:"d"`

	PortalConfig
	StorageConfig
	LogConfig

	Version VersionCmd `cmd:"true" help:"Print version"`
	Login   LoginCmd   `cmd:"true" help:"Log in and store the session"`
	Logout  LogoutCmd  `cmd:"true" help:"Log out and drop the stored session"`
	Me      MeCmd      `cmd:"true" help:"Show the logged in user"`
	Session SessionCmd `cmd:"true" help:"Show the stored session"`
	Request RequestCmd `cmd:"true" help:"Send an authenticated request"`

	ctx    context.Context
	stdin  io.ReadCloser
	stdout io.Writer
	stderr io.Writer
}

// setup applies logging settings and fills in runtime defaults.
func (c *CLI) setup(ctx context.Context) error {
	if c.ctx == nil {
		c.ctx = ctx
	}
	if c.stdin == nil {
		c.stdin = os.Stdin
	}
	if c.stdout == nil {
		c.stdout = os.Stdout
	}
	if c.stderr == nil {
		c.stderr = os.Stderr
	}
	severity := c.LogSeverity
	if c.Debug {
		severity = "debug"
	}
	return trace.Wrap(logger.Setup(logger.Config{Output: c.LogOutput, Severity: severity}))
}

func (c *CLI) portalConfig() lib.PortalConfig {
	return lib.PortalConfig{
		BaseURL:       c.PortalURL,
		Timeout:       c.PortalTimeout,
		SkipAuthPaths: c.PortalSkipAuthPaths,
		UserAgent:     "portalctl/" + Version,
	}
}

func (c *CLI) storageConfig() (session.StorageConfig, error) {
	dir := c.StorageDir
	if dir == "" && (c.StorageKind == session.KindDisk || c.StorageKind == session.KindFile) {
		base, err := os.UserConfigDir()
		if err != nil {
			return session.StorageConfig{}, trace.Wrap(err, "set --storage-dir")
		}
		dir = filepath.Join(base, "portalctl")
	}
	return session.StorageConfig{
		Kind:          c.StorageKind,
		Dir:           dir,
		RedisAddr:     c.StorageRedisAddr,
		RedisPassword: c.StorageRedisPassword,
		RedisDB:       c.StorageRedisDB,
		RedisKey:      c.StorageRedisKey,
		RedisTTL:      c.StorageRedisTTL,
	}, nil
}

// app is everything a command needs to talk to the portal.
type app struct {
	store   session.Store
	manager *auth.Manager
	client  *apiclient.Client
	account *account.Service
}

func (c *CLI) newApp() (*app, error) {
	conf := c.portalConfig()
	storageConf, err := c.storageConfig()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	store, err := session.NewStore(storageConf)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refresher, err := auth.NewHTTPRefresher(conf)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	manager, err := auth.NewManager(auth.ManagerConfig{
		Store:          store,
		Refresher:      refresher,
		RefreshTimeout: conf.Timeout,
		OnLoginRequired: func(error) {
			fmt.Fprintln(c.stderr, "Your session has expired. Run `portalctl login` to log in again.")
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client, err := apiclient.New(conf, manager)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	service, err := account.NewService(client, manager)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &app{store: store, manager: manager, client: client, account: service}, nil
}

func (a *app) Close() error {
	if closer, ok := a.store.(io.Closer); ok {
		return trace.Wrap(closer.Close())
	}
	return nil
}
