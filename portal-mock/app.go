package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/coevhub/portal-client/fakeportal"
	"github.com/coevhub/portal-client/lib/logger"
)

const defaultListenAddr = "127.0.0.1:3000"

// Config is the portal-mock configuration.
type Config struct {
	ListenAddr      string
	Prefix          string
	Secret          string
	Users           []string
	Vehicles        []string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	RateLimit       uint64
	RateInterval    time.Duration
}

// App serves a fake portal over HTTP.
type App struct {
	conf   Config
	portal *fakeportal.Portal
	server *http.Server
	log    log.FieldLogger

	mu       sync.Mutex
	listener net.Listener
}

// NewApp creates the fake portal and seeds it.
func NewApp(conf Config) (*App, error) {
	if conf.ListenAddr == "" {
		conf.ListenAddr = defaultListenAddr
	}
	portal, err := fakeportal.New(fakeportal.Config{
		Prefix:          conf.Prefix,
		Secret:          []byte(conf.Secret),
		AccessTokenTTL:  conf.AccessTokenTTL,
		RefreshTokenTTL: conf.RefreshTokenTTL,
		RateLimit:       conf.RateLimit,
		RateInterval:    conf.RateInterval,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	app := &App{
		conf:   conf,
		portal: portal,
		log:    logger.Component(logger.Standard(), "portal-mock"),
	}
	if err := app.seed(); err != nil {
		portal.Close()
		return nil, trace.Wrap(err)
	}
	app.server = &http.Server{
		Handler:           portal,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app, nil
}

func (a *App) seed() error {
	for _, value := range a.conf.Users {
		email, password, fullName, err := parseUser(value)
		if err != nil {
			return trace.Wrap(err)
		}
		if _, err := a.portal.AddUser(email, password, fullName); err != nil {
			return trace.Wrap(err)
		}
		a.log.WithField("email", email).Info("Seeded user")
	}
	for _, value := range a.conf.Vehicles {
		vehicle, err := parseVehicle(value)
		if err != nil {
			return trace.Wrap(err)
		}
		a.portal.AddVehicle(vehicle)
	}
	return nil
}

// Run listens and serves until the server is shut down.
func (a *App) Run() error {
	listener, err := net.Listen("tcp", a.conf.ListenAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()

	a.log.WithField("addr", listener.Addr().String()).Info("Listening")
	if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return trace.Wrap(a.portal.Close())
}

// Addr returns the address the app listens on, or nil before Run.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (a *App) Shutdown(ctx context.Context) error {
	return trace.Wrap(a.server.Shutdown(ctx))
}

// Close stops the server immediately.
func (a *App) Close() error {
	return trace.Wrap(a.server.Close())
}

func parseUser(value string) (email, password, fullName string, err error) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", trace.BadParameter("user %q must look like email:password[:full name]", value)
	}
	email, password = parts[0], parts[1]
	fullName = email
	if len(parts) == 3 && parts[2] != "" {
		fullName = parts[2]
	}
	return email, password, fullName, nil
}

func parseVehicle(value string) (fakeportal.Vehicle, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 4 || parts[0] == "" {
		return fakeportal.Vehicle{}, trace.BadParameter("vehicle %q must look like id:make:model:plate", value)
	}
	return fakeportal.Vehicle{ID: parts[0], Make: parts[1], Model: parts[2], LicensePlate: parts[3]}, nil
}
