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
	"fmt"
	"os"
	"time"

	"github.com/gravitational/kingpin"

	"github.com/coevhub/portal-client/lib"
	"github.com/coevhub/portal-client/lib/logger"
)

var (
	// Version is the app version, set at build time
	Version = "0.1.0"
	// Gitref is the git reference, set at build time
	Gitref = ""
)

func main() {
	logger.Init()
	app := kingpin.New("portal-mock", "Serves a fake EV co-ownership portal API for local development.")

	app.Command("version", "Prints portal-mock version and exits.")

	startCmd := app.Command("start", "Starts the fake portal.")
	var conf Config
	startCmd.Flag("listen", "Address to listen on").
		Short('l').
		Default(defaultListenAddr).
		StringVar(&conf.ListenAddr)
	startCmd.Flag("prefix", "Path every endpoint is mounted under").
		Default("/api/v1").
		StringVar(&conf.Prefix)
	startCmd.Flag("secret", "Access token signing secret").
		Envar("PORTAL_MOCK_SECRET").
		Required().
		StringVar(&conf.Secret)
	startCmd.Flag("user", "Seeded user as email:password[:full name], may be repeated").
		Short('u').
		StringsVar(&conf.Users)
	startCmd.Flag("vehicle", "Seeded vehicle as id:make:model:plate, may be repeated").
		StringsVar(&conf.Vehicles)
	startCmd.Flag("access-token-ttl", "Access token lifetime").
		Default("15m").
		DurationVar(&conf.AccessTokenTTL)
	startCmd.Flag("refresh-token-ttl", "Refresh token lifetime").
		Default("168h").
		DurationVar(&conf.RefreshTokenTTL)
	startCmd.Flag("rate-limit", "Requests per client per rate interval, 0 disables limiting").
		Default("0").
		Uint64Var(&conf.RateLimit)
	startCmd.Flag("rate-interval", "Rate limit interval").
		Default("1m").
		DurationVar(&conf.RateInterval)
	debug := startCmd.Flag("debug", "Enable verbose logging to stderr").
		Short('d').
		Bool()

	selectedCmd, err := app.Parse(os.Args[1:])
	if err != nil {
		lib.Bail(err)
	}

	switch selectedCmd {
	case "version":
		lib.PrintVersion(os.Stdout, app.Name, Version, Gitref)
	case "start":
		if err := run(conf, *debug); err != nil {
			lib.Bail(err)
		} else {
			logger.Standard().Info("Successfully shut down")
		}
	}
}

func run(conf Config, debug bool) error {
	logConfig := logger.Config{Severity: "info", Output: "stderr"}
	if debug {
		logConfig.Severity = "debug"
	}
	if err := logger.Setup(logConfig); err != nil {
		return err
	}

	app, err := NewApp(conf)
	if err != nil {
		return err
	}

	go lib.ServeSignals(app, 15*time.Second)

	fmt.Fprintf(os.Stderr, "Serving the fake portal on http://%v%v\n", conf.ListenAddr, app.portal.Prefix())
	return app.Run()
}
