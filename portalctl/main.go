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
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/coevhub/portal-client/lib"
	"github.com/coevhub/portal-client/lib/logger"
)

const (
	appName        = "portalctl"
	appDescription = "Command line client for the EV co-ownership portal API"
)

var (
	// Version is the app version, set at build time
	Version = "0.1.0"
	// Gitref is the git reference, set at build time
	Gitref = ""
)

func main() {
	logger.Init()

	cli := CLI{}
	kctx := kong.Parse(
		&cli,
		kong.UsageOnError(),
		kong.Configuration(KongTOMLResolver),
		kong.Name(appName),
		kong.Description(appDescription),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.setup(ctx); err != nil {
		lib.Bail(err)
	}
	// See respective commands Run() methods
	if err := kctx.Run(&cli); err != nil {
		stop()
		lib.Bail(err)
	}
}
