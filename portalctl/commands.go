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
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/manifoldco/promptui"
	"github.com/olekukonko/tablewriter"
	"github.com/tidwall/gjson"

	"github.com/coevhub/portal-client/apiclient"
	"github.com/coevhub/portal-client/auth"
	"github.com/coevhub/portal-client/lib"
	"github.com/coevhub/portal-client/session"
)

// VersionCmd prints the version.
type VersionCmd struct{}

// Run implements the version command.
func (cmd *VersionCmd) Run(cli *CLI) error {
	lib.PrintVersion(cli.stdout, appName, Version, Gitref)
	return nil
}

// LoginCmd logs in, prompting for missing credentials.
type LoginCmd struct {
	Email    string `help:"Account e-mail" env:"PORTAL_EMAIL"`
	Password string `help:"Account password" env:"PORTAL_PASSWORD"`
}

// Run implements the login command.
func (cmd *LoginCmd) Run(cli *CLI) error {
	if cmd.Email == "" {
		prompt := promptui.Prompt{
			Label: "E-mail",
			Stdin: cli.stdin,
			Validate: func(input string) error {
				_, err := lib.CheckEmail(input)
				return err
			},
		}
		email, err := prompt.Run()
		if err != nil {
			return trace.Wrap(err)
		}
		cmd.Email = email
	}
	if cmd.Password == "" {
		prompt := promptui.Prompt{Label: "Password", Mask: '*', Stdin: cli.stdin}
		password, err := prompt.Run()
		if err != nil {
			return trace.Wrap(err)
		}
		cmd.Password = password
	}

	a, err := cli.newApp()
	if err != nil {
		return trace.Wrap(err)
	}
	defer a.Close()

	user, err := a.account.Login(cli.ctx, cmd.Email, cmd.Password)
	if err != nil {
		return trace.Wrap(err)
	}
	name := cmd.Email
	if user != nil && user.FullName != "" {
		name = user.FullName
	}
	fmt.Fprintf(cli.stdout, "Logged in as %v.\n", name)
	return nil
}

// LogoutCmd logs out.
type LogoutCmd struct{}

// Run implements the logout command.
func (cmd *LogoutCmd) Run(cli *CLI) error {
	a, err := cli.newApp()
	if err != nil {
		return trace.Wrap(err)
	}
	defer a.Close()

	if err := a.account.Logout(cli.ctx); err != nil {
		return trace.Wrap(err)
	}
	fmt.Fprintln(cli.stdout, "Logged out.")
	return nil
}

// MeCmd shows the logged in user.
type MeCmd struct{}

// Run implements the me command.
func (cmd *MeCmd) Run(cli *CLI) error {
	a, err := cli.newApp()
	if err != nil {
		return trace.Wrap(err)
	}
	defer a.Close()

	user, err := a.account.Me(cli.ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	table := newTable(cli, "Field", "Value")
	table.Append([]string{"ID", user.ID})
	table.Append([]string{"E-mail", user.Email})
	table.Append([]string{"Name", user.FullName})
	table.Append([]string{"Role", user.Role})
	if user.Profile != nil {
		table.Append([]string{"Phone", user.Profile.Phone})
	}
	table.Render()
	return nil
}

// SessionCmd shows the stored session without contacting the portal.
type SessionCmd struct {
	ShowTokens bool `help:"Print the tokens in full"`
}

// Run implements the session command.
func (cmd *SessionCmd) Run(cli *CLI) error {
	a, err := cli.newApp()
	if err != nil {
		return trace.Wrap(err)
	}
	defer a.Close()

	sess, err := a.manager.Current(cli.ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if sess == nil {
		fmt.Fprintln(cli.stdout, "Not logged in.")
		return nil
	}

	expiresAt := sess.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = auth.TokenExpiry(sess.AccessToken)
	}
	state := "valid"
	if (&session.Session{ExpiresAt: expiresAt}).Expired(time.Now()) {
		state = "expired, refreshed on next request"
	}
	expires := "unknown"
	if !expiresAt.IsZero() {
		expires = expiresAt.Local().Format(time.RFC1123)
	}

	table := newTable(cli, "Field", "Value")
	table.Append([]string{"Access token", cmd.token(sess.AccessToken)})
	table.Append([]string{"Refresh token", cmd.token(sess.RefreshToken)})
	table.Append([]string{"Expires", expires})
	table.Append([]string{"State", state})
	table.Render()
	return nil
}

func (cmd *SessionCmd) token(token string) string {
	if cmd.ShowTokens || len(token) <= 12 {
		return token
	}
	return token[:12] + "..."
}

// RequestCmd sends a request through the authenticated client.
type RequestCmd struct {
	Method   string   `arg:"true" help:"HTTP method: GET, POST, PUT, PATCH or DELETE"`
	Path     string   `arg:"true" help:"Path relative to the base URL, e.g. vehicles/42"`
	Data     string   `help:"JSON request body"`
	Header   []string `help:"Extra request header as Key=Value" short:"H"`
	SkipAuth bool     `help:"Return a 401 as is instead of refreshing the session"`
	Raw      bool     `help:"Print the whole body instead of its data member"`
}

// Run implements the request command.
func (cmd *RequestCmd) Run(cli *CLI) error {
	method := strings.ToUpper(cmd.Method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return trace.BadParameter("unsupported method %q", cmd.Method)
	}

	var opts []apiclient.RequestOption
	for _, header := range cmd.Header {
		key, value, ok := strings.Cut(header, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return trace.BadParameter("header %q must look like Key=Value", header)
		}
		opts = append(opts, apiclient.WithHeader(strings.TrimSpace(key), strings.TrimSpace(value)))
	}
	if cmd.SkipAuth {
		opts = append(opts, apiclient.SkipAuthHandling())
	}
	var body interface{}
	if cmd.Data != "" {
		if !gjson.Valid(cmd.Data) {
			return trace.BadParameter("--data is not valid JSON")
		}
		body = cmd.Data
	}

	a, err := cli.newApp()
	if err != nil {
		return trace.Wrap(err)
	}
	defer a.Close()

	resp, err := a.client.Do(cli.ctx, method, cmd.Path, body, opts...)
	if err != nil {
		return trace.Wrap(err)
	}
	if resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
		fmt.Fprintf(cli.stdout, "%d %v\n", resp.StatusCode, http.StatusText(resp.StatusCode))
		return nil
	}
	path := "@pretty"
	if !cmd.Raw && gjson.GetBytes(resp.Body, "data").Exists() {
		path = "data|@pretty"
	}
	fmt.Fprint(cli.stdout, gjson.GetBytes(resp.Body, path).String())
	return nil
}

func newTable(cli *CLI, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(cli.stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	return table
}
