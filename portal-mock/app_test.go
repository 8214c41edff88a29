package main

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseUser(t *testing.T) {
	email, password, name, err := parseUser("bob@example.com:s3cret:Bob Tran")
	require.NoError(t, err)
	require.Equal(t, "bob@example.com", email)
	require.Equal(t, "s3cret", password)
	require.Equal(t, "Bob Tran", name)

	_, _, name, err = parseUser("bob@example.com:pa:ss")
	require.NoError(t, err)
	require.Equal(t, "ss", name)

	_, _, name, err = parseUser("bob@example.com:s3cret")
	require.NoError(t, err)
	require.Equal(t, "bob@example.com", name)

	_, _, _, err = parseUser("bob@example.com")
	require.Error(t, err)
	_, _, _, err = parseUser(":s3cret")
	require.Error(t, err)
}

func TestParseVehicle(t *testing.T) {
	vehicle, err := parseVehicle("42:VinFast:VF 8:51K-123.45")
	require.NoError(t, err)
	require.Equal(t, "VF 8", vehicle.Model)
	require.Equal(t, "51K-123.45", vehicle.LicensePlate)

	_, err = parseVehicle("42:VinFast")
	require.Error(t, err)
}

func TestAppServesSeededPortal(t *testing.T) {
	app, err := NewApp(Config{
		ListenAddr: "127.0.0.1:0",
		Secret:     "portal-mock-test",
		Users:      []string{"bob@example.com:s3cret:Bob Tran"},
		Vehicles:   []string{"42:VinFast:VF 8:51K-123.45"},
	})
	require.NoError(t, err)

	errC := make(chan error, 1)
	go func() { errC <- app.Run() }()
	require.Eventually(t, func() bool { return app.Addr() != nil }, 5*time.Second, 10*time.Millisecond)

	base := "http://" + app.Addr().String() + "/api/v1/"
	resp, err := http.Get(base + "health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"auth/login", "application/json",
		strings.NewReader(`{"email":"bob@example.com","password":"s3cret"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))
	require.NoError(t, <-errC)
}

func TestAppRejectsBadSeed(t *testing.T) {
	_, err := NewApp(Config{Secret: "x", Users: []string{"not-a-user"}})
	require.Error(t, err)

	_, err = NewApp(Config{})
	require.Error(t, err)
}
