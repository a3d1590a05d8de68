// Package homeserver logs test identities into the Matrix client-server API.
package homeserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/kuitang/authprobe/internal/adminapi"
	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/obs"
)

const loginPath = "/_matrix/client/v3/login"

// Credentials are what the web client keeps in local storage for a session.
type Credentials struct {
	HomeserverBaseURL string `json:"homeserver_base_url"`
	HomeServer        string `json:"home_server"`
	UserID            string `json:"user_id"`
	AccessToken       string `json:"access_token"`
	DeviceID          string `json:"device_id"`
}

type identifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginRequest struct {
	Type       string     `json:"type"`
	Identifier identifier `json:"identifier"`
	Password   string     `json:"password"`
}

type loginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	HomeServer  string `json:"home_server"`
}

// Client talks to one homeserver.
type Client struct {
	api *adminapi.Client
}

// New returns a client for the homeserver at baseURL.
func New(baseURL string, hc *http.Client) *Client {
	return &Client{api: adminapi.New(baseURL, hc, nil, "homeserver")}
}

// Login performs an m.login.password login for username.
func (c *Client) Login(ctx context.Context, username, password string) (*Credentials, error) {
	var out loginResponse
	err := c.api.Do(ctx, "homeserver login", http.MethodPost, loginPath, loginRequest{
		Type:       "m.login.password",
		Identifier: identifier{Type: "m.id.user", User: username},
		Password:   password,
	}, &out)
	if status := errs.StatusOf(err); status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, errs.Wrap(errs.Auth, "homeserver login rejected for "+username, err)
	}
	if err != nil {
		return nil, err
	}
	if out.AccessToken == "" || out.UserID == "" {
		return nil, errs.New(errs.Provisioning, "homeserver login: response without access token")
	}

	hs := out.HomeServer
	if hs == "" {
		// user_id is @localpart:server, and server may carry a port.
		if _, server, ok := strings.Cut(out.UserID, ":"); ok {
			hs = server
		}
	}
	obs.From(ctx).With("pkg", "homeserver").Info("homeserver_login", "user_id", out.UserID, "device_id", out.DeviceID)
	return &Credentials{
		HomeserverBaseURL: c.api.BaseURL(),
		HomeServer:        hs,
		UserID:            out.UserID,
		AccessToken:       out.AccessToken,
		DeviceID:          out.DeviceID,
	}, nil
}
