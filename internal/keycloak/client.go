// Package keycloak manages test users in the SSO realm through the Keycloak admin REST API.
package keycloak

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/kuitang/authprobe/internal/adminapi"
	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/obs"
)

// Config locates the realm and the admin credentials.
type Config struct {
	BaseURL    string
	Realm      string
	AdminRealm string // default "master"
	ClientID   string // default "admin-cli"
	Username   string
	Password   string
}

// User is the subset of a Keycloak UserRepresentation the harness reads and writes.
type User struct {
	ID            string              `json:"id,omitempty"`
	Username      string              `json:"username"`
	Email         string              `json:"email,omitempty"`
	Enabled       bool                `json:"enabled"`
	EmailVerified bool                `json:"emailVerified"`
	FirstName     string              `json:"firstName,omitempty"`
	LastName      string              `json:"lastName,omitempty"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
}

type credential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// Client is an explicitly owned admin session for one realm.
type Client struct {
	cfg    Config
	tokens *adminapi.TokenCache
	api    *adminapi.Client
}

// New creates a client whose token is fetched on first use and reused until it expires.
func New(cfg Config, hc *http.Client) *Client {
	if cfg.AdminRealm == "" {
		cfg.AdminRealm = "master"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "admin-cli"
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	src := &passwordSource{
		conf: oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.BaseURL + "/realms/" + url.PathEscape(cfg.AdminRealm) + "/protocol/openid-connect/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		username: cfg.Username,
		password: cfg.Password,
		hc:       hc,
	}
	tokens := adminapi.NewTokenCache(src.token)
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		api:    adminapi.New(cfg.BaseURL, hc, tokens, "keycloak"),
	}
}

// passwordSource runs the resource-owner password grant each time the cached token expires.
type passwordSource struct {
	conf     oauth2.Config
	username string
	password string
	hc       *http.Client
}

func (s *passwordSource) token(ctx context.Context) (*oauth2.Token, error) {
	tok, err := s.conf.PasswordCredentialsToken(adminapi.WithHTTPClient(ctx, s.hc), s.username, s.password)
	if err != nil {
		return nil, adminapi.TokenError("keycloak admin token", err)
	}
	return tok, nil
}

// AdminToken returns a bearer token for the admin API.
func (c *Client) AdminToken(ctx context.Context) (string, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", adminapi.TokenError("keycloak admin token", err)
	}
	return tok.AccessToken, nil
}

func (c *Client) usersPath() string {
	return "/admin/realms/" + url.PathEscape(c.cfg.Realm) + "/users"
}

// CreateUser creates an enabled, email-verified user, resolves its id and sets a
// permanent password. A failed step leaves the earlier steps in place.
func (c *Client) CreateUser(ctx context.Context, username, email, password string) (string, error) {
	if username == "" {
		return "", errs.New(errs.InvalidArgument, "keycloak create user: username is required")
	}
	log := obs.From(ctx).With("pkg", "keycloak")

	user := User{
		Username:      username,
		Email:         email,
		Enabled:       true,
		EmailVerified: true,
		FirstName:     username,
		LastName:      username,
		Attributes:    map[string][]string{"idp_id": {username}},
	}
	if err := c.api.Do(ctx, "keycloak create user", http.MethodPost, c.usersPath(), user, nil); err != nil {
		return "", err
	}

	id, err := c.FindUserID(ctx, username)
	if err != nil {
		return "", err
	}

	if err := c.SetPassword(ctx, id, password); err != nil {
		return id, err
	}
	log.Info("keycloak_user_created", "username", username, "user_id", id)
	return id, nil
}

// SetPassword replaces the user's password with a non-temporary credential.
func (c *Client) SetPassword(ctx context.Context, id, password string) error {
	return c.api.Do(ctx, "keycloak set password", http.MethodPut,
		c.usersPath()+"/"+url.PathEscape(id)+"/reset-password",
		credential{Type: "password", Value: password, Temporary: false}, nil)
}

// FindUser returns the user whose username matches exactly, or nil.
func (c *Client) FindUser(ctx context.Context, username string) (*User, error) {
	q := url.Values{}
	q.Set("username", username)
	q.Set("exact", "true")

	var users []User
	if err := c.api.Do(ctx, "keycloak find user", http.MethodGet, c.usersPath()+"?"+q.Encode(), nil, &users); err != nil {
		return nil, err
	}
	for i := range users {
		// Keycloak stores usernames lowercased.
		if strings.EqualFold(users[i].Username, username) {
			return &users[i], nil
		}
	}
	return nil, nil
}

// FindUserID resolves a username to its opaque id.
func (c *Client) FindUserID(ctx context.Context, username string) (string, error) {
	user, err := c.FindUser(ctx, username)
	if err != nil {
		return "", err
	}
	if user == nil || user.ID == "" {
		return "", errs.New(errs.NotFound, "keycloak user "+username+" not found")
	}
	return user.ID, nil
}

// UserExists reports whether a user with this exact username exists.
func (c *Client) UserExists(ctx context.Context, username string) (bool, error) {
	user, err := c.FindUser(ctx, username)
	if err != nil {
		return false, err
	}
	return user != nil, nil
}

// DeleteUser removes the user. Deleting an absent user succeeds.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	if id == "" {
		return errs.New(errs.InvalidArgument, "keycloak delete user: id is required")
	}
	err := c.api.Do(ctx, "keycloak delete user", http.MethodDelete, c.usersPath()+"/"+url.PathEscape(id), nil, nil)
	if adminapi.IsNotFound(err) {
		obs.From(ctx).With("pkg", "keycloak").Debug("keycloak_user_already_gone", "user_id", id)
		return nil
	}
	return err
}
