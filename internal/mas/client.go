// Package mas drives the Matrix Authentication Service admin API.
package mas

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/kuitang/authprobe/internal/adminapi"
	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/obs"
	"github.com/kuitang/authprobe/internal/poll"
)

const (
	usersPath      = "/api/admin/v1/users"
	userEmailsPath = "/api/admin/v1/user-emails"
	linksPath      = "/api/admin/v1/upstream-oauth-links"
)

// Config holds the admin client credentials.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Scope        string // default "urn:mas:admin"
}

// Client is an explicitly owned admin session.
type Client struct {
	tokens *adminapi.TokenCache
	api    *adminapi.Client
}

// New creates a client. The token is obtained with the client-credentials
// grant (Basic auth) on first use and reused until it expires.
func New(cfg Config, hc *http.Client) *Client {
	if cfg.Scope == "" {
		cfg.Scope = "urn:mas:admin"
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/oauth2/token",
		Scopes:       []string{cfg.Scope},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokens := adminapi.NewTokenCache(func(ctx context.Context) (*oauth2.Token, error) {
		tok, err := cc.Token(adminapi.WithHTTPClient(ctx, hc))
		if err != nil {
			return nil, adminapi.TokenError("mas admin token", err)
		}
		return tok, nil
	})
	return &Client{
		tokens: tokens,
		api:    adminapi.New(cfg.BaseURL, hc, tokens, "mas"),
	}
}

// AdminToken returns a bearer token for the admin API.
func (c *Client) AdminToken(ctx context.Context) (string, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", adminapi.TokenError("mas admin token", err)
	}
	return tok.AccessToken, nil
}

func userPath(id string) string {
	return usersPath + "/" + url.PathEscape(id)
}

// CreateUserWithPassword creates the account, sets its password and attaches
// email. A failed step leaves the earlier steps in place; the returned id is
// set as soon as the account exists.
func (c *Client) CreateUserWithPassword(ctx context.Context, username, email, password string) (string, error) {
	if username == "" || email == "" {
		return "", errs.New(errs.InvalidArgument, "mas create user: username and email are required")
	}
	log := obs.From(ctx).With("pkg", "mas")

	var created single[UserAttributes]
	if err := c.api.Do(ctx, "mas create user", http.MethodPost, usersPath,
		createUserRequest{Username: username, SkipHomeserverCheck: false}, &created); err != nil {
		return "", err
	}
	id := created.Data.ID

	if err := c.SetPassword(ctx, id, password); err != nil {
		return id, err
	}
	if _, err := c.AddUserEmail(ctx, id, email); err != nil {
		return id, err
	}
	log.Info("mas_user_created", "username", username, "user_id", id)
	return id, nil
}

// SetPassword replaces the password, bypassing the complexity policy.
func (c *Client) SetPassword(ctx context.Context, userID, password string) error {
	return c.api.Do(ctx, "mas set password", http.MethodPost, userPath(userID)+"/set-password",
		setPasswordRequest{Password: password, SkipPasswordCheck: true}, nil)
}

// AddUserEmail attaches a confirmed email address to the account.
func (c *Client) AddUserEmail(ctx context.Context, userID, email string) (*UserEmail, error) {
	var out single[UserEmailAttributes]
	if err := c.api.Do(ctx, "mas add user email", http.MethodPost, userEmailsPath,
		addEmailRequest{UserID: userID, Email: email}, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// UserEmails lists the email records matching filter (filter[email], filter[user]).
func (c *Client) UserEmails(ctx context.Context, filter url.Values) ([]UserEmail, error) {
	var out page[UserEmailAttributes]
	if err := c.api.Do(ctx, "mas list user emails", http.MethodGet, userEmailsPath+"?"+filter.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// User fetches an account by id.
func (c *Client) User(ctx context.Context, id string) (*User, error) {
	var out single[UserAttributes]
	if err := c.api.Do(ctx, "mas get user", http.MethodGet, userPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// UserByUsername fetches an account by its localpart, or nil when absent.
func (c *Client) UserByUsername(ctx context.Context, username string) (*User, error) {
	var out single[UserAttributes]
	err := c.api.Do(ctx, "mas get user by username", http.MethodGet,
		usersPath+"/by-username/"+url.PathEscape(username), nil, &out)
	if adminapi.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// UserByEmail resolves email to its account. Absence is nil, nil.
func (c *Client) UserByEmail(ctx context.Context, email string) (*User, error) {
	emails, err := c.UserEmails(ctx, url.Values{"filter[email]": {email}})
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, nil
	}
	return c.User(ctx, emails[0].Attributes.UserID)
}

// UserExistsByEmail reports whether email resolves to an account. Lookup errors are logged and read as false.
func (c *Client) UserExistsByEmail(ctx context.Context, email string) bool {
	user, err := c.UserByEmail(ctx, email)
	if err != nil {
		obs.From(ctx).With("pkg", "mas").Warn("mas_user_lookup_failed", "email", email, "error", err)
		return false
	}
	return user != nil
}

// WaitForUser polls UserByEmail until the account appears. Account creation
// after an SSO login is asynchronous, so callers poll rather than look once.
func (c *Client) WaitForUser(ctx context.Context, email string, p poll.Policy) (*User, error) {
	return poll.Until(ctx, "mas user "+email, p, func(ctx context.Context) (*User, bool, error) {
		user, err := c.UserByEmail(ctx, email)
		return user, user != nil, err
	})
}

// DeactivateUser deactivates the account. This is the teardown for accounts
// since the admin API cannot delete them.
func (c *Client) DeactivateUser(ctx context.Context, id string) error {
	if id == "" {
		return errs.New(errs.InvalidArgument, "mas deactivate user: id is required")
	}
	return c.api.Do(ctx, "mas deactivate user", http.MethodPost, userPath(id)+"/deactivate", nil, nil)
}

// ReactivateUser reverses DeactivateUser.
func (c *Client) ReactivateUser(ctx context.Context, id string) error {
	return c.api.Do(ctx, "mas reactivate user", http.MethodPost, userPath(id)+"/reactivate", nil, nil)
}

// OAuthLinksForUser lists upstream links attached to an account.
func (c *Client) OAuthLinksForUser(ctx context.Context, userID string) ([]OAuthLink, error) {
	return c.oauthLinks(ctx, url.Values{"filter[user]": {userID}})
}

// OAuthLinksForSubject lists upstream links for an identity-provider subject.
func (c *Client) OAuthLinksForSubject(ctx context.Context, subject string) ([]OAuthLink, error) {
	return c.oauthLinks(ctx, url.Values{"filter[subject]": {subject}})
}

func (c *Client) oauthLinks(ctx context.Context, filter url.Values) ([]OAuthLink, error) {
	var out page[OAuthLinkAttributes]
	if err := c.api.Do(ctx, "mas list upstream links", http.MethodGet, linksPath+"?"+filter.Encode(), nil, &out); err != nil {
		return nil, err
	}
	obs.From(ctx).With("pkg", "mas").Debug("mas_upstream_links", "filter", filter.Encode(), "count", len(out.Data))
	return out.Data, nil
}

// OAuthLinkExistsForUser is true when exactly one link is attached to the account.
func (c *Client) OAuthLinkExistsForUser(ctx context.Context, userID string) (bool, error) {
	links, err := c.OAuthLinksForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(links) == 1, nil
}

// OAuthLinkExistsForSubject is true when exactly one link carries the subject.
func (c *Client) OAuthLinkExistsForSubject(ctx context.Context, subject string) (bool, error) {
	links, err := c.OAuthLinksForSubject(ctx, subject)
	if err != nil {
		return false, err
	}
	return len(links) == 1, nil
}

// CreateOAuthLink links an account to an upstream subject by hand.
func (c *Client) CreateOAuthLink(ctx context.Context, userID, providerID, subject string) (*OAuthLink, error) {
	var out single[OAuthLinkAttributes]
	if err := c.api.Do(ctx, "mas create upstream link", http.MethodPost, linksPath,
		createLinkRequest{UserID: userID, ProviderID: providerID, Subject: subject}, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// DeleteOAuthLink removes one upstream link.
func (c *Client) DeleteOAuthLink(ctx context.Context, linkID string) error {
	return c.api.Do(ctx, "mas delete upstream link", http.MethodDelete, linksPath+"/"+url.PathEscape(linkID), nil, nil)
}
