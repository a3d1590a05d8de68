package masfake

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const stateCookie = "upstream_state"

// UpstreamOptions registers an OIDC identity provider.
type UpstreamOptions struct {
	ProviderID   string
	Issuer       string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

type upstream struct {
	id       string
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	hc       *http.Client
}

// Outcome says how an upstream login was attached to an account.
type Outcome string

const (
	OutcomeExistingLink  Outcome = "existing_link"
	OutcomeLinkedByEmail Outcome = "linked_by_email"
	OutcomeCreated       Outcome = "created"
)

// LoginResult is the JSON body returned by the upstream callback.
type LoginResult struct {
	UserID   string  `json:"user_id"`
	Username string  `json:"username"`
	LinkID   string  `json:"link_id"`
	Outcome  Outcome `json:"outcome"`
}

// AddUpstream discovers the issuer and enables /upstream/authorize/<provider id>.
func (s *Server) AddUpstream(ctx context.Context, opts UpstreamOptions) error {
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	ctx = oidc.ClientContext(ctx, hc)
	provider, err := oidc.NewProvider(ctx, opts.Issuer)
	if err != nil {
		return err
	}
	up := &upstream{
		id: opts.ProviderID,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  s.URL + "/upstream/callback/" + opts.ProviderID,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: opts.ClientID}),
		hc:       hc,
	}
	s.mu.Lock()
	s.upstreams[opts.ProviderID] = up
	s.mu.Unlock()
	return nil
}

func (s *Server) upstream(id string) *upstream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstreams[id]
}

func (s *Server) handleUpstreamAuthorize(w http.ResponseWriter, r *http.Request) {
	up := s.upstream(r.PathValue("provider"))
	if up == nil {
		writeError(w, http.StatusNotFound, "Unknown upstream provider")
		return
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		writeError(w, http.StatusInternalServerError, "state generation failed")
		return
	}
	state := hex.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: state, Path: "/upstream/", HttpOnly: true})
	http.Redirect(w, r, up.oauth.AuthCodeURL(state), http.StatusFound)
}

type upstreamClaims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	PreferredUsername string `json:"preferred_username"`
}

func (s *Server) handleUpstreamCallback(w http.ResponseWriter, r *http.Request) {
	up := s.upstream(r.PathValue("provider"))
	if up == nil {
		writeError(w, http.StatusNotFound, "Unknown upstream provider")
		return
	}
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		writeError(w, http.StatusBadRequest, "State mismatch")
		return
	}

	ctx := oidc.ClientContext(r.Context(), up.hc)
	tok, err := up.oauth.Exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		writeError(w, http.StatusBadGateway, "Code exchange failed: "+err.Error())
		return
	}
	rawID, ok := tok.Extra("id_token").(string)
	if !ok {
		writeError(w, http.StatusBadGateway, "Missing id_token")
		return
	}
	idToken, err := up.verifier.Verify(ctx, rawID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Invalid id_token: "+err.Error())
		return
	}
	var claims upstreamClaims
	if err := idToken.Claims(&claims); err != nil {
		writeError(w, http.StatusBadGateway, "Invalid claims")
		return
	}

	res, status, msg := s.completeLogin(up.id, claims)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// completeLogin attaches the upstream identity: an existing link wins, then an
// active account holding the verified email, otherwise a new account.
func (s *Server) completeLogin(providerID string, c upstreamClaims) (LoginResult, int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l := s.linkBySubjectLocked(providerID, c.Subject); l != nil && l.attrs.UserID != nil {
		u := s.users[*l.attrs.UserID]
		if u == nil || u.attrs.DeactivatedAt != nil {
			return LoginResult{}, http.StatusForbidden, "Account deactivated"
		}
		return LoginResult{UserID: *l.attrs.UserID, Username: u.attrs.Username, LinkID: l.id, Outcome: OutcomeExistingLink}, http.StatusOK, ""
	}

	if c.EmailVerified && c.Email != "" {
		for _, e := range s.emails {
			if !strings.EqualFold(e.attrs.Email, c.Email) {
				continue
			}
			u := s.users[e.attrs.UserID]
			if u == nil || !u.attrs.Active() {
				continue
			}
			l := s.addLinkLocked(e.attrs.UserID, providerID, c.Subject, c.PreferredUsername)
			return LoginResult{UserID: e.attrs.UserID, Username: u.attrs.Username, LinkID: l.id, Outcome: OutcomeLinkedByEmail}, http.StatusOK, ""
		}
	}

	username := c.PreferredUsername
	if username == "" {
		username, _, _ = strings.Cut(c.Email, "@")
	}
	if username == "" {
		username = "user"
	}
	base := username
	for i := 2; s.userByUsernameLocked(username) != ""; i++ {
		username = base + strconv.Itoa(i)
	}
	id := s.createUserLocked(username)
	if c.Email != "" {
		s.addEmailLocked(id, c.Email)
	}
	l := s.addLinkLocked(id, providerID, c.Subject, c.PreferredUsername)
	return LoginResult{UserID: id, Username: username, LinkID: l.id, Outcome: OutcomeCreated}, http.StatusOK, ""
}
