// Package adminapi is the JSON-over-HTTP plumbing shared by the admin clients.
package adminapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/logutil"
	"github.com/kuitang/authprobe/internal/obs"
	"github.com/kuitang/authprobe/internal/ratelimit"
)

const maxResponseBytes = 1 << 20

// Options configures the unauthenticated base HTTP client.
type Options struct {
	Pkg                string
	Timeout            time.Duration
	InsecureSkipVerify bool
	Limiter            *ratelimit.Limiter
	// Base overrides the innermost transport (tests).
	Base http.RoundTripper
}

// NewHTTPClient builds a client that is rate limited per host and logs every call.
func NewHTTPClient(o Options) *http.Client {
	base := o.Base
	if base == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if o.InsecureSkipVerify {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // staging stacks use self-signed certificates
		}
		base = t
	}
	rt := http.RoundTripper(obs.NewTransport(o.Pkg, base))
	if o.Limiter != nil {
		rt = ratelimit.NewTransport(o.Limiter, rt)
	}
	return &http.Client{Transport: rt, Timeout: o.Timeout}
}

// WithHTTPClient makes oauth2 token exchanges use hc.
func WithHTTPClient(ctx context.Context, hc *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

// Tokens hands out bearer tokens, fetching with the caller's context.
type Tokens interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// TokenCache memoizes the token returned by fetch until it expires.
// Concurrent callers wait for a single exchange.
type TokenCache struct {
	fetch func(ctx context.Context) (*oauth2.Token, error)

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewTokenCache returns a cache around fetch.
func NewTokenCache(fetch func(ctx context.Context) (*oauth2.Token, error)) *TokenCache {
	return &TokenCache{fetch: fetch}
}

// Token returns the cached token, or runs fetch on ctx when it is missing or expired.
func (c *TokenCache) Token(ctx context.Context) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, err := oauth2.ReuseTokenSource(c.tok, ctxSource{ctx: ctx, fetch: c.fetch}).Token()
	if err != nil {
		return nil, err
	}
	c.tok = tok
	return tok, nil
}

type ctxSource struct {
	ctx   context.Context
	fetch func(ctx context.Context) (*oauth2.Token, error)
}

func (s ctxSource) Token() (*oauth2.Token, error) {
	return s.fetch(s.ctx)
}

// Client sends authenticated JSON requests under one base URL.
type Client struct {
	baseURL string
	hc      *http.Client
	tokens  Tokens
	pkg     string
}

// New sends requests through hc with a bearer token from tokens. A nil tokens
// sends no Authorization header.
func New(baseURL string, hc *http.Client, tokens Tokens, pkg string) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      hc,
		tokens:  tokens,
		pkg:     pkg,
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends body as JSON (when non-nil) and decodes a 2xx response into out (when non-nil).
// Non-2xx responses become errs.Provisioning carrying the redacted body.
func (c *Client) Do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.InvalidArgument, op+": encode request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, op+": build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return TransportError(op, err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return TransportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errs.Wrap(errs.Unavailable, op+": read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		redactedBody := logutil.BodyForError(resp.Header.Get("Content-Type"), raw)
		obs.From(ctx).With("pkg", c.pkg).Warn(
			"admin_api_error",
			"op", op,
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", redactedBody,
		)
		return errs.Status(errs.Provisioning, op, resp.StatusCode, redactedBody)
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.Provisioning, fmt.Sprintf("%s: decode response", op), err)
	}
	return nil
}

// TransportError classifies a failure that happened before any admin response arrived.
// A rejected token exchange is errs.Auth; anything else is errs.Unavailable.
func TransportError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return TokenError(op, err)
	}
	var coded *errs.Error
	if errors.As(err, &coded) {
		return err
	}
	return errs.Wrap(errs.Unavailable, op, err)
}

// TokenError maps a token endpoint failure onto the harness taxonomy.
func TokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		ct := ""
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
			ct = retrieveErr.Response.Header.Get("Content-Type")
		}
		if status >= 500 {
			return errs.Wrap(errs.Unavailable, op+": token endpoint unavailable",
				&errs.HTTPStatusError{Op: op, Status: status, Body: logutil.BodyForError(ct, retrieveErr.Body)})
		}
		return errs.Wrap(errs.Auth, op+": admin credentials rejected",
			&errs.HTTPStatusError{Op: op, Status: status, Body: logutil.BodyForError(ct, retrieveErr.Body)})
	}
	var coded *errs.Error
	if errors.As(err, &coded) {
		return err
	}
	return errs.Wrap(errs.Unavailable, op+": token endpoint unreachable", err)
}

// IsNotFound reports whether err is a 404 from an admin API.
func IsNotFound(err error) bool {
	return errs.Is(err, errs.Provisioning) && errs.StatusOf(err) == http.StatusNotFound
}
