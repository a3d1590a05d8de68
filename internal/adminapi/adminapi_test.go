package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/ratelimit"
)

type failingTokens struct{ err error }

func (f failingTokens) Token(context.Context) (*oauth2.Token, error) { return nil, f.err }

func staticTokens(access string) *TokenCache {
	return NewTokenCache(func(context.Context) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: access}, nil
	})
}

func TestDo_SendsBearerAndDecodes(t *testing.T) {
	t.Parallel()
	var gotAuth, gotType, gotUser atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotType.Store(r.Header.Get("Content-Type"))
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		gotUser.Store(in["username"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"42"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", NewHTTPClient(Options{Pkg: "test"}), staticTokens("tok-1"), "test")
	var out struct{ ID string }
	err := c.Do(context.Background(), "create user", http.MethodPost, "/users", map[string]string{"username": "alice"}, &out)
	require.NoError(t, err)
	require.Equal(t, "42", out.ID)
	require.Equal(t, "Bearer tok-1", gotAuth.Load())
	require.Equal(t, "application/json", gotType.Load())
	require.Equal(t, "alice", gotUser.Load())
}

func TestDo_NonSuccessIsProvisioningWithRedactedBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"errorMessage":"User exists","password":"hunter2"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, NewHTTPClient(Options{Pkg: "test"}), nil, "test")
	err := c.Do(context.Background(), "create user", http.MethodPost, "/users", map[string]string{}, nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Provisioning))
	require.Equal(t, http.StatusConflict, errs.StatusOf(err))
	require.Contains(t, err.Error(), "User exists")
	require.NotContains(t, err.Error(), "hunter2")
	require.False(t, IsNotFound(err))
}

func TestDo_TokenRejectionIsAuthAndSendsNothing(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	rejected := &oauth2.RetrieveError{
		Response: &http.Response{StatusCode: http.StatusUnauthorized, Header: http.Header{}},
		Body:     []byte(`{"error":"invalid_grant"}`),
	}
	c := New(srv.URL, NewHTTPClient(Options{Pkg: "test"}), failingTokens{err: rejected}, "test")
	err := c.Do(context.Background(), "list users", http.MethodGet, "/users", nil, nil)
	require.True(t, errs.Is(err, errs.Auth), "got %v", err)
	require.Equal(t, int64(0), hits.Load())
}

func TestDo_TransportFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, NewHTTPClient(Options{Pkg: "test", Timeout: time.Second}), nil, "test")
	err := c.Do(context.Background(), "get user", http.MethodGet, "/users/1", nil, nil)
	require.True(t, errs.Is(err, errs.Unavailable), "got %v", err)
}

func TestDo_NotFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := New(srv.URL, NewHTTPClient(Options{Pkg: "test"}), nil, "test")
	err := c.Do(context.Background(), "delete user", http.MethodDelete, "/users/1", nil, nil)
	require.True(t, IsNotFound(err))
}

func TestNewHTTPClient_RateLimited(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	l := ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1, CleanupInterval: time.Hour})
	defer l.Stop()
	c := New(srv.URL, NewHTTPClient(Options{Pkg: "test", Limiter: l}), nil, "test")

	require.NoError(t, c.Do(context.Background(), "first", http.MethodGet, "/", nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Do(ctx, "second", http.MethodGet, "/", nil, nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Unavailable))
}

func TestTokenError_ServerFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	err := TokenError("token", &oauth2.RetrieveError{
		Response: &http.Response{StatusCode: http.StatusBadGateway, Header: http.Header{}},
	})
	require.True(t, errs.Is(err, errs.Unavailable))

	err = TokenError("token", errors.New("dial tcp: refused"))
	require.True(t, errs.Is(err, errs.Unavailable))
	require.True(t, strings.Contains(err.Error(), "refused"))
}

func TestTokenCache_ReusesUntilExpiry(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int64
	cache := NewTokenCache(func(context.Context) (*oauth2.Token, error) {
		n := fetches.Add(1)
		expiry := time.Now().Add(time.Hour)
		if n == 1 {
			expiry = time.Now().Add(-time.Minute)
		}
		return &oauth2.Token{AccessToken: "tok", Expiry: expiry}, nil
	})

	for range 3 {
		_, err := cache.Token(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, int64(2), fetches.Load(), "expired token refetched once, then reused")
}

func TestTokenCache_FetchUsesCallerContext(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	cache := NewTokenCache(func(ctx context.Context) (*oauth2.Token, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
			return &oauth2.Token{AccessToken: "late"}, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cache.Token(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	_, err = cache.Token(cancelled)
	require.ErrorIs(t, err, context.Canceled)
}
