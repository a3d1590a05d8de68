package fixture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/identity"
	"github.com/kuitang/authprobe/internal/obs"
)

var errNoClient = errs.New(errs.InvalidArgument, "fixture: no client for tracked record")

type cleanup struct {
	what string
	fn   func(ctx context.Context) error
}

// Lease is one provisioned identity and the teardown owed for it.
type Lease struct {
	User identity.TestUser

	ctx      context.Context
	provider IdentityProvider
	auth     AuthService

	mu      sync.Mutex
	pending []cleanup
}

func newLease(ctx context.Context, user identity.TestUser, provider IdentityProvider, auth AuthService) *Lease {
	return &Lease{User: user, ctx: ctx, provider: provider, auth: auth}
}

// Context carries the identity's log correlation.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// TrackProviderUser schedules deletion of an identity-provider account.
func (l *Lease) TrackProviderUser(id string) {
	l.Defer("provider user "+id, func(ctx context.Context) error {
		if l.provider == nil {
			return errNoClient
		}
		return l.provider.DeleteUser(ctx, id)
	})
}

// TrackAuthServiceUser schedules deactivation of an authentication-service account.
func (l *Lease) TrackAuthServiceUser(id string) {
	l.Defer("auth service user "+id, func(ctx context.Context) error {
		if l.auth == nil {
			return errNoClient
		}
		return l.auth.DeactivateUser(ctx, id)
	})
}

// Defer schedules fn to run on Release.
func (l *Lease) Defer(what string, fn func(ctx context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, cleanup{what: what, fn: fn})
}

// Release runs every pending teardown concurrently and waits for all of
// them. Each failure is logged; the result joins them. A second call only
// runs what was scheduled since the first.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	// Teardown still runs when the test's context was cancelled.
	ctx = context.WithoutCancel(ctx)
	log := obs.From(ctx).With("pkg", "fixture", "username", l.User.Username)

	failures := make([]error, len(pending))
	var g errgroup.Group
	for i, c := range pending {
		g.Go(func() error {
			if err := c.fn(ctx); err != nil {
				log.Warn("fixture_teardown_failed", "record", c.what, "error", err)
				failures[i] = fmt.Errorf("release %s: %w", c.what, err)
				return nil
			}
			log.Debug("fixture_teardown_done", "record", c.what)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failures...)
}
