package fixture

import (
	"context"
	"fmt"
	"testing"

	"github.com/kuitang/authprobe/internal/config"
	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/identity"
	"github.com/kuitang/authprobe/internal/mas"
	"github.com/kuitang/authprobe/internal/obs"
	"github.com/kuitang/authprobe/internal/poll"
)

// IdentityProvider is the part of the identity-provider admin client the fixture uses.
type IdentityProvider interface {
	CreateUser(ctx context.Context, username, email, password string) (string, error)
	DeleteUser(ctx context.Context, id string) error
}

// AuthService is the part of the authentication-service admin client the fixture uses.
type AuthService interface {
	CreateUserWithPassword(ctx context.Context, username, email, password string) (string, error)
	WaitForUser(ctx context.Context, email string, p poll.Policy) (*mas.User, error)
	DeactivateUser(ctx context.Context, id string) error
}

// Options wires a Manager.
type Options struct {
	Provider    IdentityProvider
	AuthService AuthService
	Generator   *identity.Generator
	// Domain maps a scenario class to its email domain.
	Domain func(identity.Scenario) string
	Poll   poll.Policy
	// Shared marks a long-lived environment; specs with FixedWhenShared get Fixed.
	Shared bool
	Fixed  identity.TestUser
}

// Manager provisions leases against explicitly supplied clients.
type Manager struct {
	provider IdentityProvider
	auth     AuthService
	gen      *identity.Generator
	domain   func(identity.Scenario) string
	poll     poll.Policy
	shared   bool
	fixed    identity.TestUser
}

// NewManager validates opts and returns a Manager. Either client may be nil
// as long as no spec asks for it.
func NewManager(opts Options) (*Manager, error) {
	if opts.Generator == nil {
		return nil, errs.New(errs.InvalidArgument, "fixture: generator is required")
	}
	if opts.Domain == nil {
		return nil, errs.New(errs.InvalidArgument, "fixture: domain mapping is required")
	}
	p := opts.Poll
	if p.MaxAttempts == 0 {
		p = poll.DefaultPolicy
	}
	return &Manager{
		provider: opts.Provider,
		auth:     opts.AuthService,
		gen:      opts.Generator,
		domain:   opts.Domain,
		poll:     p,
		shared:   opts.Shared,
		fixed:    opts.Fixed,
	}, nil
}

// FromConfig builds a Manager from the harness configuration.
func FromConfig(cfg *config.Config, provider IdentityProvider, auth AuthService) (*Manager, error) {
	return NewManager(Options{
		Provider:    provider,
		AuthService: auth,
		Generator:   identity.NewGenerator(cfg.TestUserPrefix, cfg.TestUserPassword),
		Domain:      cfg.Domain,
		Poll:        cfg.PollPolicy(),
		Shared:      !cfg.IsLocal(),
		Fixed:       cfg.FixedUser(),
	})
}

// Provision creates the identity described by spec. When a step fails the
// records created so far are released before the error is returned.
func (m *Manager) Provision(ctx context.Context, spec Spec) (*Lease, error) {
	if spec.FixedWhenShared && m.shared {
		return m.fixedLease(ctx, spec)
	}
	if spec.Provider && m.provider == nil {
		return nil, errs.New(errs.InvalidArgument, "fixture "+spec.Name+": no identity provider client")
	}
	if spec.AuthService && m.auth == nil {
		return nil, errs.New(errs.InvalidArgument, "fixture "+spec.Name+": no authentication service client")
	}
	domain := m.domain(spec.Scenario)
	if domain == "" {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("fixture %s: no email domain for scenario %s", spec.Name, spec.Scenario))
	}

	var user identity.TestUser
	if spec.Naming == LegacyNaming {
		user = m.gen.Legacy(domain)
	} else {
		user = m.gen.New(domain)
	}
	user.Scenario = spec.Scenario.String()

	ctx = obs.WithCorrelation(ctx, obs.Correlation{Username: user.Username})
	log := obs.From(ctx).With("pkg", "fixture", "fixture", spec.Name)
	lease := newLease(ctx, user, m.provider, m.auth)

	fail := func(err error) (*Lease, error) {
		log.Error("fixture_provision_failed", "error", err)
		// Release logs its own failures; the provisioning error is what the caller needs.
		_ = lease.Release(ctx)
		return nil, err
	}

	if spec.Provider {
		id, err := m.provider.CreateUser(ctx, user.Username, user.Email, user.Password)
		if id != "" {
			lease.User.IdentityProviderID = id
			lease.TrackProviderUser(id)
		}
		if err != nil {
			return fail(err)
		}
	}

	if spec.AuthService {
		id, err := m.auth.CreateUserWithPassword(ctx, user.Username, user.Email, user.Password)
		if id != "" {
			lease.User.AuthServiceID = id
			lease.TrackAuthServiceUser(id)
		}
		if err != nil {
			return fail(err)
		}
		if spec.WaitForAuthService {
			if _, err := m.auth.WaitForUser(ctx, user.Email, m.poll); err != nil {
				return fail(err)
			}
		}
	}

	log.Info("fixture_provisioned",
		"email", lease.User.Email,
		"provider_id", lease.User.IdentityProviderID,
		"auth_service_id", lease.User.AuthServiceID)
	return lease, nil
}

func (m *Manager) fixedLease(ctx context.Context, spec Spec) (*Lease, error) {
	if m.fixed.Username == "" || m.fixed.Password == "" {
		return nil, errs.New(errs.InvalidArgument, "fixture "+spec.Name+": no fixed user configured")
	}
	user := m.fixed
	ctx = obs.WithCorrelation(ctx, obs.Correlation{Username: user.Username})
	obs.From(ctx).With("pkg", "fixture", "fixture", spec.Name).Info("fixture_fixed_user")
	return newLease(ctx, user, m.provider, m.auth), nil
}

// Use provisions spec, runs body and always releases the lease, also when
// body panics (the panic is re-raised after teardown). A teardown error is
// returned only when body itself succeeded.
func (m *Manager) Use(ctx context.Context, spec Spec, body func(ctx context.Context, lease *Lease) error) (err error) {
	lease, err := m.Provision(ctx, spec)
	if err != nil {
		return err
	}
	defer func() {
		r := recover()
		releaseErr := lease.Release(ctx)
		if r != nil {
			panic(r)
		}
		if err == nil {
			err = releaseErr
		}
	}()
	return body(lease.Context(), lease)
}

// ForTest provisions spec for t and releases it from t.Cleanup. Teardown
// failures are logged on t, not reported as test failures.
func (m *Manager) ForTest(t testing.TB, spec Spec) *Lease {
	t.Helper()
	ctx := obs.WithTest(context.Background(), t.Name())
	lease, err := m.Provision(ctx, spec)
	if err != nil {
		t.Fatalf("provision %s: %v", spec.Name, err)
	}
	t.Cleanup(func() {
		if err := lease.Release(ctx); err != nil {
			t.Logf("teardown %s: %v", spec.Name, err)
		}
	})
	return lease
}
