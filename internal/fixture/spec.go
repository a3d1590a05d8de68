// Package fixture provisions the synthetic identities a test needs and
// guarantees their teardown on every exit path.
package fixture

import "github.com/kuitang/authprobe/internal/identity"

// Naming selects how usernames are derived.
type Naming int

const (
	// StandardNaming is <prefix>_<ms>_<n>@domain with the configured password.
	StandardNaming Naming = iota
	// LegacyNaming derives the username from the email (test.user<n>-<domain>).
	LegacyNaming
)

// Spec describes which remote records a test identity gets.
type Spec struct {
	Name     string
	Scenario identity.Scenario
	Naming   Naming

	// Provider creates the account in the identity provider.
	Provider bool
	// AuthService creates a password account in the authentication service.
	AuthService bool
	// WaitForAuthService polls until the account resolves by email.
	WaitForAuthService bool
	// FixedWhenShared hands out the configured long-lived account instead,
	// with nothing to tear down, when the target is a shared environment.
	FixedWhenShared bool
}

var (
	// SimpleUser is a generated identity with no remote records, for registration flows.
	SimpleUser = Spec{Name: "simple-user", Scenario: identity.Standard}
	// TestUser exists in the identity provider on the standard domain.
	TestUser = Spec{Name: "test-user", Scenario: identity.Standard, Provider: true}

	ExternalWithInvite    = Spec{Name: "external-with-invite", Scenario: identity.Invited, Provider: true}
	ExternalWithoutInvite = Spec{Name: "external-without-invite", Scenario: identity.NotInvited, Provider: true}
	UserOnWrongServer     = Spec{Name: "user-on-wrong-server", Scenario: identity.WrongServer, Provider: true}

	LegacyUser              = Spec{Name: "legacy-user", Scenario: identity.Standard, Naming: LegacyNaming, Provider: true}
	LegacyWithFallbackRules = Spec{Name: "legacy-with-fallback-rules", Scenario: identity.LegacyFallback, Naming: LegacyNaming, Provider: true}

	// AuthServiceUser also has a password account in the authentication service.
	AuthServiceUser = Spec{
		Name:               "auth-service-user",
		Scenario:           identity.Standard,
		Provider:           true,
		AuthService:        true,
		WaitForAuthService: true,
	}

	// EnvUser is AuthServiceUser on the local stack and the fixed account elsewhere.
	EnvUser = Spec{
		Name:               "env-user",
		Scenario:           identity.Standard,
		Provider:           true,
		AuthService:        true,
		WaitForAuthService: true,
		FixedWhenShared:    true,
	}
)

// Presets lists the named specs, for the CLI.
var Presets = []Spec{
	SimpleUser,
	TestUser,
	ExternalWithInvite,
	ExternalWithoutInvite,
	UserOnWrongServer,
	LegacyUser,
	LegacyWithFallbackRules,
	AuthServiceUser,
	EnvUser,
}

// Preset returns the spec called name.
func Preset(name string) (Spec, bool) {
	for _, s := range Presets {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}
