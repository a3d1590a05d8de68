// Package identity generates the synthetic accounts used by one test.
package identity

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// LegacyPassword is the fixed password of legacy-style accounts.
const LegacyPassword = "1234!"

// Scenario selects which email domain (and so which server-side rule set) an identity exercises.
type Scenario int

const (
	Standard Scenario = iota
	Invited
	NotInvited
	WrongServer
	LegacyFallback
)

var scenarioNames = map[Scenario]string{
	Standard:       "standard",
	Invited:        "invited",
	NotInvited:     "not-invited",
	WrongServer:    "wrong-server",
	LegacyFallback: "legacy-fallback",
}

func (s Scenario) String() string {
	if name, ok := scenarioNames[s]; ok {
		return name
	}
	return fmt.Sprintf("scenario(%d)", int(s))
}

// ParseScenario accepts the names printed by String.
func ParseScenario(name string) (Scenario, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range scenarioNames {
		if n == name {
			return s, nil
		}
	}
	return Standard, fmt.Errorf("unknown scenario %q", name)
}

// TestUser is one synthetic identity. The remote IDs stay empty until the
// account exists on that side.
type TestUser struct {
	Username           string `json:"username"`
	Email              string `json:"email"`
	Password           string `json:"password"`
	Scenario           string `json:"scenario"`
	IdentityProviderID string `json:"identity_provider_id,omitempty"`
	AuthServiceID      string `json:"auth_service_id,omitempty"`
}

// WithEmailDomain returns a copy whose email keeps the local part but uses domain.
func (u TestUser) WithEmailDomain(domain string) TestUser {
	local, _, _ := strings.Cut(u.Email, "@")
	u.Email = local + "@" + domain
	return u
}

// Localpart is the email local part.
func (u TestUser) Localpart() string {
	local, _, _ := strings.Cut(u.Email, "@")
	return local
}

// Generator hands out usernames that are unique for the life of the process.
type Generator struct {
	Prefix   string
	Password string

	now  func() time.Time
	rand func(n int) int
}

// NewGenerator returns a generator for prefix and password.
func NewGenerator(prefix, password string) *Generator {
	return &Generator{Prefix: prefix, Password: password}
}

var (
	reservedMu sync.Mutex
	reserved   = make(map[string]struct{})
)

// reserve claims name unless another generator already has it.
func reserve(name string) bool {
	reservedMu.Lock()
	defer reservedMu.Unlock()
	if _, taken := reserved[name]; taken {
		return false
	}
	reserved[name] = struct{}{}
	return true
}

func (g *Generator) clock() time.Time {
	if g.now != nil {
		return g.now()
	}
	return time.Now()
}

func (g *Generator) intn(n int) int {
	if g.rand != nil {
		return g.rand(n)
	}
	return rand.IntN(n)
}

// New returns <prefix>_<unix ms>_<0..9999> at domain with the configured password.
func (g *Generator) New(domain string) TestUser {
	for {
		username := fmt.Sprintf("%d_%d", g.clock().UnixMilli(), g.intn(10000))
		if g.Prefix != "" {
			username = g.Prefix + "_" + username
		}
		if !reserve(username) {
			continue
		}
		return TestUser{
			Username: username,
			Email:    username + "@" + domain,
			Password: g.Password,
		}
	}
}

// Legacy returns an account shaped like those migrated from the old
// homeserver, whose username was derived from the email address.
func (g *Generator) Legacy(domain string) TestUser {
	for {
		n := g.intn(1000000)
		local := fmt.Sprintf("test.user%d", n)
		username := local + "-" + domain
		if !reserve(username) {
			continue
		}
		return TestUser{
			Username: username,
			Email:    local + "@" + domain,
			Password: LegacyPassword,
		}
	}
}
