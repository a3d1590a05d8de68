// Package config resolves the harness settings for one target environment.
//
// Values come from the process environment, then from an optional
// .env.<TEST_ENV> file, then from the defaults below, which point at the
// shared staging stack.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kuitang/authprobe/internal/identity"
	"github.com/kuitang/authprobe/internal/poll"
)

const (
	defaultEnv = "local"
)

// Config holds all harness configuration.
type Config struct {
	Env string `mapstructure:"TEST_ENV"`

	// Target systems
	MASURL      string `mapstructure:"MAS_URL"`
	KeycloakURL string `mapstructure:"KEYCLOAK_URL"`
	ElementURL  string `mapstructure:"ELEMENT_URL"`
	BaseURL     string `mapstructure:"BASE_URL"` // homeserver client-server API
	MailURL     string `mapstructure:"MAIL_URL"` // Mailpit

	// Identity provider admin
	KeycloakAdminUsername string `mapstructure:"KEYCLOAK_ADMIN_USERNAME"`
	KeycloakAdminPassword string `mapstructure:"KEYCLOAK_ADMIN_PASSWORD"`
	KeycloakRealm         string `mapstructure:"KEYCLOAK_REALM"`
	KeycloakAdminRealm    string `mapstructure:"KEYCLOAK_ADMIN_REALM"`
	KeycloakAdminClientID string `mapstructure:"KEYCLOAK_ADMIN_CLIENT_ID"`

	// Authentication service admin
	MASAdminClientID     string `mapstructure:"MAS_ADMIN_CLIENT_ID"`
	MASAdminClientSecret string `mapstructure:"MAS_ADMIN_CLIENT_SECRET"`
	MASAdminScope        string `mapstructure:"MAS_ADMIN_SCOPE"`

	// Homeserver administrator, for room cleanup. Empty disables it.
	HomeserverAdminUsername string `mapstructure:"HOMESERVER_ADMIN_USERNAME"`
	HomeserverAdminPassword string `mapstructure:"HOMESERVER_ADMIN_PASSWORD"`

	// Test identities
	TestUserPrefix   string `mapstructure:"TEST_USER_PREFIX"`
	TestUserPassword string `mapstructure:"TEST_USER_PASSWORD"`

	// Long-lived account used instead of a provisioned one outside the local stack.
	FixedUserUsername string `mapstructure:"FIXED_USER_USERNAME"`
	FixedUserEmail    string `mapstructure:"FIXED_USER_EMAIL"`
	FixedUserPassword string `mapstructure:"FIXED_USER_PASSWORD"`

	StandardEmailDomain    string `mapstructure:"STANDARD_EMAIL_DOMAIN"`
	InvitedEmailDomain     string `mapstructure:"INVITED_EMAIL_DOMAIN"`
	NotInvitedEmailDomain  string `mapstructure:"NOT_INVITED_EMAIL_DOMAIN"`
	WrongServerEmailDomain string `mapstructure:"WRONG_SERVER_EMAIL_DOMAIN"`
	NumeriqueEmailDomain   string `mapstructure:"NUMERIQUE_EMAIL_DOMAIN"`

	// Browser
	ScreenshotsDir  string        `mapstructure:"SCREENSHOTS_DIR"`
	BrowserLocale   string        `mapstructure:"BROWSER_LOCALE"`
	TchapLegacy     bool          `mapstructure:"TCHAP_LEGACY"`
	BrowserHeadless bool          `mapstructure:"BROWSER_HEADLESS"`
	BrowserTimeout  time.Duration `mapstructure:"BROWSER_TIMEOUT"`

	// Polling
	PollMaxAttempts int           `mapstructure:"POLL_MAX_ATTEMPTS"`
	PollDelay       time.Duration `mapstructure:"POLL_DELAY"`
	PollBackoff     float64       `mapstructure:"POLL_BACKOFF"`

	// Admin API client
	AdminAPIRPS        float64       `mapstructure:"ADMIN_API_RPS"`
	AdminAPIBurst      int           `mapstructure:"ADMIN_API_BURST"`
	AdminAPITimeout    time.Duration `mapstructure:"ADMIN_API_TIMEOUT"`
	InsecureSkipVerify bool          `mapstructure:"INSECURE_SKIP_VERIFY"`

	// Screenshot upload (AWS_ env vars, same names the S3 SDK reads)
	ArtifactsBucket    string `mapstructure:"ARTIFACTS_BUCKET"`
	AWSEndpointS3      string `mapstructure:"AWS_ENDPOINT_URL_S3"`
	AWSRegion          string `mapstructure:"AWS_REGION"`
	AWSAccessKeyID     string `mapstructure:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `mapstructure:"AWS_SECRET_ACCESS_KEY"`
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

var defaults = map[string]any{
	"TEST_ENV": defaultEnv,

	"MAS_URL":      "https://auth.tchapgouv.com",
	"KEYCLOAK_URL": "https://sso.tchapgouv.com",
	"ELEMENT_URL":  "https://element.tchapgouv.com",
	"BASE_URL":     "https://matrix.tchapgouv.com",
	"MAIL_URL":     "http://localhost:8025",

	"KEYCLOAK_ADMIN_USERNAME":  "admin",
	"KEYCLOAK_ADMIN_PASSWORD":  "admin",
	"KEYCLOAK_REALM":           "proconnect-mock",
	"KEYCLOAK_ADMIN_REALM":     "master",
	"KEYCLOAK_ADMIN_CLIENT_ID": "admin-cli",

	"MAS_ADMIN_CLIENT_ID":     "01J44RKQYM4G3TNVANTMTDYTX6",
	"MAS_ADMIN_CLIENT_SECRET": "phoo8ahneir3ohY2eigh4xuu6Oodaewi",
	"MAS_ADMIN_SCOPE":         "urn:mas:admin",

	"HOMESERVER_ADMIN_USERNAME": "",
	"HOMESERVER_ADMIN_PASSWORD": "",

	"TEST_USER_PREFIX":   "user.test",
	"TEST_USER_PASSWORD": "Test@123456",

	"FIXED_USER_USERNAME": "Michelle_test",
	"FIXED_USER_EMAIL":    "",
	"FIXED_USER_PASSWORD": "Michelle1313!",

	"STANDARD_EMAIL_DOMAIN":     "tchapgouv.com",
	"INVITED_EMAIL_DOMAIN":      "invited.externe.com",
	"NOT_INVITED_EMAIL_DOMAIN":  "not.invited.externe.com",
	"WRONG_SERVER_EMAIL_DOMAIN": "wrong.server.com",
	"NUMERIQUE_EMAIL_DOMAIN":    "numerique.gouv.fr",

	"SCREENSHOTS_DIR":  "playwright-results",
	"BROWSER_LOCALE":   "fr-FR",
	"TCHAP_LEGACY":     false,
	"BROWSER_HEADLESS": true,
	"BROWSER_TIMEOUT":  "10s",

	"POLL_MAX_ATTEMPTS": 10,
	"POLL_DELAY":        "1s",
	"POLL_BACKOFF":      1.0,

	"ADMIN_API_RPS":        20.0,
	"ADMIN_API_BURST":      40,
	"ADMIN_API_TIMEOUT":    "15s",
	"INSECURE_SKIP_VERIFY": true,

	"ARTIFACTS_BUCKET":      "",
	"AWS_ENDPOINT_URL_S3":   "",
	"AWS_REGION":            "auto",
	"AWS_ACCESS_KEY_ID":     "",
	"AWS_SECRET_ACCESS_KEY": "",
}

// Load reads .env.<TEST_ENV> from dir (if present), then builds and validates
// Config from the environment. Env vars override the file.
func Load(dir string) (*Config, error) {
	v := viper.New()

	env := strings.TrimSpace(os.Getenv("TEST_ENV"))
	if env == "" {
		env = defaultEnv
	}
	v.SetConfigFile(filepath.Join(dir, ".env."+env))
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil && !isMissingFile(err) {
		return nil, fmt.Errorf("config: read .env.%s: %w", env, err)
	}

	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads using ENV_DIR (default: working directory) as the dotenv location.
func LoadFromEnv() (*Config, error) {
	dir := strings.TrimSpace(os.Getenv("ENV_DIR"))
	if dir == "" {
		dir = "."
	}
	return Load(dir)
}

// Default returns the built-in defaults without consulting the environment.
func Default() *Config {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	cfg.normalize()
	return &cfg
}

func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

func (c *Config) normalize() {
	for _, p := range []*string{&c.MASURL, &c.KeycloakURL, &c.ElementURL, &c.BaseURL, &c.MailURL, &c.AWSEndpointS3} {
		*p = strings.TrimRight(strings.TrimSpace(*p), "/")
	}
	c.ArtifactsBucket = strings.TrimSpace(c.ArtifactsBucket)
}

// Validate checks that all required configuration is present and valid.
func (c *Config) Validate() error {
	var errs []string

	for _, u := range []struct{ key, value string }{
		{"MAS_URL", c.MASURL},
		{"KEYCLOAK_URL", c.KeycloakURL},
		{"ELEMENT_URL", c.ElementURL},
		{"BASE_URL", c.BaseURL},
		{"MAIL_URL", c.MailURL},
	} {
		if msg := checkURL(u.key, u.value); msg != "" {
			errs = append(errs, msg)
		}
	}

	for _, r := range []struct{ key, value string }{
		{"KEYCLOAK_ADMIN_USERNAME", c.KeycloakAdminUsername},
		{"KEYCLOAK_ADMIN_PASSWORD", c.KeycloakAdminPassword},
		{"KEYCLOAK_REALM", c.KeycloakRealm},
		{"KEYCLOAK_ADMIN_REALM", c.KeycloakAdminRealm},
		{"KEYCLOAK_ADMIN_CLIENT_ID", c.KeycloakAdminClientID},
		{"MAS_ADMIN_CLIENT_ID", c.MASAdminClientID},
		{"MAS_ADMIN_CLIENT_SECRET", c.MASAdminClientSecret},
		{"TEST_USER_PASSWORD", c.TestUserPassword},
		{"STANDARD_EMAIL_DOMAIN", c.StandardEmailDomain},
		{"INVITED_EMAIL_DOMAIN", c.InvitedEmailDomain},
		{"NOT_INVITED_EMAIL_DOMAIN", c.NotInvitedEmailDomain},
		{"WRONG_SERVER_EMAIL_DOMAIN", c.WrongServerEmailDomain},
		{"NUMERIQUE_EMAIL_DOMAIN", c.NumeriqueEmailDomain},
	} {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, r.key+" is required")
		}
	}

	if c.PollMaxAttempts < 1 {
		errs = append(errs, "POLL_MAX_ATTEMPTS must be at least 1")
	}
	if c.PollDelay < 0 {
		errs = append(errs, "POLL_DELAY must not be negative")
	}
	if c.PollBackoff < 1 {
		errs = append(errs, "POLL_BACKOFF must be at least 1")
	}
	if c.AdminAPIRPS <= 0 {
		errs = append(errs, "ADMIN_API_RPS must be positive")
	}
	if c.AdminAPIBurst <= 0 {
		errs = append(errs, "ADMIN_API_BURST must be positive")
	}
	if c.BrowserTimeout <= 0 {
		errs = append(errs, "BROWSER_TIMEOUT must be positive")
	}

	if !c.IsLocal() && (c.FixedUserUsername == "" || c.FixedUserPassword == "") {
		errs = append(errs, "FIXED_USER_USERNAME and FIXED_USER_PASSWORD are required outside TEST_ENV=local")
	}
	if (c.HomeserverAdminUsername == "") != (c.HomeserverAdminPassword == "") {
		errs = append(errs, "HOMESERVER_ADMIN_USERNAME and HOMESERVER_ADMIN_PASSWORD must be set together")
	}

	// Empty endpoint means AWS S3; no static keys means the SDK credential chain.
	if c.ArtifactsBucket != "" {
		if c.AWSEndpointS3 != "" {
			if msg := checkURL("AWS_ENDPOINT_URL_S3", c.AWSEndpointS3); msg != "" {
				errs = append(errs, msg)
			}
		}
		if (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
			errs = append(errs, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func checkURL(key, value string) string {
	if value == "" {
		return key + " is required"
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return key + " must be an absolute http(s) URL"
	}
	return ""
}

// Domain maps a scenario class to its configured email domain.
func (c *Config) Domain(s identity.Scenario) string {
	switch s {
	case identity.Invited:
		return c.InvitedEmailDomain
	case identity.NotInvited:
		return c.NotInvitedEmailDomain
	case identity.WrongServer:
		return c.WrongServerEmailDomain
	case identity.LegacyFallback:
		return c.NumeriqueEmailDomain
	default:
		return c.StandardEmailDomain
	}
}

// KeycloakIssuer is the OIDC issuer of the SSO realm.
func (c *Config) KeycloakIssuer() string {
	return c.KeycloakURL + "/realms/" + url.PathEscape(c.KeycloakRealm)
}

// ArtifactsEnabled reports whether screenshots are uploaded.
func (c *Config) ArtifactsEnabled() bool {
	return c.ArtifactsBucket != ""
}

// IsLocal reports whether the run targets the disposable local stack.
func (c *Config) IsLocal() bool {
	return c.Env == defaultEnv
}

// RoomCleanupEnabled reports whether homeserver admin credentials are set.
func (c *Config) RoomCleanupEnabled() bool {
	return c.HomeserverAdminUsername != "" && c.HomeserverAdminPassword != ""
}

// FixedUser is the long-lived account of shared environments.
func (c *Config) FixedUser() identity.TestUser {
	return identity.TestUser{
		Username: c.FixedUserUsername,
		Email:    c.FixedUserEmail,
		Password: c.FixedUserPassword,
		Scenario: identity.Standard.String(),
	}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	out := *c
	for _, p := range []*string{&out.KeycloakAdminPassword, &out.MASAdminClientSecret, &out.TestUserPassword, &out.FixedUserPassword, &out.HomeserverAdminPassword, &out.AWSSecretAccessKey} {
		if *p != "" {
			*p = "[REDACTED]"
		}
	}
	return out
}

// PollPolicy is the waiting budget for eventually-consistent lookups.
func (c *Config) PollPolicy() poll.Policy {
	return poll.Policy{
		MaxAttempts: c.PollMaxAttempts,
		Delay:       c.PollDelay,
		Backoff:     c.PollBackoff,
	}
}
