// Package stack wires the admin clients, the mailbox, the homeserver client
// and the fixture manager for one configured environment.
package stack

import (
	"context"
	"net/http"

	"github.com/kuitang/authprobe/internal/adminapi"
	"github.com/kuitang/authprobe/internal/artifacts"
	"github.com/kuitang/authprobe/internal/config"
	"github.com/kuitang/authprobe/internal/fixture"
	"github.com/kuitang/authprobe/internal/homeserver"
	"github.com/kuitang/authprobe/internal/keycloak"
	"github.com/kuitang/authprobe/internal/mailbox"
	"github.com/kuitang/authprobe/internal/mas"
	"github.com/kuitang/authprobe/internal/obs"
	"github.com/kuitang/authprobe/internal/ratelimit"
	"github.com/kuitang/authprobe/internal/s3client"
)

// Stack owns every client of one run. Close it when done.
type Stack struct {
	Config     *config.Config
	Keycloak   *keycloak.Client
	MAS        *mas.Client
	Mailbox    *mailbox.Client
	Homeserver *homeserver.Client
	// RoomAdmin is nil unless homeserver admin credentials are set.
	RoomAdmin *homeserver.Admin
	Fixtures  *fixture.Manager
	// Artifacts is nil unless ARTIFACTS_BUCKET is set.
	Artifacts *artifacts.Uploader

	limiter *ratelimit.Limiter
}

// New builds the clients of cfg. base overrides the innermost transport and
// is normally nil.
func New(ctx context.Context, cfg *config.Config, base http.RoundTripper) (*Stack, error) {
	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.AdminAPIRPS, Burst: cfg.AdminAPIBurst})
	client := func(pkg string) *http.Client {
		return adminapi.NewHTTPClient(adminapi.Options{
			Pkg:                pkg,
			Timeout:            cfg.AdminAPITimeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Limiter:            limiter,
			Base:               base,
		})
	}

	s := &Stack{
		Config: cfg,
		Keycloak: keycloak.New(keycloak.Config{
			BaseURL:    cfg.KeycloakURL,
			Realm:      cfg.KeycloakRealm,
			AdminRealm: cfg.KeycloakAdminRealm,
			ClientID:   cfg.KeycloakAdminClientID,
			Username:   cfg.KeycloakAdminUsername,
			Password:   cfg.KeycloakAdminPassword,
		}, client("keycloak")),
		MAS: mas.New(mas.Config{
			BaseURL:      cfg.MASURL,
			ClientID:     cfg.MASAdminClientID,
			ClientSecret: cfg.MASAdminClientSecret,
			Scope:        cfg.MASAdminScope,
		}, client("mas")),
		Mailbox:    mailbox.New(cfg.MailURL, client("mailbox")),
		Homeserver: homeserver.New(cfg.BaseURL, client("homeserver")),
		limiter:    limiter,
	}

	fixtures, err := fixture.FromConfig(cfg, s.Keycloak, s.MAS)
	if err != nil {
		limiter.Stop()
		return nil, err
	}
	s.Fixtures = fixtures

	if cfg.RoomCleanupEnabled() {
		s.RoomAdmin = homeserver.NewAdmin(cfg.BaseURL, client("homeserver"),
			cfg.HomeserverAdminUsername, cfg.HomeserverAdminPassword)
	}

	if cfg.ArtifactsEnabled() {
		sc, err := s3client.New(ctx, s3client.Config{
			Endpoint:        cfg.AWSEndpointS3,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			BucketName:      cfg.ArtifactsBucket,
			UsePathStyle:    true,
		})
		if err != nil {
			limiter.Stop()
			return nil, err
		}
		s.Artifacts = artifacts.NewUploader(sc, obs.RunID())
	}

	obs.Pkg("stack").Info("stack_ready",
		"env", cfg.Env,
		"mas_url", cfg.MASURL,
		"keycloak_url", cfg.KeycloakURL,
		"artifacts", cfg.ArtifactsEnabled(),
		"room_cleanup", cfg.RoomCleanupEnabled(),
	)
	return s, nil
}

// Close stops the shared rate limiter.
func (s *Stack) Close() {
	s.limiter.Stop()
}
