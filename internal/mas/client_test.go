package mas_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/authprobe/internal/adminapi"
	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/fakes/masfake"
	"github.com/kuitang/authprobe/internal/identity"
	"github.com/kuitang/authprobe/internal/mas"
	"github.com/kuitang/authprobe/internal/poll"
)

func newClient(fake *masfake.Server) *mas.Client {
	return mas.New(fake.ClientConfig(), adminapi.NewHTTPClient(adminapi.Options{Pkg: "mas"}))
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestAdminToken_ValidCredentials(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()

	tok, err := newClient(fake).AdminToken(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, tok)
}

func TestInvalidCredentials_AuthErrorAndNoFurtherCalls(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()

	cfg := fake.ClientConfig()
	cfg.ClientSecret = "wrong"
	c := mas.New(cfg, adminapi.NewHTTPClient(adminapi.Options{Pkg: "mas"}))
	ctx := context.Background()

	_, err := c.AdminToken(ctx)
	require.True(t, errs.Is(err, errs.Auth), "got %v", err)

	_, err = c.CreateUserWithPassword(ctx, "bob", "bob@example.com", "pw")
	require.True(t, errs.Is(err, errs.Auth), "got %v", err)
	_, err = c.UserByEmail(ctx, "bob@example.com")
	require.True(t, errs.Is(err, errs.Auth), "got %v", err)

	require.Zero(t, fake.Count("", "/api/admin/"), "no admin call may follow a rejected token: %v", fake.Calls())
}

func testProvisionDeprovisionRoundTrip(t *rapid.T) {
	fake := masfake.New(masfake.Options{})
	defer fake.Close()
	c := newClient(fake)
	ctx := context.Background()

	gen := identity.NewGenerator(rapid.StringMatching(`mas[a-z]{3,8}`).Draw(t, "prefix"), "Test@123456")
	user := gen.New(rapid.SampledFrom([]string{"tchapgouv.com", "invited.externe.com"}).Draw(t, "domain"))

	id, err := c.CreateUserWithPassword(ctx, user.Username, user.Email, user.Password)
	if err != nil {
		t.Fatalf("CreateUserWithPassword: %v", err)
	}
	if !fake.CheckPassword(id, user.Password) {
		t.Fatal("password not set")
	}
	found, err := c.UserByEmail(ctx, user.Email)
	if err != nil || found == nil || found.ID != id {
		t.Fatalf("UserByEmail = %+v, %v", found, err)
	}
	if found.Attributes.Username != user.Username || !found.Attributes.Active() {
		t.Fatalf("unexpected attributes: %+v", found.Attributes)
	}

	if err := c.DeactivateUser(ctx, id); err != nil {
		t.Fatalf("DeactivateUser: %v", err)
	}
	after, err := c.User(ctx, id)
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if after.Attributes.DeactivatedAt == nil {
		t.Fatal("account should be deactivated")
	}
	if c.UserExistsByEmail(ctx, user.Email) {
		t.Fatal("deactivated account should no longer resolve by email")
	}
}

func TestProvisionDeprovisionRoundTrip(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testProvisionDeprovisionRoundTrip)
}

func TestUserByEmail_AbsentIsNil(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()

	user, err := newClient(fake).UserByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	require.Nil(t, user)
}

func TestUserExistsByEmail_ErrorReadsAsFalse(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()
	c := newClient(fake)
	ctx := context.Background()

	_, err := c.CreateUserWithPassword(ctx, "carol", "carol@example.com", "pw")
	require.NoError(t, err)

	fake.Fail(http.MethodGet, "/api/admin/v1/user-emails", http.StatusInternalServerError, 1)
	require.False(t, c.UserExistsByEmail(ctx, "carol@example.com"))
	require.True(t, c.UserExistsByEmail(ctx, "carol@example.com"))
}

func TestCreateUserWithPassword_StepFailureIsProvisioning(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()

	fake.Fail(http.MethodPost, "/api/admin/v1/user-emails", http.StatusBadRequest, 1)
	id, err := newClient(fake).CreateUserWithPassword(context.Background(), "dave", "dave@example.com", "pw")
	require.True(t, errs.Is(err, errs.Provisioning), "got %v", err)
	require.Equal(t, http.StatusBadRequest, errs.StatusOf(err))
	require.NotEmpty(t, id)
	require.Equal(t, 1, fake.UserCount())
}

func TestCreateUserWithPassword_ThreeAdminCalls(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()
	c := newClient(fake)
	ctx := context.Background()

	_, err := c.AdminToken(ctx)
	require.NoError(t, err)
	fake.Reset()

	id, err := c.CreateUserWithPassword(ctx, "frank", "frank@example.com", "pw")
	require.NoError(t, err)
	require.Equal(t, 3, fake.Count("", "/api/admin/"), "%v", fake.Calls())
	require.Equal(t, 1, fake.Count(http.MethodPost, "/api/admin/v1/users/"+id+"/set-password"))
	require.Equal(t, 1, fake.Count(http.MethodPost, "/api/admin/v1/user-emails"))
	require.Zero(t, fake.Count(http.MethodGet, "/api/admin/"))
}

func TestWaitForUser_ExistingUserReturnsOnFirstPoll(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()
	c := newClient(fake)
	ctx := context.Background()

	id, err := c.CreateUserWithPassword(ctx, "erin", "erin@example.com", "pw")
	require.NoError(t, err)
	fake.Reset()

	start := time.Now()
	user, err := c.WaitForUser(ctx, "erin@example.com", poll.Policy{MaxAttempts: 10, Delay: time.Hour})
	require.NoError(t, err)
	require.Equal(t, id, user.ID)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, 1, fake.Count(http.MethodGet, "/api/admin/v1/user-emails"))
}

func TestWaitForUser_AsynchronousCreation(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()

	fake.InsertUserLater("frank", "frank@example.com", 150*time.Millisecond)
	user, err := newClient(fake).WaitForUser(context.Background(), "frank@example.com",
		poll.Policy{MaxAttempts: 50, Delay: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, "frank", user.Attributes.Username)
}

func TestWaitForUser_TimeoutAfterBudget(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()

	_, err := newClient(fake).WaitForUser(context.Background(), "ghost@example.com",
		poll.Policy{MaxAttempts: 4, Delay: time.Second, Sleep: noSleep})
	require.True(t, errs.Is(err, errs.Timeout), "got %v", err)
	require.Equal(t, 4, fake.Count(http.MethodGet, "/api/admin/v1/user-emails"))
}

func TestWaitForUser_TransientErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()
	c := newClient(fake)
	ctx := context.Background()

	_, err := c.CreateUserWithPassword(ctx, "gina", "gina@example.com", "pw")
	require.NoError(t, err)

	fake.Fail(http.MethodGet, "/api/admin/v1/user-emails", http.StatusBadGateway, 2)
	user, err := c.WaitForUser(ctx, "gina@example.com", poll.Policy{MaxAttempts: 3, Delay: time.Second, Sleep: noSleep})
	require.NoError(t, err)
	require.Equal(t, "gina", user.Attributes.Username)
}

func TestOAuthLinkExists_ExactlyOne(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()
	c := newClient(fake)
	ctx := context.Background()

	a, err := c.CreateUserWithPassword(ctx, "hal", "hal@example.com", "pw")
	require.NoError(t, err)

	ok, err := c.OAuthLinkExistsForUser(ctx, a)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.CreateOAuthLink(ctx, a, "keycloak", "hal-sub")
	require.NoError(t, err)
	ok, err = c.OAuthLinkExistsForUser(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.OAuthLinkExistsForSubject(ctx, "hal-sub")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = c.CreateOAuthLink(ctx, a, "other-provider", "hal-sub-2")
	require.NoError(t, err)
	ok, err = c.OAuthLinkExistsForUser(ctx, a)
	require.NoError(t, err)
	require.False(t, ok, "two links is not exactly one")
}

func TestRemediate_RestoresDeactivatedAccount(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()
	c := newClient(fake)
	ctx := context.Background()

	id, err := c.CreateUserWithPassword(ctx, "ivy", "ivy@numerique.gouv.fr", "pw")
	require.NoError(t, err)
	_, err = c.CreateOAuthLink(ctx, id, "keycloak", "ivy-sub")
	require.NoError(t, err)
	require.NoError(t, c.DeactivateUser(ctx, id))
	require.False(t, c.UserExistsByEmail(ctx, "ivy@numerique.gouv.fr"))

	res, err := c.Remediate(ctx, mas.RemediationRequest{Subject: "ivy-sub", UserID: id, Email: "ivy@numerique.gouv.fr"})
	require.NoError(t, err)
	require.Len(t, res.DeletedLinks, 1)
	require.True(t, res.Reactivated)

	user, err := c.UserByEmail(ctx, "ivy@numerique.gouv.fr")
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, id, user.ID)
	require.True(t, user.Attributes.Active())

	links, err := c.OAuthLinksForSubject(ctx, "ivy-sub")
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestRemediate_RequiresAllFields(t *testing.T) {
	t.Parallel()
	fake := masfake.New(masfake.Options{})
	defer fake.Close()

	_, err := newClient(fake).Remediate(context.Background(), mas.RemediationRequest{Subject: "s"})
	require.True(t, errs.Is(err, errs.InvalidArgument))
	require.Zero(t, len(fake.Calls()))
}

var fastPolicy = poll.Policy{MaxAttempts: 3, Delay: time.Millisecond}
