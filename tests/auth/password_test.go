package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kuitang/authprobe/internal/browserflow"
	"github.com/kuitang/authprobe/internal/fixture"
	"github.com/kuitang/authprobe/internal/identity"
)

const registrationPassword = "sdf78qsd!9090ssss"

// Outside local runs this logs in as the configured fixed account.
func TestPasswordLogin_AllowedAccount(t *testing.T) {
	env, rt := SetupEnv(t)
	lease := env.Identity(rt, fixture.EnvUser)
	user := lease.User

	page, _, shots := env.Page(rt)
	require.NoError(rt, browserflow.PasswordLogin(page, shots, env.Flow, user.Username, user.Password))
}

func TestClientPasswordLogin_WithLoginHint(t *testing.T) {
	env, rt := SetupEnv(t)
	lease := env.Identity(rt, fixture.AuthServiceUser)
	user := lease.User

	page, _, shots := env.Page(rt)
	require.NoError(rt, browserflow.LoginWithPassword(page, shots, env.Flow, user.Email, user.Password))
	require.NoError(rt, browserflow.ExpectHome(page, env.Flow))
}

func TestClientLogoutThenLogin(t *testing.T) {
	env, rt := SetupEnv(t)
	lease := env.Identity(rt, fixture.AuthServiceUser)
	user := lease.User

	page, _, shots := env.Page(rt)
	require.NoError(rt, browserflow.LoginWithPassword(page, shots, env.Flow, user.Email, user.Password))
	require.NoError(rt, browserflow.ExpectHome(page, env.Flow))

	require.NoError(rt, browserflow.Logout(page, shots))

	require.NoError(rt, browserflow.LoginWithPassword(page, shots, env.Flow, user.Email, user.Password))
	// The second device of the same account must verify itself.
	require.NoError(rt, browserflow.ExpectText(page, browserflow.TextConfirmIdentity, env.Flow.LongWait))
	require.NoError(rt, shots.Take(page, "confirm-identity"))
}

func TestClientResetPassword(t *testing.T) {
	env, rt := SetupEnv(t)
	lease := env.Identity(rt, fixture.AuthServiceUser)
	user := lease.User
	ctx := lease.Context()
	require.True(rt, env.Stack.MAS.UserExistsByEmail(ctx, user.Email))
	require.NoError(rt, env.Stack.Mailbox.DeleteFor(ctx, user.Email))

	page, bctx, shots := env.Page(rt)
	require.NoError(rt, browserflow.RequestPasswordReset(page, shots, env.Flow, user.Email))

	link, err := env.Stack.Mailbox.WaitForPasswordResetLink(ctx, user.Email, env.Config.PollPolicy())
	require.NoError(rt, err)

	resetPage, err := bctx.NewPage()
	require.NoError(rt, err)
	require.NoError(rt, browserflow.CompletePasswordReset(resetPage, shots, link, "monchienmangemapantoufle"))

	// The first tab stays on the progress page.
	require.NoError(rt, browserflow.Screen(page, shots, "/recover/progress"))
}

func TestClientRegister_Native(t *testing.T) {
	env, rt := SetupEnv(t)
	lease := env.Identity(rt, fixture.SimpleUser)
	user := lease.User
	ctx := lease.Context()
	require.NoError(rt, env.Stack.Mailbox.DeleteFor(ctx, user.Email))

	page, _, shots := env.Page(rt)
	require.NoError(rt, browserflow.StartRegisterWithEmail(page, shots, env.Flow, user.Email))
	err := browserflow.RegisterWithPassword(page, shots, env.Flow, user.Email, registrationPassword, func() (string, error) {
		return env.Stack.Mailbox.WaitForVerificationCode(ctx, user.Email, env.Config.PollPolicy())
	})
	require.NoError(rt, err)

	created, err := env.Stack.MAS.WaitForUser(ctx, user.Email, env.Config.PollPolicy())
	require.NoError(rt, err)
	lease.TrackAuthServiceUser(created.ID)
	require.Contains(rt, created.Attributes.Username, user.Localpart())
}

func TestClientRegister_RejectedEmail(t *testing.T) {
	env, _ := SetupEnv(t)
	for _, tc := range []struct {
		name     string
		scenario identity.Scenario
		want     string
	}{
		{"not invited", identity.NotInvited, browserflow.TextInvitationNeeded},
		{"wrong server", identity.WrongServer, browserflow.TextOtherServer},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rt := env.Track(t)
			lease := env.Identity(rt, fixture.SimpleUser)
			user := lease.User
			other := env.Generated(tc.scenario)

			page, _, shots := env.Page(rt)
			require.NoError(rt, browserflow.StartRegisterWithEmail(page, shots, env.Flow, user.Email))
			require.NoError(rt, browserflow.FillRegistrationForm(page, shots, user.Email, other.Email, registrationPassword))

			require.NoError(rt, browserflow.Screen(page, shots, "/register/password"))
			require.NoError(rt, browserflow.ExpectFormError(page, tc.want))
			require.False(rt, env.Stack.MAS.UserExistsByEmail(lease.Context(), other.Email))
		})
	}
}

func TestClientRegister_ExistingAccount(t *testing.T) {
	env, rt := SetupEnv(t)
	lease := env.Identity(rt, fixture.AuthServiceUser)
	user := lease.User
	ctx := lease.Context()
	require.NoError(rt, env.Stack.Mailbox.DeleteFor(ctx, user.Email))

	page, _, shots := env.Page(rt)
	require.NoError(rt, browserflow.StartRegisterWithEmail(page, shots, env.Flow, user.Email))
	require.NoError(rt, browserflow.FillRegistrationForm(page, shots, user.Email, user.Email, registrationPassword))
	err := browserflow.VerifyEmail(page, shots, func() (string, error) {
		return env.Stack.Mailbox.WaitForVerificationCode(ctx, user.Email, env.Config.PollPolicy())
	})
	require.NoError(rt, err)
	require.NoError(rt, browserflow.ContinueExistingAccount(page, shots))
	require.NoError(rt, browserflow.Screen(page, shots, "/login"))
}

func TestClientSessionFromHomeserverLogin(t *testing.T) {
	env, rt := SetupEnv(t)
	lease := env.Identity(rt, fixture.AuthServiceUser)
	user := lease.User

	creds, err := env.Stack.Homeserver.Login(lease.Context(), user.Username, user.Password)
	require.NoError(rt, err)

	page, bctx, shots := env.Page(rt)
	require.NoError(rt, browserflow.PopulateLocalStorage(bctx, env.Flow, *creds))
	_, err = page.Goto(env.Config.ElementURL)
	require.NoError(rt, err)
	require.NoError(rt, browserflow.ExpectHome(page, env.Flow))
	require.NoError(rt, shots.Take(page, "restored-session"))
}
