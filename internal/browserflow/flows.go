package browserflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/urlutil"
)

// SimplePasswordLogin submits the authentication service's /login form and
// waits for the page to leave it. It takes no screenshots.
func SimplePasswordLogin(page playwright.Page, env Env, username, password string) error {
	if err := gotoURL(page, urlutil.BuildAbsolute(env.MASURL, "/login")); err != nil {
		return err
	}
	if err := fill(page, selUsername, username); err != nil {
		return err
	}
	if err := fill(page, selPassword, password); err != nil {
		return err
	}
	if err := stepErr("submit login", page.Locator(selSubmit).First().Click()); err != nil {
		return err
	}
	return WaitForURLLeaving(page, "/login")
}

// PasswordLogin is SimplePasswordLogin with screenshots and a check that the
// account page is shown.
func PasswordLogin(page playwright.Page, shots *Shots, env Env, username, password string) error {
	if err := SimplePasswordLogin(page, env, username, password); err != nil {
		_ = shots.Take(page, "login-failed")
		return err
	}
	if err := shots.Take(page, "logged-in"); err != nil {
		return err
	}
	return ExpectAnyText(page, 0, TextMyAccount, TextConnected)
}

// OIDCLogin signs in on the authentication service through the identity
// provider button.
func OIDCLogin(page playwright.Page, shots *Shots, env Env, username, password string) error {
	if err := gotoURL(page, urlutil.BuildAbsolute(env.MASURL, "/login")); err != nil {
		return err
	}
	if err := shots.Take(page, "login"); err != nil {
		return err
	}
	if err := stepErr("click identity provider", page.Locator(selProConnect).First().Click()); err != nil {
		return err
	}
	if err := keycloakLogin(page, shots, env, username, password); err != nil {
		return err
	}
	return WaitForOrigin(page, env.MASURL)
}

// OIDCLoginFromClient starts on the chat client and signs in through the
// identity provider. Env.Legacy selects the previous client entry point.
func OIDCLoginFromClient(page playwright.Page, shots *Shots, env Env, email, username, password string) error {
	if env.Legacy {
		if err := gotoURL(page, urlutil.BuildAbsolute(env.ElementURL, "#/login")); err != nil {
			return err
		}
		if err := shots.Take(page, "client-login"); err != nil {
			return err
		}
		if err := clickButton(page, LabelLegacyCreate); err != nil {
			return err
		}
	} else if err := emailPrecheck(page, shots, env, email); err != nil {
		return err
	}

	if err := WaitForOrigin(page, env.MASURL); err != nil {
		return err
	}
	if err := stepErr("click upstream link", page.Locator(selUpstreamLink).Or(page.Locator(selProConnect)).First().Click()); err != nil {
		return err
	}
	if err := keycloakLogin(page, shots, env, username, password); err != nil {
		return err
	}
	if err := WaitForOrigin(page, env.MASURL); err != nil {
		return err
	}
	return shots.Take(page, "back-on-auth-service")
}

// LoginWithPassword signs in from the chat client with an email and a
// password held by the authentication service. It returns once consent is
// given; what the client shows next depends on the device state, see ExpectHome.
func LoginWithPassword(page playwright.Page, shots *Shots, env Env, email, password string) error {
	if err := emailPrecheck(page, shots, env, email); err != nil {
		return err
	}
	if err := Screen(page, shots, "/login"); err != nil {
		return err
	}
	if err := expectValue(page, selUsername, email); err != nil {
		return err
	}
	if err := fill(page, selPassword, password); err != nil {
		return err
	}
	if err := stepErr("submit login", page.Locator(selSubmit).First().Click()); err != nil {
		return err
	}
	return consent(page, shots)
}

// ExpectHome waits for the chat client's welcome text.
func ExpectHome(page playwright.Page, env Env) error {
	return ExpectText(page, TextWelcome, env.LongWait)
}

// StartRegisterWithEmail submits email on the chat client and waits to land
// on the authentication service. The caller checks which page it landed on.
func StartRegisterWithEmail(page playwright.Page, shots *Shots, env Env, email string) error {
	if err := emailPrecheck(page, shots, env, email); err != nil {
		return err
	}
	if err := WaitForOrigin(page, env.MASURL); err != nil {
		return err
	}
	return shots.Take(page, "register-landing")
}

// FillRegistrationForm checks that /register/password was prefilled with
// prefilled, replaces the address with email when they differ, sets password
// and submits.
func FillRegistrationForm(page playwright.Page, shots *Shots, prefilled, email, password string) error {
	if err := Screen(page, shots, "/register/password"); err != nil {
		return err
	}
	if err := expectValue(page, selEmail, prefilled); err != nil {
		return err
	}
	if email != prefilled {
		if err := fill(page, selEmail, email); err != nil {
			return err
		}
	}
	if err := setNewPassword(page, selPassword, selPasswordConfirm, password); err != nil {
		return err
	}
	return clickButton(page, LabelContinue)
}

// VerifyEmail enters the code returned by code on /verify-email.
func VerifyEmail(page playwright.Page, shots *Shots, code func() (string, error)) error {
	if err := Screen(page, shots, "/verify-email"); err != nil {
		return err
	}
	c, err := code()
	if err != nil {
		return err
	}
	if err := fill(page, selCode, c); err != nil {
		return err
	}
	return clickButton(page, LabelContinue)
}

// RegisterWithPassword completes registration: password form, email
// verification with the code returned by code, then consent.
func RegisterWithPassword(page playwright.Page, shots *Shots, env Env, email, password string, code func() (string, error)) error {
	if err := FillRegistrationForm(page, shots, email, email, password); err != nil {
		return err
	}
	if err := VerifyEmail(page, shots, code); err != nil {
		return err
	}
	if err := consent(page, shots); err != nil {
		return err
	}
	err := page.Locator("h1").Filter(playwright.LocatorFilterOptions{
		HasText: regexp.MustCompile(TextWelcome),
	}).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: ms(env.LongWait),
	})
	if err != nil {
		return stepErr("welcome heading", err)
	}
	return shots.Take(page, "registered")
}

// ContinueExistingAccount follows the /finish page shown when the account
// already exists back to /login.
func ContinueExistingAccount(page playwright.Page, shots *Shots) error {
	if err := Screen(page, shots, "/finish"); err != nil {
		return err
	}
	if err := ExpectText(page, TextAccountExists, 0); err != nil {
		return err
	}
	if err := clickLink(page, LabelContinue); err != nil {
		return err
	}
	return WaitForURLContaining(page, "/login")
}

// RequestPasswordReset starts on the chat client and asks the authentication
// service to mail a recovery link.
func RequestPasswordReset(page playwright.Page, shots *Shots, env Env, email string) error {
	if err := emailPrecheck(page, shots, env, email); err != nil {
		return err
	}
	if err := Screen(page, shots, "/login"); err != nil {
		return err
	}
	if err := clickLink(page, LabelForgotPassword); err != nil {
		return err
	}
	if err := fill(page, selEmail, email); err != nil {
		return err
	}
	if err := clickButton(page, LabelContinue); err != nil {
		return err
	}
	return Screen(page, shots, "/recover/progress")
}

// CompletePasswordReset opens the recovery link and sets password.
func CompletePasswordReset(page playwright.Page, shots *Shots, link, password string) error {
	if err := gotoURL(page, link); err != nil {
		return err
	}
	if err := shots.Take(page, "reset-form"); err != nil {
		return err
	}
	if err := setNewPassword(page, selNewPassword, selNewPasswordOK, password); err != nil {
		return err
	}
	err := page.GetByRole(roleButton).Filter(playwright.LocatorFilterOptions{
		HasText: LabelSaveAndContinue,
	}).First().Click(playwright.LocatorClickOptions{ClickCount: playwright.Int(2)})
	if err != nil {
		return stepErr("save password", err)
	}
	err = page.GetByRole(roleLink).Filter(playwright.LocatorFilterOptions{
		HasText: LabelContinueWindows,
	}).First().WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible})
	if err != nil {
		return stepErr("reset done", err)
	}
	return shots.Take(page, "reset-done")
}

// Logout signs out of the chat client through the avatar menu.
func Logout(page playwright.Page, shots *Shots) error {
	if err := stepErr("open avatar menu", page.GetByLabel(LabelAvatar).First().Click()); err != nil {
		return err
	}
	err := page.GetByRole(roleButton, playwright.PageGetByRoleOptions{Name: LabelSignOut}).Click()
	if err != nil {
		return stepErr("sign out", err)
	}
	return Screen(page, shots, "/welcome")
}

func emailPrecheck(page playwright.Page, shots *Shots, env Env, email string) error {
	if err := gotoURL(page, urlutil.BuildAbsolute(env.ElementURL, "#/welcome")); err != nil {
		return err
	}
	if err := clickLink(page, LabelLoginByEmail); err != nil {
		return err
	}
	if err := Screen(page, shots, "#/email-precheck-sso"); err != nil {
		return err
	}
	if err := fill(page, "input", email); err != nil {
		return err
	}
	return clickButton(page, LabelContinue)
}

func expectValue(page playwright.Page, selector, want string) error {
	got, err := page.Locator(selector).InputValue()
	if err != nil {
		return stepErr("read "+selector, err)
	}
	if !strings.EqualFold(got, want) {
		return errs.New(errs.Internal, fmt.Sprintf("browserflow: %s is %q, want %q", selector, got, want))
	}
	return nil
}

func keycloakLogin(page playwright.Page, shots *Shots, env Env, username, password string) error {
	if err := WaitForOrigin(page, env.KeycloakURL); err != nil {
		return err
	}
	if err := shots.Take(page, "identity-provider"); err != nil {
		return err
	}
	if err := fill(page, selKeycloakUser, username); err != nil {
		return err
	}
	if err := fill(page, selKeycloakPass, password); err != nil {
		return err
	}
	return stepErr("submit identity provider", page.Locator(selSubmit).First().Click())
}

func consent(page playwright.Page, shots *Shots) error {
	if err := Screen(page, shots, "/consent"); err != nil {
		return err
	}
	return clickButton(page, LabelContinue)
}

// setNewPassword fills both password fields, blurs them and waits for the
// match hint.
func setNewPassword(page playwright.Page, first, second, password string) error {
	if err := fill(page, first, password); err != nil {
		return err
	}
	if err := fill(page, second, password); err != nil {
		return err
	}
	err := page.Locator("body").Click(playwright.LocatorClickOptions{
		Position: &playwright.Position{X: 0, Y: 0},
	})
	if err != nil {
		return stepErr("blur password", err)
	}
	return ExpectText(page, LabelPasswordsMatch, 0)
}
