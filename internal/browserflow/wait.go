package browserflow

import (
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/urlutil"
)

// GetByRole takes the role by value; the generated enum constants are pointers.
var (
	roleButton = *playwright.AriaRoleButton
	roleLink   = *playwright.AriaRoleLink
)

func stepErr(step string, err error) error {
	if err == nil {
		return nil
	}
	if errs.CodeOf(err) != errs.Internal {
		return err
	}
	return errs.Wrap(errs.Timeout, "browserflow: "+step, err)
}

func ms(d time.Duration) *float64 {
	if d <= 0 {
		return nil
	}
	return playwright.Float(float64(d.Milliseconds()))
}

// WaitForURLContaining waits until the page URL contains fragment.
func WaitForURLContaining(page playwright.Page, fragment string) error {
	err := page.WaitForURL(func(u string) bool {
		return strings.Contains(u, fragment)
	})
	return stepErr("wait for url "+fragment, err)
}

// WaitForURLLeaving waits until the page URL no longer contains fragment.
func WaitForURLLeaving(page playwright.Page, fragment string) error {
	err := page.WaitForURL(func(u string) bool {
		return !strings.Contains(u, fragment)
	})
	return stepErr("leave "+fragment, err)
}

// WaitForOrigin waits until the page is served from base.
func WaitForOrigin(page playwright.Page, base string) error {
	err := page.WaitForURL(func(u string) bool {
		return urlutil.ContainsOrigin(u, base)
	})
	return stepErr("wait for "+base, err)
}

// Screen waits for fragment in the URL and for the network to settle, then
// screenshots the page.
func Screen(page playwright.Page, shots *Shots, fragment string) error {
	if err := WaitForURLContaining(page, fragment); err != nil {
		return err
	}
	err := page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{State: playwright.LoadStateNetworkidle})
	if err != nil {
		return stepErr("network idle on "+fragment, err)
	}
	return shots.Take(page, fragment)
}

// ExpectText waits for text to be visible. A zero timeout uses the context default.
func ExpectText(page playwright.Page, text string, timeout time.Duration) error {
	err := page.GetByText(text).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: ms(timeout),
	})
	return stepErr("expect text "+text, err)
}

// ExpectAnyText waits until one of texts is visible.
func ExpectAnyText(page playwright.Page, timeout time.Duration, texts ...string) error {
	if len(texts) == 0 {
		return errs.New(errs.InvalidArgument, "browserflow: no text to expect")
	}
	loc := page.GetByText(texts[0])
	for _, t := range texts[1:] {
		loc = loc.Or(page.GetByText(t))
	}
	err := loc.First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: ms(timeout),
	})
	return stepErr("expect one of "+strings.Join(texts, " | "), err)
}

// ExpectFormError waits for the authentication service's inline error containing text.
func ExpectFormError(page playwright.Page, text string) error {
	err := page.Locator(SelFormError).Filter(playwright.LocatorFilterOptions{HasText: text}).First().WaitFor(
		playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible},
	)
	return stepErr("expect form error "+text, err)
}

func clickButton(page playwright.Page, name string) error {
	err := page.GetByRole(roleButton).Filter(playwright.LocatorFilterOptions{HasText: name}).First().Click()
	return stepErr("click button "+name, err)
}

func clickLink(page playwright.Page, name string) error {
	err := page.GetByRole(roleLink).Filter(playwright.LocatorFilterOptions{HasText: name}).First().Click()
	return stepErr("click link "+name, err)
}

func fill(page playwright.Page, selector, value string) error {
	return stepErr("fill "+selector, page.Locator(selector).Fill(value))
}

func gotoURL(page playwright.Page, url string) error {
	_, err := page.Goto(url, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateNetworkidle})
	return stepErr("goto "+url, err)
}
