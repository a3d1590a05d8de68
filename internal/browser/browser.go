// Package browser owns the Playwright driver and the Chromium instance a test run shares.
package browser

import (
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/authprobe/internal/config"
	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/obs"
)

// Options configures the browser and every context it creates.
type Options struct {
	Headless          bool
	Locale            string
	BaseURL           string
	IgnoreHTTPSErrors bool
	Timeout           time.Duration
}

// OptionsFromConfig derives browser options from the harness configuration.
// Relative navigations resolve against the authentication service.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Headless:          cfg.BrowserHeadless,
		Locale:            cfg.BrowserLocale,
		BaseURL:           cfg.MASURL,
		IgnoreHTTPSErrors: cfg.InsecureSkipVerify,
		Timeout:           cfg.BrowserTimeout,
	}
}

func (o Options) timeoutMS() float64 {
	if o.Timeout <= 0 {
		return 10000
	}
	return float64(o.Timeout / time.Millisecond)
}

func (o Options) contextOptions() playwright.BrowserNewContextOptions {
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(o.IgnoreHTTPSErrors),
	}
	if o.Locale != "" {
		opts.Locale = playwright.String(o.Locale)
	}
	if o.BaseURL != "" {
		opts.BaseURL = playwright.String(o.BaseURL)
	}
	return opts
}

// Browser is one Playwright driver and Chromium process.
type Browser struct {
	opts Options

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

// Launch starts Playwright and Chromium. The error is errs.Unavailable when
// the driver or the browser binary is missing.
func Launch(opts Options) (*Browser, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "browser: playwright not available", err)
	}
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, errs.Wrap(errs.Unavailable, "browser: could not launch chromium", err)
	}
	obs.Pkg("browser").Info("browser_launched", "headless", opts.Headless, "locale", opts.Locale, "version", b.Version())
	return &Browser{opts: opts, pw: pw, browser: b}, nil
}

// Options returns the launch options.
func (b *Browser) Options() Options {
	return b.opts
}

// NewContext creates an isolated context (cookies, storage) with the configured defaults.
func (b *Browser) NewContext() (playwright.BrowserContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil, errs.New(errs.Unavailable, "browser: closed")
	}
	ctx, err := b.browser.NewContext(b.opts.contextOptions())
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "browser: new context", err)
	}
	ctx.SetDefaultTimeout(b.opts.timeoutMS())
	ctx.SetDefaultNavigationTimeout(b.opts.timeoutMS())
	return ctx, nil
}

// NewPage opens a page in a fresh context. Closing the context closes the page.
func (b *Browser) NewPage() (playwright.Page, playwright.BrowserContext, error) {
	ctx, err := b.NewContext()
	if err != nil {
		return nil, nil, err
	}
	page, err := ctx.NewPage()
	if err != nil {
		_ = ctx.Close()
		return nil, nil, errs.Wrap(errs.Unavailable, "browser: new page", err)
	}
	return page, ctx, nil
}

// Close stops Chromium and the driver. Safe to call twice.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	var first error
	if err := b.browser.Close(); err != nil {
		first = err
	}
	if err := b.pw.Stop(); err != nil && first == nil {
		first = err
	}
	b.browser = nil
	b.pw = nil
	return first
}
