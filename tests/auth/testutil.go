// Package auth holds the browser scenarios that run against a live stack.
// Every test calls SetupEnv(t), which skips unless AUTHPROBE_E2E=1 and a
// Playwright browser can be started.
package auth

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/authprobe/internal/browser"
	"github.com/kuitang/authprobe/internal/browserflow"
	"github.com/kuitang/authprobe/internal/config"
	"github.com/kuitang/authprobe/internal/fixture"
	"github.com/kuitang/authprobe/internal/identity"
	"github.com/kuitang/authprobe/internal/obs"
	"github.com/kuitang/authprobe/internal/report"
	"github.com/kuitang/authprobe/internal/stack"
)

// Env is shared by every test of the package.
type Env struct {
	Config  *config.Config
	Stack   *stack.Stack
	Flow    browserflow.Env
	Browser *browser.Browser
	Report  *report.Report
}

var (
	sharedMu   sync.Mutex
	shared     *Env
	sharedSkip string
)

// SetupEnv returns the shared environment and t tracked by the run report,
// or skips t.
func SetupEnv(t *testing.T) (*Env, *report.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("browser scenarios are skipped in -short mode")
	}
	if os.Getenv("AUTHPROBE_E2E") != "1" {
		t.Skip("set AUTHPROBE_E2E=1 to run the browser scenarios")
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		return shared, shared.Report.Track(t)
	}
	if sharedSkip != "" {
		t.Skip(sharedSkip)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	s, err := stack.New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build stack: %v", err)
	}
	b, err := browser.Launch(browser.OptionsFromConfig(cfg))
	if err != nil {
		s.Close()
		sharedSkip = "playwright unavailable: " + err.Error()
		t.Skip(sharedSkip)
	}
	shared = &Env{
		Config:  cfg,
		Stack:   s,
		Flow:    browserflow.EnvFromConfig(cfg),
		Browser: b,
		Report:  report.New(obs.RunID()),
	}
	return shared, shared.Report.Track(t)
}

// Track registers a subtest with the run report.
func (e *Env) Track(t *testing.T) *report.T {
	return e.Report.Track(t)
}

// teardownShared writes the report and releases the browser. Called from TestMain.
func teardownShared() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return
	}
	log := obs.Pkg("e2e")
	dir := shared.Config.ScreenshotsDir
	if err := shared.Report.Save(filepath.Join(dir, "results.json")); err != nil {
		log.Error("report_save_failed", "error", err)
	}
	if path, err := shared.Report.WriteHTML(dir); err != nil {
		log.Error("report_render_failed", "error", err)
	} else {
		log.Info("report_written", "path", path)
	}
	if err := shared.Browser.Close(); err != nil {
		log.Warn("browser_close_failed", "error", err)
	}
	shared.Stack.Close()
	shared = nil
}

// Context carries the test name into every log line of the test.
func (e *Env) Context(t testing.TB) context.Context {
	return obs.WithTest(context.Background(), t.Name())
}

// Page opens a fresh browser context and page for t. On failure the last
// state of the page is screenshotted; the screenshots land in the report.
func (e *Env) Page(t *report.T) (playwright.Page, playwright.BrowserContext, *browserflow.Shots) {
	t.Helper()
	page, bctx, err := e.Browser.NewPage()
	require.NoError(t, err)

	var sink browserflow.Sink
	if e.Stack.Artifacts != nil {
		sink = e.Stack.Artifacts
	}
	shots := browserflow.NewShots(e.Context(t), e.Config.ScreenshotsDir, t.Name(), sink)
	t.Screenshots(shots.Files)
	t.Cleanup(func() {
		if t.Failed() {
			_ = shots.Take(page, "failure")
		}
		_ = bctx.Close()
	})
	return page, bctx, shots
}

// Identity provisions spec for the duration of t.
func (e *Env) Identity(t testing.TB, spec fixture.Spec) *fixture.Lease {
	t.Helper()
	return e.Stack.Fixtures.ForTest(t, spec)
}

// AuthServiceAccount creates a password account on the authentication service
// and deactivates it when t ends.
func (e *Env) AuthServiceAccount(t testing.TB, lease *fixture.Lease, username, email, password string) string {
	t.Helper()
	id, err := e.Stack.MAS.CreateUserWithPassword(lease.Context(), username, email, password)
	if id != "" {
		lease.TrackAuthServiceUser(id)
	}
	require.NoError(t, err)
	return id
}

// Generated returns a fresh identity for scenario without any remote record.
func (e *Env) Generated(scenario identity.Scenario) identity.TestUser {
	gen := identity.NewGenerator(e.Config.TestUserPrefix, e.Config.TestUserPassword)
	u := gen.New(e.Config.Domain(scenario))
	u.Scenario = scenario.String()
	return u
}
