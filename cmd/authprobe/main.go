// authprobe runs the harness' provisioning and support operations by hand.
//
//	authprobe config
//	authprobe provision -scenario invited [-provider=false] [-mas=false] [-preset NAME]
//	authprobe cleanup -provider-id ID -mas-id ID -room-id ID
//	authprobe wait-user -email E
//	authprobe remediate -subject S -user-id U -email E
//	authprobe report -in results.json -out dir
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kuitang/authprobe/internal/config"
	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/fixture"
	"github.com/kuitang/authprobe/internal/identity"
	"github.com/kuitang/authprobe/internal/mas"
	"github.com/kuitang/authprobe/internal/obs"
	"github.com/kuitang/authprobe/internal/report"
	"github.com/kuitang/authprobe/internal/stack"
)

const usage = `usage: authprobe <command> [flags]

commands:
  config      print the resolved configuration
  provision   create a test identity and print it
  cleanup     delete or deactivate the given accounts
  wait-user   wait for an account to appear on the authentication service
  remediate   drop stale upstream links and reactivate an account
  report      render a results file as HTML
`

func main() {
	obs.Init()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, config.LoadFromEnv); err != nil {
		fmt.Fprintf(os.Stderr, "authprobe: %v\n", err)
		if errs.Is(err, errs.InvalidArgument) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type loader func() (*config.Config, error)

func run(ctx context.Context, args []string, out io.Writer, load loader) error {
	if len(args) == 0 {
		return errs.New(errs.InvalidArgument, strings.TrimSpace(usage))
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "config":
		return runConfig(out, load)
	case "provision":
		return runProvision(ctx, rest, out, load)
	case "cleanup":
		return runCleanup(ctx, rest, out, load)
	case "wait-user":
		return runWaitUser(ctx, rest, out, load)
	case "remediate":
		return runRemediate(ctx, rest, out, load)
	case "report":
		return runReport(rest, out)
	case "help", "-h", "--help":
		_, err := io.WriteString(out, usage)
		return err
	default:
		return errs.New(errs.InvalidArgument, "unknown command "+cmd)
	}
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errs.Wrap(errs.InvalidArgument, fs.Name(), err)
	}
	return nil
}

func openStack(ctx context.Context, load loader) (*stack.Stack, error) {
	cfg, err := load()
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "load config", err)
	}
	return stack.New(ctx, cfg, nil)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runConfig(out io.Writer, load loader) error {
	cfg, err := load()
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "load config", err)
	}
	return printJSON(out, cfg.Redacted())
}

func runProvision(ctx context.Context, args []string, out io.Writer, load loader) error {
	fs := newFlags("provision")
	scenario := fs.String("scenario", identity.Standard.String(), "email domain class")
	provider := fs.Bool("provider", true, "create the identity-provider account")
	auth := fs.Bool("mas", true, "create the authentication-service account")
	legacy := fs.Bool("legacy", false, "use the legacy username shape")
	preset := fs.String("preset", "", "named fixture spec; overrides the other flags")
	if err := parse(fs, args); err != nil {
		return err
	}
	spec, err := provisionSpec(*preset, *scenario, *provider, *auth, *legacy)
	if err != nil {
		return err
	}

	s, err := openStack(ctx, load)
	if err != nil {
		return err
	}
	defer s.Close()

	// Provisioned by hand means cleaned up by hand: the lease is not released.
	lease, err := s.Fixtures.Provision(ctx, spec)
	if err != nil {
		return err
	}
	return printJSON(out, lease.User)
}

func provisionSpec(preset, scenario string, provider, auth, legacy bool) (fixture.Spec, error) {
	if preset != "" {
		spec, ok := fixture.Preset(preset)
		if !ok {
			return fixture.Spec{}, errs.New(errs.InvalidArgument, "provision: unknown preset "+preset)
		}
		return spec, nil
	}
	sc, err := identity.ParseScenario(scenario)
	if err != nil {
		return fixture.Spec{}, errs.Wrap(errs.InvalidArgument, "provision", err)
	}
	spec := fixture.Spec{
		Name:               "cli",
		Scenario:           sc,
		Provider:           provider,
		AuthService:        auth,
		WaitForAuthService: auth,
	}
	if legacy {
		spec.Naming = fixture.LegacyNaming
	}
	return spec, nil
}

func runCleanup(ctx context.Context, args []string, out io.Writer, load loader) error {
	fs := newFlags("cleanup")
	providerID := fs.String("provider-id", "", "identity-provider user id to delete")
	masID := fs.String("mas-id", "", "authentication-service user id to deactivate")
	roomID := fs.String("room-id", "", "homeserver room id to delete and purge")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *providerID == "" && *masID == "" && *roomID == "" {
		return errs.New(errs.InvalidArgument, "cleanup: -provider-id, -mas-id or -room-id is required")
	}

	s, err := openStack(ctx, load)
	if err != nil {
		return err
	}
	defer s.Close()

	if *providerID != "" {
		if err := s.Keycloak.DeleteUser(ctx, *providerID); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted identity-provider user %s\n", *providerID)
	}
	if *masID != "" {
		if err := s.MAS.DeactivateUser(ctx, *masID); err != nil {
			return err
		}
		fmt.Fprintf(out, "deactivated authentication-service user %s\n", *masID)
	}
	if *roomID != "" {
		if s.RoomAdmin == nil {
			return errs.New(errs.InvalidArgument, "cleanup: -room-id needs HOMESERVER_ADMIN_USERNAME and HOMESERVER_ADMIN_PASSWORD")
		}
		if _, err := s.RoomAdmin.DeleteRoom(ctx, *roomID); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted room %s\n", *roomID)
	}
	return nil
}

func runWaitUser(ctx context.Context, args []string, out io.Writer, load loader) error {
	fs := newFlags("wait-user")
	email := fs.String("email", "", "email address to wait for")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *email == "" {
		return errs.New(errs.InvalidArgument, "wait-user: -email is required")
	}

	s, err := openStack(ctx, load)
	if err != nil {
		return err
	}
	defer s.Close()

	u, err := s.MAS.WaitForUser(ctx, *email, s.Config.PollPolicy())
	if err != nil {
		return err
	}
	return printJSON(out, u)
}

func runRemediate(ctx context.Context, args []string, out io.Writer, load loader) error {
	fs := newFlags("remediate")
	var req mas.RemediationRequest
	fs.StringVar(&req.Subject, "subject", "", "upstream subject whose links are dropped")
	fs.StringVar(&req.UserID, "user-id", "", "account to reactivate")
	fs.StringVar(&req.Email, "email", "", "address to attach again")
	if err := parse(fs, args); err != nil {
		return err
	}

	s, err := openStack(ctx, load)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.MAS.Remediate(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

func runReport(args []string, out io.Writer) error {
	fs := newFlags("report")
	in := fs.String("in", "results.json", "results file written by the suite")
	dir := fs.String("out", "report", "output directory")
	if err := parse(fs, args); err != nil {
		return err
	}
	r, err := report.Load(*in)
	if err != nil {
		return err
	}
	path, err := r.WriteHTML(*dir)
	if err != nil {
		return err
	}
	counts := r.Counts()
	fmt.Fprintf(out, "%s: %d passed, %d failed, %d skipped\n", path,
		counts[report.Passed], counts[report.Failed], counts[report.Skipped])
	return nil
}
