package browserflow

import (
	"encoding/json"
	"fmt"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/homeserver"
	"github.com/kuitang/authprobe/internal/urlutil"
)

// PopulateLocalStorage seeds the chat client's session keys before any page
// of bctx loads, so the client opens already signed in as creds.
func PopulateLocalStorage(bctx playwright.BrowserContext, env Env, creds homeserver.Credentials) error {
	script, err := localStorageScript(urlutil.Origin(env.ElementURL), creds)
	if err != nil {
		return err
	}
	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
		return errs.Wrap(errs.Internal, "browserflow: add init script", err)
	}
	return nil
}

func sessionEntries(creds homeserver.Credentials) map[string]string {
	return map[string]string{
		"mx_hs_url":           creds.HomeserverBaseURL,
		"mx_user_id":          creds.UserID,
		"mx_access_token":     creds.AccessToken,
		"mx_device_id":        creds.DeviceID,
		"mx_is_guest":         "false",
		"mx_has_pickle_key":   "false",
		"mx_has_access_token": "true",
	}
}

// localStorageScript only writes on origin; an empty origin writes everywhere.
func localStorageScript(origin string, creds homeserver.Credentials) (string, error) {
	if creds.UserID == "" || creds.AccessToken == "" {
		return "", errs.New(errs.InvalidArgument, "browserflow: credentials need a user id and an access token")
	}
	entries, err := json.Marshal(sessionEntries(creds))
	if err != nil {
		return "", errs.Wrap(errs.Internal, "browserflow: encode session", err)
	}
	o, err := json.Marshal(origin)
	if err != nil {
		return "", errs.Wrap(errs.Internal, "browserflow: encode origin", err)
	}
	return fmt.Sprintf(`(() => {
  const origin = %s;
  if (origin && window.location.origin !== origin) return;
  const entries = %s;
  for (const [k, v] of Object.entries(entries)) window.localStorage.setItem(k, v);
  let settings = {};
  try { settings = JSON.parse(window.localStorage.getItem("mx_local_settings") || "{}") || {}; } catch (e) {}
  settings.language = "en";
  window.localStorage.setItem("mx_local_settings", JSON.stringify(settings));
})();`, o, entries), nil
}
