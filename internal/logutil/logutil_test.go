package logutil

import (
	"net/http"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestRedactBodyForLog_JSON(t *testing.T) {
	t.Parallel()
	body := []byte(`{"username":"alice","password":"hunter2","nested":{"access_token":"abc"},"list":[{"client_secret":"s"}]}`)
	got := RedactBodyForLog("application/json", body)

	for _, secret := range []string{"hunter2", "abc", `"s"`} {
		if strings.Contains(got, secret) {
			t.Fatalf("redacted body still contains %q: %s", secret, got)
		}
	}
	if !strings.Contains(got, "alice") {
		t.Fatalf("non-sensitive field lost: %s", got)
	}
}

func TestRedactBodyForLog_Form(t *testing.T) {
	t.Parallel()
	got := RedactBodyForLog("application/x-www-form-urlencoded", []byte("grant_type=password&username=admin&password=admin"))
	if strings.Contains(got, "password=admin") {
		t.Fatalf("form password not redacted: %s", got)
	}
	if !strings.Contains(got, "grant_type=password") {
		t.Fatalf("grant_type lost: %s", got)
	}
}

func TestRedactBodyForLog_KeepsMASOAuthFields(t *testing.T) {
	t.Parallel()
	got := RedactBodyForLog("application/json", []byte(`{"upstream_oauth_provider_id":"01H"}`))
	if !strings.Contains(got, "01H") {
		t.Fatalf("provider id should not be redacted: %s", got)
	}
}

func TestFormatHeadersForLog_RedactsAuthorization(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("Authorization", "Bearer xyz")
	h.Set("Content-Type", "application/json")
	got := FormatHeadersForLog(h)
	if strings.Contains(got, "xyz") {
		t.Fatalf("authorization not redacted: %s", got)
	}
	if !strings.Contains(got, `content-type="application/json"`) {
		t.Fatalf("content-type missing: %s", got)
	}
}

func TestRedactURLForLog(t *testing.T) {
	t.Parallel()
	got := RedactURLForLog("https://admin:pw@sso.example.com/realms?access_token=abc&username=bob")
	if strings.Contains(got, "pw@") || strings.Contains(got, "abc") {
		t.Fatalf("url not redacted: %s", got)
	}
	if !strings.Contains(got, "username=bob") {
		t.Fatalf("username lost: %s", got)
	}
}

func testBodyForError_Bounded(t *rapid.T) {
	body := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "body")
	got := BodyForError("text/plain", body)
	if len(got) > MaxErrorBodyBytes+len(" [truncated]")+len("... [truncated]") {
		t.Fatalf("BodyForError too long: %d bytes", len(got))
	}
	if strings.Contains(got, "\n") {
		t.Fatalf("BodyForError must be single line")
	}
}

func TestBodyForError_Bounded(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testBodyForError_Bounded)
}

func TestRedactURLForLog_RecoveryTicket(t *testing.T) {
	t.Parallel()
	got := RedactURLForLog("https://auth.example.org/account/password/recovery?ticket=s3cr3t&lang=fr")
	if strings.Contains(got, "s3cr3t") {
		t.Fatalf("ticket not redacted: %s", got)
	}
	if !strings.Contains(got, "lang=fr") {
		t.Fatalf("non-sensitive parameter lost: %s", got)
	}
}
