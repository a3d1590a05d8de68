package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestFrom_AddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	ctx := WithTest(context.Background(), "TestLogin")
	ctx = WithCorrelation(ctx, Correlation{Username: "user.test_1_2"})
	From(ctx).Info("provisioned")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected one log line, got %d", len(lines))
	}
	line := lines[0]
	if line["test"] != "TestLogin" {
		t.Fatalf("test field = %v", line["test"])
	}
	if line["username"] != "user.test_1_2" {
		t.Fatalf("username field = %v", line["username"])
	}
	if line["run_id"] != RunID() {
		t.Fatalf("run_id field = %v, want %s", line["run_id"], RunID())
	}
}

func TestWithCorrelation_KeepsExistingFields(t *testing.T) {
	t.Parallel()
	ctx := WithCorrelation(context.Background(), Correlation{Test: "A", Username: "u"})
	ctx = WithCorrelation(ctx, Correlation{Step: "login"})
	corr := CorrelationFromContext(ctx)
	if corr.Test != "A" || corr.Username != "u" || corr.Step != "login" {
		t.Fatalf("unexpected correlation: %+v", corr)
	}
}

func TestTransport_LogsCall(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewTransport("mas", nil)}
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/admin/v1/users", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer mat_secret")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected one log line, got %d", len(lines))
	}
	if lines[0]["msg"] != "http_call" || lines[0]["pkg"] != "mas" {
		t.Fatalf("unexpected log line: %v", lines[0])
	}
	if lines[0]["status"] != float64(http.StatusTeapot) {
		t.Fatalf("status = %v", lines[0]["status"])
	}
	if lines[0]["path"] != "/api/admin/v1/users" {
		t.Fatalf("path = %v", lines[0]["path"])
	}
	headers, _ := lines[0]["req_headers"].(string)
	if strings.Contains(headers, "mat_secret") || !strings.Contains(headers, "[REDACTED]") {
		t.Fatalf("authorization header not redacted: %q", headers)
	}
}

func TestTransport_FailedCallRedactsURL(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := &http.Client{Transport: NewTransport("mailbox", nil)}
	_, err := client.Get(srv.URL + "/account/password/recovery?ticket=abc123")
	if err == nil {
		t.Fatal("expected dial error")
	}

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "http_call_failed" {
		t.Fatalf("unexpected log lines: %v", lines)
	}
	if u, _ := lines[0]["url"].(string); strings.Contains(u, "abc123") {
		t.Fatalf("ticket leaked into log: %q", u)
	}
}
