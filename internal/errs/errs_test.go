package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

var allCodes = []Code{
	Auth,
	Provisioning,
	Timeout,
	InvalidArgument,
	NotFound,
	Unavailable,
	Internal,
}

func testCodeOf_RoundtripForTypedErrors(t *rapid.T) {
	code := rapid.SampledFrom(allCodes).Draw(t, "code")
	message := rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "message")

	err := New(code, message)
	if got := CodeOf(err); got != code {
		t.Fatalf("CodeOf(New) mismatch: got=%q want=%q", got, code)
	}
	if got := MessageOf(err); got != message {
		t.Fatalf("MessageOf(New) mismatch: got=%q want=%q", got, message)
	}
	if !Is(err, code) {
		t.Fatalf("Is(New(%q)) = false", code)
	}
}

func TestCodeOf_RoundtripForTypedErrors(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeOf_RoundtripForTypedErrors)
}

func testCodeOf_WrappedTypedError(t *rapid.T) {
	code := rapid.SampledFrom(allCodes).Draw(t, "code")
	message := rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "message")
	cause := errors.New(rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "cause"))

	err := Wrap(code, message, cause)
	wrapped := fmt.Errorf("outer: %w", err)

	if got := CodeOf(wrapped); got != code {
		t.Fatalf("CodeOf(wrapped) mismatch: got=%q want=%q", got, code)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("wrapped error lost its cause")
	}
}

func TestCodeOf_WrappedTypedError(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeOf_WrappedTypedError)
}

func TestCodeOf_UntypedDefaultsToInternal(t *testing.T) {
	t.Parallel()
	if got := CodeOf(errors.New("boom")); got != Internal {
		t.Fatalf("CodeOf(untyped) = %q, want %q", got, Internal)
	}
	if got := CodeOf(nil); got != Internal {
		t.Fatalf("CodeOf(nil) = %q, want %q", got, Internal)
	}
}

func TestStatus_CarriesStatusAndBody(t *testing.T) {
	t.Parallel()
	err := Status(Provisioning, "create user", http.StatusConflict, `{"error":"exists"}`)

	if !Is(err, Provisioning) {
		t.Fatalf("expected provisioning code, got %q", CodeOf(err))
	}
	if got := StatusOf(err); got != http.StatusConflict {
		t.Fatalf("StatusOf = %d, want %d", got, http.StatusConflict)
	}
	msg := err.Error()
	for _, want := range []string{"create user", "409", "exists"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q should mention %q", msg, want)
		}
	}
}

func TestIs_FindsInnerCode(t *testing.T) {
	t.Parallel()
	inner := Status(Provisioning, "lookup", http.StatusBadGateway, "")
	outer := Wrap(Timeout, "user never appeared", inner)

	if !Is(outer, Timeout) {
		t.Fatal("outer code not found")
	}
	if !Is(outer, Provisioning) {
		t.Fatal("inner code not found")
	}
	if Is(outer, Auth) {
		t.Fatal("unexpected auth code")
	}
	if StatusOf(outer) != http.StatusBadGateway {
		t.Fatalf("StatusOf(outer) = %d", StatusOf(outer))
	}
}
