package mailbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/poll"
)

// fakeMailpit serves the two search and message endpoints from memory.
type fakeMailpit struct {
	mu       sync.Mutex
	messages []Message // oldest first
	to       map[string]string
	searches int
}

func (f *fakeMailpit) add(to string, m Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.to == nil {
		f.to = map[string]string{}
	}
	f.messages = append(f.messages, m)
	f.to[m.ID] = to
}

func (f *fakeMailpit) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/search", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.searches++
		want := strings.TrimPrefix(r.URL.Query().Get("query"), "to:")
		res := searchResult{}
		for i := len(f.messages) - 1; i >= 0; i-- {
			if f.to[f.messages[i].ID] == want {
				res.Messages = append(res.Messages, Summary{ID: f.messages[i].ID, Subject: f.messages[i].Subject})
			}
		}
		res.Total = len(res.Messages)
		_ = json.NewEncoder(w).Encode(res)
	})
	mux.HandleFunc("GET /api/v1/message/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, m := range f.messages {
			if m.ID == r.PathValue("id") {
				_ = json.NewEncoder(w).Encode(m)
				return
			}
		}
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})
	return mux
}

func newFake(t *testing.T) (*fakeMailpit, *Client) {
	t.Helper()
	f := &fakeMailpit{}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, New(srv.URL, srv.Client())
}

func testExtractCode_FindsDigitsAfterLabel(t *rapid.T) {
	code := rapid.StringMatching(`[0-9]{4,8}`).Draw(t, "code")
	label := rapid.SampledFrom([]string{"Code", "Votre code de vérification", "Verification code"}).Draw(t, "label")
	space := rapid.SampledFrom([]string{"", " ", "  ", "\t"}).Draw(t, "space")
	body := "Bonjour,\n\n" + label + ":" + space + code + "\n\nL'équipe"

	got, err := ExtractCode(body)
	if err != nil {
		t.Fatalf("ExtractCode(%q): %v", body, err)
	}
	if got != code {
		t.Fatalf("ExtractCode = %q, want %q", got, code)
	}
}

func TestExtractCode_FindsDigitsAfterLabel(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testExtractCode_FindsDigitsAfterLabel)
}

func TestExtractCode_Missing(t *testing.T) {
	t.Parallel()
	_, err := ExtractCode("no code here")
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestExtractResetLink(t *testing.T) {
	t.Parallel()
	body := "Reset here: https://auth.tchapgouv.com/account/password/recovery?ticket=abc123 \nthanks"
	link, err := ExtractResetLink(body)
	require.NoError(t, err)
	require.Equal(t, "https://auth.tchapgouv.com/account/password/recovery?ticket=abc123", link)

	_, err = ExtractResetLink("https://auth.tchapgouv.com/login")
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestMessageContent_HTMLOnlyIsReducedToText(t *testing.T) {
	t.Parallel()
	m := Message{HTML: `<html><head><style>p{color:red}</style></head><body><p>Votre code&nbsp;: <b>482913</b></p></body></html>`}
	content := m.Content()
	require.NotContains(t, content, "<")
	require.NotContains(t, content, "color")
	code, err := ExtractCode(content)
	require.NoError(t, err)
	require.Equal(t, "482913", code)
}

func TestVerificationCode_UsesNewestMessage(t *testing.T) {
	t.Parallel()
	f, c := newFake(t)
	f.add("ann@example.com", Message{ID: "1", Text: "Code: 111111"})
	f.add("bob@example.com", Message{ID: "2", Text: "Code: 222222"})
	f.add("ann@example.com", Message{ID: "3", Text: "Code: 333333"})

	code, err := c.VerificationCode(context.Background(), "ann@example.com")
	require.NoError(t, err)
	require.Equal(t, "333333", code)
}

func TestLatest_NoMessageIsNotFound(t *testing.T) {
	t.Parallel()
	_, c := newFake(t)
	_, err := c.Latest(context.Background(), "nobody@example.com")
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestPasswordResetLink_FallsBackToHTMLHref(t *testing.T) {
	t.Parallel()
	f, c := newFake(t)
	f.add("ann@example.com", Message{ID: "1",
		HTML: `<a href="https://auth.example.com/account/password/recovery?ticket=x&amp;lang=fr">Reset</a>`})

	link, err := c.PasswordResetLink(context.Background(), "ann@example.com")
	require.NoError(t, err)
	require.Equal(t, "https://auth.example.com/account/password/recovery?ticket=x&lang=fr", link)
}

func TestWaitForVerificationCode_PollsUntilMailArrives(t *testing.T) {
	t.Parallel()
	f, c := newFake(t)
	time.AfterFunc(50*time.Millisecond, func() {
		f.add("late@example.com", Message{ID: "9", Text: "Code: 909090"})
	})

	code, err := c.WaitForVerificationCode(context.Background(), "late@example.com",
		poll.Policy{MaxAttempts: 100, Delay: 10 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, "909090", code)
}

func TestWaitForPasswordResetLink_TimesOut(t *testing.T) {
	t.Parallel()
	f, c := newFake(t)
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	_, err := c.WaitForPasswordResetLink(context.Background(), "ghost@example.com",
		poll.Policy{MaxAttempts: 3, Delay: time.Second, Sleep: noSleep})
	require.True(t, errs.Is(err, errs.Timeout))
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, 3, f.searches)
}
