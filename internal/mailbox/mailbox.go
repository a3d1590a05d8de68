// Package mailbox reads the verification and recovery mails the
// authentication service sends, through the Mailpit REST API.
package mailbox

import (
	"context"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/kuitang/authprobe/internal/adminapi"
	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/obs"
	"github.com/kuitang/authprobe/internal/poll"
)

var (
	codePattern      = regexp.MustCompile(`.*:\s*(\d+)`)
	resetLinkPattern = regexp.MustCompile(`(?i)(https?://[^\s<>"]+account/password/recovery[^\s<>"]*)`)
	textPolicy       = bluemonday.StrictPolicy()
)

// Address is a mail participant.
type Address struct {
	Name    string `json:"Name"`
	Address string `json:"Address"`
}

// Summary is one search hit.
type Summary struct {
	ID      string    `json:"ID"`
	Subject string    `json:"Subject"`
	Created time.Time `json:"Created"`
	To      []Address `json:"To"`
	Snippet string    `json:"Snippet"`
}

// Message is a full message body.
type Message struct {
	ID      string    `json:"ID"`
	Subject string    `json:"Subject"`
	Date    time.Time `json:"Date"`
	Text    string    `json:"Text"`
	HTML    string    `json:"HTML"`
}

// Content is the plain-text body, or the HTML body reduced to text.
func (m *Message) Content() string {
	if strings.TrimSpace(m.Text) != "" {
		return m.Text
	}
	return html.UnescapeString(textPolicy.Sanitize(m.HTML))
}

type searchResult struct {
	Total    int       `json:"total"`
	Messages []Summary `json:"messages"`
}

// Client talks to one Mailpit instance.
type Client struct {
	api *adminapi.Client
}

// New returns a client for the Mailpit web UI at baseURL.
func New(baseURL string, hc *http.Client) *Client {
	return &Client{api: adminapi.New(baseURL, hc, nil, "mailbox")}
}

func searchQuery(to string) string {
	return "to:" + to
}

// Latest returns the newest message addressed to to.
func (c *Client) Latest(ctx context.Context, to string) (*Message, error) {
	q := url.Values{"query": {searchQuery(to)}, "start": {"0"}, "limit": {"1"}}
	var res searchResult
	if err := c.api.Do(ctx, "mailbox search", http.MethodGet, "/api/v1/search?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	if len(res.Messages) == 0 {
		return nil, errs.New(errs.NotFound, "mailbox: no message for "+to)
	}

	var msg Message
	if err := c.api.Do(ctx, "mailbox get message", http.MethodGet, "/api/v1/message/"+url.PathEscape(res.Messages[0].ID), nil, &msg); err != nil {
		return nil, err
	}
	obs.From(ctx).With("pkg", "mailbox").Debug("mailbox_message_found", "to", to, "id", msg.ID, "subject", msg.Subject)
	return &msg, nil
}

// DeleteFor removes every message addressed to to.
func (c *Client) DeleteFor(ctx context.Context, to string) error {
	q := url.Values{"query": {searchQuery(to)}}
	return c.api.Do(ctx, "mailbox delete", http.MethodDelete, "/api/v1/search?"+q.Encode(), nil, nil)
}

// ExtractCode returns the digits of the first "<label>: <digits>" line.
func ExtractCode(content string) (string, error) {
	m := codePattern.FindStringSubmatch(content)
	if m == nil {
		return "", errs.New(errs.NotFound, "mailbox: no verification code in message")
	}
	return m[1], nil
}

// ExtractResetLink returns the first password recovery URL in content.
func ExtractResetLink(content string) (string, error) {
	m := resetLinkPattern.FindStringSubmatch(content)
	if m == nil {
		return "", errs.New(errs.NotFound, "mailbox: no password recovery link in message")
	}
	return m[1], nil
}

// VerificationCode reads the code from the newest message to to.
func (c *Client) VerificationCode(ctx context.Context, to string) (string, error) {
	msg, err := c.Latest(ctx, to)
	if err != nil {
		return "", err
	}
	return ExtractCode(msg.Content())
}

// PasswordResetLink reads the recovery link from the newest message to to.
// Links in HTML-only mails are taken from the markup, where hrefs survive.
func (c *Client) PasswordResetLink(ctx context.Context, to string) (string, error) {
	msg, err := c.Latest(ctx, to)
	if err != nil {
		return "", err
	}
	if link, err := ExtractResetLink(msg.Text); err == nil {
		return link, nil
	}
	return ExtractResetLink(html.UnescapeString(msg.HTML))
}

// WaitForVerificationCode polls until a code arrives for to.
func (c *Client) WaitForVerificationCode(ctx context.Context, to string, p poll.Policy) (string, error) {
	return poll.Until(ctx, "verification code for "+to, p, func(ctx context.Context) (string, bool, error) {
		code, err := c.VerificationCode(ctx, to)
		return code, err == nil, err
	})
}

// WaitForPasswordResetLink polls until a recovery link arrives for to.
func (c *Client) WaitForPasswordResetLink(ctx context.Context, to string, p poll.Policy) (string, error) {
	return poll.Until(ctx, "password reset link for "+to, p, func(ctx context.Context) (string, bool, error) {
		link, err := c.PasswordResetLink(ctx, to)
		return link, err == nil, err
	})
}
