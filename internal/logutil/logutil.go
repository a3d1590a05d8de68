// Package logutil redacts credentials from admin API traffic before it is
// logged or embedded in errors.
package logutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// MaxErrorBodyBytes bounds response bodies embedded in error messages.
const MaxErrorBodyBytes = 512

const redacted = "[REDACTED]"

// IsSensitiveLogField returns true when a key likely contains sensitive data.
func IsSensitiveLogField(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, "_", "")

	switch {
	case normalized == "authorization", normalized == "auth", normalized == "credentials":
		return true
	// Recovery tickets and email verification codes grant account access.
	case normalized == "ticket", normalized == "code":
		return true
	case strings.Contains(normalized, "token"):
		return true
	case strings.Contains(normalized, "secret"):
		return true
	case strings.Contains(normalized, "password"):
		return true
	case strings.Contains(normalized, "apikey"):
		return true
	case strings.Contains(normalized, "cookie"):
		return true
	default:
		return false
	}
}

// RedactHeaderValue redacts a header value when the key looks sensitive.
func RedactHeaderValue(key, value string) string {
	if IsSensitiveLogField(key) {
		return redacted
	}
	return value
}

// FormatHeadersForLog returns stable, redacted header text for logs.
func FormatHeadersForLog(headers http.Header) string {
	if len(headers) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := headers.Values(k)
		if len(values) == 0 {
			parts = append(parts, fmt.Sprintf("%s=<empty>", strings.ToLower(k)))
			continue
		}

		out := make([]string, len(values))
		for i, v := range values {
			out[i] = RedactHeaderValue(k, v)
		}
		parts = append(parts, fmt.Sprintf("%s=%q", strings.ToLower(k), strings.Join(out, ", ")))
	}
	return strings.Join(parts, "; ")
}

// RedactURLForLog blanks sensitive query parameters and userinfo passwords.
func RedactURLForLog(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	q := u.Query()
	changed := false
	for k := range q {
		if IsSensitiveLogField(k) {
			q.Set(k, redacted)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactBodyForLog redacts sensitive fields from JSON and form payloads; other bodies are returned as-is.
func RedactBodyForLog(contentType string, body []byte) string {
	text := string(body)
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "x-www-form-urlencoded") {
		return redactForm(text)
	}
	if !strings.Contains(ct, "json") {
		return text
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return text
	}

	var redact func(v any)
	redact = func(v any) {
		switch typed := v.(type) {
		case map[string]any:
			for k, child := range typed {
				if IsSensitiveLogField(k) {
					typed[k] = redacted
					continue
				}
				redact(child)
			}
		case []any:
			for _, child := range typed {
				redact(child)
			}
		}
	}

	redact(payload)
	safeJSON, err := json.Marshal(payload)
	if err != nil {
		return text
	}
	return string(safeJSON)
}

func redactForm(text string) string {
	values, err := url.ParseQuery(text)
	if err != nil {
		return text
	}
	for k := range values {
		if IsSensitiveLogField(k) {
			values.Set(k, redacted)
		}
	}
	return values.Encode()
}

// FormatBodyForLog truncates and redacts body text for safe logging.
func FormatBodyForLog(contentType string, body []byte, maxBytes int, truncated bool) string {
	if len(body) == 0 {
		return ""
	}
	// Redact before truncating so a cut JSON document still gets parsed.
	text := RedactBodyForLog(contentType, body)
	if maxBytes > 0 && len(text) > maxBytes {
		text = text[:maxBytes]
		truncated = true
	}
	if truncated {
		return text + " [truncated]"
	}
	return text
}

// BodyForError formats a response body for inclusion in an error message.
func BodyForError(contentType string, body []byte) string {
	return TruncateForLog(FormatBodyForLog(contentType, body, MaxErrorBodyBytes, false), MaxErrorBodyBytes+len(" [truncated]"))
}

// TruncateForLog returns a single-line truncated preview for unstructured values.
func TruncateForLog(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalized := strings.ReplaceAll(trimmed, "\n", "\\n")
	if maxChars <= 0 || len(normalized) <= maxChars {
		return normalized
	}
	return normalized[:maxChars] + "... [truncated]"
}
