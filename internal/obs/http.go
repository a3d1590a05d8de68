package obs

import (
	"net/http"
	"time"

	"github.com/kuitang/authprobe/internal/logutil"
)

// Transport emits one structured event per outgoing admin API call.
type Transport struct {
	Pkg  string
	Base http.RoundTripper
}

// NewTransport wraps base, defaulting to http.DefaultTransport.
func NewTransport(pkg string, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Pkg: pkg, Base: base}
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.Base.RoundTrip(r)

	reqBytes := int64(0)
	if r.ContentLength > 0 {
		reqBytes = r.ContentLength
	}
	durMS := float64(time.Since(start).Microseconds()) / 1000.0
	l := From(r.Context()).With("pkg", t.Pkg)
	if err != nil {
		l.Warn(
			"http_call_failed",
			"method", r.Method,
			"url", logutil.RedactURLForLog(r.URL.String()),
			"dur_ms", durMS,
			"error", err,
		)
		return nil, err
	}
	l.Debug(
		"http_call",
		"method", r.Method,
		"host", r.URL.Host,
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"dur_ms", durMS,
		"req_bytes", reqBytes,
		"req_headers", logutil.FormatHeadersForLog(r.Header),
	)
	return resp, nil
}
