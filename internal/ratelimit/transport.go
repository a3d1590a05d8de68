package ratelimit

import (
	"net/http"
)

// Transport waits on the per-host bucket before each request.
type Transport struct {
	Limiter *Limiter
	Base    http.RoundTripper
}

// NewTransport wraps base, defaulting to http.DefaultTransport.
func NewTransport(l *Limiter, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Limiter: l, Base: base}
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context(), r.URL.Host); err != nil {
		if r.Body != nil {
			r.Body.Close()
		}
		return nil, err
	}
	return t.Base.RoundTrip(r)
}
