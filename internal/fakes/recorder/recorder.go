// Package recorder keeps the request log and failure injection shared by the admin API fakes.
package recorder

import (
	"net/http"
	"strings"
	"sync"
)

// Call is one request seen by a fake.
type Call struct {
	Method string
	Path   string
	Query  string
}

func (c Call) String() string {
	if c.Query == "" {
		return c.Method + " " + c.Path
	}
	return c.Method + " " + c.Path + "?" + c.Query
}

type failure struct {
	method string
	prefix string
	status int
	left   int
}

// Recorder logs calls and answers scripted failures.
type Recorder struct {
	mu       sync.Mutex
	calls    []Call
	failures []*failure
}

// Calls returns a copy of the request log.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many calls match method and path prefix. An empty method matches any.
func (r *Recorder) Count(method, prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if (method == "" || c.Method == method) && strings.HasPrefix(c.Path, prefix) {
			n++
		}
	}
	return n
}

// Reset clears the request log.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Fail makes the next times calls matching method and path prefix answer status.
func (r *Recorder) Fail(method, prefix string, status, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, &failure{method: method, prefix: prefix, status: status, left: times})
}

// Middleware records every request and short-circuits scripted failures.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.calls = append(r.calls, Call{Method: req.Method, Path: req.URL.Path, Query: req.URL.RawQuery})
		status := 0
		for _, f := range r.failures {
			if f.left > 0 && (f.method == "" || f.method == req.Method) && strings.HasPrefix(req.URL.Path, f.prefix) {
				f.left--
				status = f.status
				break
			}
		}
		r.mu.Unlock()

		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"injected failure"}`))
			return
		}
		next.ServeHTTP(w, req)
	})
}
