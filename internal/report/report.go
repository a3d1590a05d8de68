// Package report collects per-test outcomes and renders them as an HTML page.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"

	"github.com/kuitang/authprobe/internal/errs"
)

// Status is a test outcome.
type Status string

const (
	Passed  Status = "passed"
	Failed  Status = "failed"
	Skipped Status = "skipped"
)

// Result is one test's outcome.
type Result struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Screenshots []string      `json:"screenshots,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Report is safe for concurrent use by parallel tests.
type Report struct {
	RunID string `json:"run_id"`

	mu      sync.Mutex
	results []Result
}

// New returns an empty report for runID.
func New(runID string) *Report {
	return &Report{RunID: runID}
}

// Add records res.
func (r *Report) Add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// T is a testing.TB whose failure messages end up in the report.
type T struct {
	testing.TB

	mu       sync.Mutex
	failures []string
	shots    []func() []string
}

// Track records t's outcome when t finishes. Failures reported through the
// returned T, including require/assert calls made with it, become the
// result's Error.
func (r *Report) Track(t testing.TB) *T {
	tt := &T{TB: t}
	start := time.Now()
	t.Cleanup(func() {
		res := Result{Name: t.Name(), Status: Passed, Started: start, Duration: time.Since(start)}
		switch {
		case t.Skipped():
			res.Status = Skipped
		case t.Failed():
			res.Status = Failed
		}
		tt.mu.Lock()
		if res.Status == Failed {
			res.Error = strings.Join(tt.failures, "\n")
			if res.Error == "" {
				res.Error = "failed without a recorded message, see the test log"
			}
		}
		shots := tt.shots
		tt.mu.Unlock()
		for _, files := range shots {
			res.Screenshots = append(res.Screenshots, files()...)
		}
		r.Add(res)
	})
	return tt
}

// Screenshots adds a source of screenshot files, read when the test ends.
func (t *T) Screenshots(files func() []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shots = append(t.shots, files)
}

func (t *T) note(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, msg)
}

func (t *T) Error(args ...any) {
	t.TB.Helper()
	t.note(fmt.Sprint(args...))
	t.TB.Error(args...)
}

func (t *T) Errorf(format string, args ...any) {
	t.TB.Helper()
	t.note(fmt.Sprintf(format, args...))
	t.TB.Errorf(format, args...)
}

func (t *T) Fatal(args ...any) {
	t.TB.Helper()
	t.note(fmt.Sprint(args...))
	t.TB.Fatal(args...)
}

func (t *T) Fatalf(format string, args ...any) {
	t.TB.Helper()
	t.note(fmt.Sprintf(format, args...))
	t.TB.Fatalf(format, args...)
}

// Results returns the results sorted by name.
func (r *Report) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Result(nil), r.results...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Counts returns how many results have each status.
func (r *Report) Counts() map[Status]int {
	counts := map[Status]int{}
	for _, res := range r.Results() {
		counts[res.Status]++
	}
	return counts
}

type fileFormat struct {
	RunID   string   `json:"run_id"`
	Results []Result `json:"results"`
}

// Save writes the report as JSON, creating the parent directory.
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(fileFormat{RunID: r.RunID, Results: r.Results()}, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Internal, "report: encode", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.Internal, "report: create "+filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.Internal, "report: write "+path, err)
	}
	return nil
}

// Load reads a report written by Save.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "report: read "+path, err)
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "report: decode "+path, err)
	}
	return &Report{RunID: f.RunID, results: f.Results}, nil
}

var statusMark = map[Status]string{Passed: "✅", Failed: "❌", Skipped: "⏭"}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

// Markdown renders the report as a summary table followed by per-test details.
func (r *Report) Markdown() string {
	results := r.Results()
	counts := r.Counts()

	var b strings.Builder
	fmt.Fprintf(&b, "# Auth e2e run %s\n\n", r.RunID)
	fmt.Fprintf(&b, "%d passed, %d failed, %d skipped\n\n", counts[Passed], counts[Failed], counts[Skipped])
	b.WriteString("| Test | Status | Duration |\n|---|---|---|\n")
	for _, res := range results {
		fmt.Fprintf(&b, "| %s | %s %s | %s |\n", cell(res.Name), statusMark[res.Status], res.Status, res.Duration.Round(time.Millisecond))
	}

	for _, res := range results {
		if res.Error == "" && len(res.Screenshots) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n", res.Name)
		if res.Error != "" {
			fmt.Fprintf(&b, "```\n%s\n```\n\n", strings.ReplaceAll(res.Error, "```", "'''"))
		}
		for _, shot := range res.Screenshots {
			fmt.Fprintf(&b, "- [%s](%s)\n", filepath.Base(shot), filepath.ToSlash(shot))
		}
	}
	return b.String()
}

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Auth e2e run {{.RunID}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 64rem; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: .3rem .6rem; text-align: left; }
pre { background: #f6f6f6; padding: .6rem; overflow-x: auto; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML renders Markdown to a sanitised standalone page.
func (r *Report) HTML() ([]byte, error) {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock)
	doc := p.Parse([]byte(r.Markdown()))
	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags | html.HrefTargetBlank})
	body := bluemonday.UGCPolicy().SanitizeBytes(markdown.Render(doc, renderer))

	var buf bytes.Buffer
	err := page.Execute(&buf, struct {
		RunID string
		Body  template.HTML
	}{RunID: r.RunID, Body: template.HTML(body)}) //nolint:gosec // body was sanitised above
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "report: render", err)
	}
	return buf.Bytes(), nil
}

// WriteHTML writes index.html into dir.
func (r *Report) WriteHTML(dir string) (string, error) {
	out, err := r.HTML()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.Internal, "report: create "+dir, err)
	}
	path := filepath.Join(dir, "index.html")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", errs.Wrap(errs.Internal, "report: write "+path, err)
	}
	return path, nil
}
